package mailer

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"mime"
	"net/mail"
	"strings"
	"sync"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

var (
	strictPolicy *bluemonday.Policy
	policyOnce   sync.Once
)

// PlainText derives a text/plain alternative from an HTML body by stripping
// every tag and unescaping entities.
func PlainText(body string) string {
	policyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	text := html.UnescapeString(strictPolicy.Sanitize(body))

	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" && len(out) > 0 && out[len(out)-1] == "" {
			continue
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// FormatFrom renders the From header value for the envelope sender with an
// optional display name.
func FormatFrom(name, address string) string {
	if strings.TrimSpace(name) == "" {
		return address
	}
	return (&mail.Address{Name: name, Address: address}).String()
}

// Compose renders msg as an RFC 5322 message:
// multipart/mixed holding a multipart/alternative (text, html) part followed
// by one base64 part per attachment. Bcc is never written.
func Compose(from string, msg *Message, now time.Time) ([]byte, error) {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}

	var h gomail.Header
	h.SetAddressList("From", []*gomail.Address{{Name: strings.TrimSpace(msg.FromName), Address: from}})
	h.SetAddressList("To", addressList(msg.To))
	h.SetAddressList("Cc", addressList(msg.Cc))
	h.SetSubject(msg.Subject)
	h.SetDate(now)
	h.SetMessageID(uuid.NewString() + "@" + domain)
	h.Set("MIME-Version", "1.0")

	var buf bytes.Buffer
	mw, err := gomail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("mailer: create writer: %w", err)
	}
	if err := writeAlternative(mw, msg.HTML); err != nil {
		return nil, err
	}
	for _, a := range msg.Attachments {
		if err := writeAttachment(mw, a); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("mailer: close multipart: %w", err)
	}
	return buf.Bytes(), nil
}

func addressList(addrs []string) []*gomail.Address {
	if len(addrs) == 0 {
		return nil
	}
	list := make([]*gomail.Address, 0, len(addrs))
	for _, a := range addrs {
		list = append(list, &gomail.Address{Address: a})
	}
	return list
}

func writeAlternative(mw *gomail.Writer, body string) error {
	alt, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("mailer: create alternative part: %w", err)
	}

	parts := []struct {
		contentType string
		content     string
	}{
		{"text/plain", PlainText(body)},
		{"text/html", body},
	}
	for _, p := range parts {
		var ph gomail.InlineHeader
		ph.SetContentType(p.contentType, map[string]string{"charset": "utf-8"})
		w, err := alt.CreatePart(ph)
		if err != nil {
			return fmt.Errorf("mailer: create body part: %w", err)
		}
		if _, err := io.WriteString(w, p.content); err != nil {
			w.Close()
			return fmt.Errorf("mailer: write body part: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("mailer: flush body part: %w", err)
		}
	}
	if err := alt.Close(); err != nil {
		return fmt.Errorf("mailer: close alternative: %w", err)
	}
	return nil
}

func writeAttachment(mw *gomail.Writer, a Attachment) error {
	filename := a.Filename
	if filename == "" {
		filename = "attachment"
	}
	mediaType, params, err := mime.ParseMediaType(a.ContentType)
	if err != nil {
		mediaType, params = "application/octet-stream", map[string]string{}
	}
	params["name"] = filename

	var ah gomail.AttachmentHeader
	ah.SetContentType(mediaType, params)
	ah.SetFilename(filename)

	w, err := mw.CreateAttachment(ah)
	if err != nil {
		return fmt.Errorf("mailer: create attachment part %s: %w", a.Filename, err)
	}
	if _, err := w.Write(a.Content); err != nil {
		w.Close()
		return fmt.Errorf("mailer: write attachment %s: %w", a.Filename, err)
	}
	return w.Close()
}
