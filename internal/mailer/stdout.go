package mailer

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Stdout writes a summary of each message to standard output instead of
// delivering it. Intended for development and debugging.
type Stdout struct {
	mu     sync.Mutex
	writer io.Writer
	from   string
}

// NewStdout creates a Stdout sender that prints to os.Stdout.
func NewStdout(cfg Config) *Stdout {
	return &Stdout{writer: os.Stdout, from: cfg.FromAddress}
}

func (s *Stdout) Name() string { return "stdout" }

// Send prints the message headers, recipients and attachment names.
func (s *Stdout) Send(_ context.Context, msg *Message) error {
	if len(msg.Recipients()) == 0 {
		return ErrNoRecipients
	}

	var b strings.Builder
	b.WriteString("--- stdout mailer: message ---\n")
	fmt.Fprintf(&b, "ID:      %s\n", msg.ID)
	fmt.Fprintf(&b, "From:    %s\n", FormatFrom(msg.FromName, s.from))
	fmt.Fprintf(&b, "To:      %s\n", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc:      %s\n", strings.Join(msg.Cc, ", "))
	}
	if len(msg.Bcc) > 0 {
		fmt.Fprintf(&b, "Bcc:     %s\n", strings.Join(msg.Bcc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	for _, a := range msg.Attachments {
		fmt.Fprintf(&b, "Attach:  %s (%s, %d bytes)\n", a.Filename, a.ContentType, len(a.Content))
	}
	fmt.Fprintf(&b, "Body:\n%s\n", PlainText(msg.HTML))
	b.WriteString("--- end ---\n")

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.writer, b.String()); err != nil {
		return fmt.Errorf("stdout: write: %w", err)
	}
	return nil
}
