package mailer

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v3"
)

// resendAPI is the subset of the Resend client used for sending.
type resendAPI interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// Resend delivers messages through the Resend HTTP API.
type Resend struct {
	emails resendAPI
	from   string
}

// NewResend creates a Resend sender with the given API key.
func NewResend(cfg Config) *Resend {
	return &Resend{
		emails: resend.NewClient(cfg.ResendKey).Emails,
		from:   cfg.FromAddress,
	}
}

func (r *Resend) Name() string { return "resend" }

// Send implements Sender.
func (r *Resend) Send(ctx context.Context, msg *Message) error {
	if len(msg.Recipients()) == 0 {
		return ErrNoRecipients
	}

	req := &resend.SendEmailRequest{
		From:    FormatFrom(msg.FromName, r.from),
		To:      msg.To,
		Cc:      msg.Cc,
		Bcc:     msg.Bcc,
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    PlainText(msg.HTML),
	}
	if len(msg.Attachments) > 0 {
		req.Attachments = make([]*resend.Attachment, len(msg.Attachments))
		for i, a := range msg.Attachments {
			req.Attachments[i] = &resend.Attachment{
				Filename:    a.Filename,
				Content:     a.Content,
				ContentType: a.ContentType,
			}
		}
	}

	if _, err := r.emails.SendWithContext(ctx, req); err != nil {
		return fmt.Errorf("resend: failed to send email: %w", err)
	}
	return nil
}
