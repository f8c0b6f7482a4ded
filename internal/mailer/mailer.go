// Package mailer delivers composed emails through an outbound transport.
package mailer

import (
	"context"
	"errors"
	"time"
)

// ErrNoRecipients is returned when a message has no To, Cc or Bcc address.
var ErrNoRecipients = errors.New("mailer: message has no recipients")

// Sender delivers one message. Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
	Name() string
}

// Message is a fully resolved email ready for delivery. Bcc addresses are
// envelope recipients only and never appear in headers.
type Message struct {
	ID          string // used for file names and logging
	FromName    string // optional display name for the From header
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	HTML        string
	Attachments []Attachment
}

// Attachment is one file attached to a message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Recipients returns every envelope recipient: To, then Cc, then Bcc.
func (m *Message) Recipients() []string {
	all := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	all = append(all, m.To...)
	all = append(all, m.Cc...)
	all = append(all, m.Bcc...)
	return all
}

// Config holds outbound mail configuration.
type Config struct {
	Driver      string // smtp, resend, stdout, file
	FromAddress string
	Host        string
	Port        int
	Secure      bool // implicit TLS
	StartTLS    bool // upgrade a plain connection; fails when the relay does not offer it
	Username    string
	Password    string
	Timeout     time.Duration
	ResendKey   string
	OutputDir   string
}
