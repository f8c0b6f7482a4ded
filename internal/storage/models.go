package storage

import (
	"time"

	"github.com/google/uuid"
)

// EmailStatus is the lifecycle state of a scheduled email.
type EmailStatus string

const (
	StatusScheduled  EmailStatus = "SCHEDULED"
	StatusProcessing EmailStatus = "PROCESSING"
	StatusSent       EmailStatus = "SENT"
	StatusFailed     EmailStatus = "FAILED"
)

// RecipientType is the header a recipient address belongs to.
type RecipientType string

const (
	RecipientTo  RecipientType = "TO"
	RecipientCc  RecipientType = "CC"
	RecipientBcc RecipientType = "BCC"
)

type Email struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Subject      string
	BodyHTML     string
	FromAlias    *string
	Status       EmailStatus
	ScheduledAt  time.Time
	SentAt       *time.Time
	RetryCount   int
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Recipients  []Recipient
	Attachments []Attachment
}

type Recipient struct {
	ID      uuid.UUID
	EmailID uuid.UUID
	Email   string
	Type    RecipientType
}

type Attachment struct {
	ID         uuid.UUID
	EmailID    uuid.UUID
	Filename   string
	MimeType   string
	Size       int64
	StorageKey string
}

// RecordFailureParams describes one failed send attempt. The update only
// applies while the row is PROCESSING with PrevRetryCount attempts recorded.
type RecordFailureParams struct {
	ID             uuid.UUID
	PrevRetryCount int
	RetryCount     int
	Status         EmailStatus
	ErrorMessage   string
}
