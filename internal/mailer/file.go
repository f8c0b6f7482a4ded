package mailer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const defaultOutputDir = "./mail_output"

// File writes each composed message to an .eml file in the output
// directory instead of delivering it. Intended for development and debugging.
type File struct {
	outputDir string
	from      string
	now       func() time.Time
}

// NewFile creates a File sender. An empty OutputDir defaults to ./mail_output.
func NewFile(cfg Config) *File {
	dir := cfg.OutputDir
	if dir == "" {
		dir = defaultOutputDir
	}
	return &File{outputDir: dir, from: cfg.FromAddress, now: time.Now}
}

func (f *File) Name() string { return "file" }

// Send writes the MIME message to <timestamp>_<message-id>.eml.
func (f *File) Send(_ context.Context, msg *Message) error {
	if len(msg.Recipients()) == 0 {
		return ErrNoRecipients
	}
	if err := os.MkdirAll(f.outputDir, 0o750); err != nil {
		return fmt.Errorf("file: create output dir: %w", err)
	}

	now := f.now()
	raw, err := Compose(f.from, msg, now)
	if err != nil {
		return err
	}

	safeID := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(msg.ID)
	if safeID == "" {
		safeID = "message"
	}
	path := filepath.Join(f.outputDir, fmt.Sprintf("%s_%s.eml", now.Format("20060102_150405"), safeID))

	if err := os.WriteFile(path, raw, 0o640); err != nil {
		return fmt.Errorf("file: write %s: %w", path, err)
	}
	return nil
}
