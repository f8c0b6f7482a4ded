package logger

import (
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultMaxSizeMB = 20
	defaultMaxFiles  = 14
)

// FileConfig holds configuration for file-based log output with rotation.
type FileConfig struct {
	Path      string
	MaxSizeMB int // rotate once the active file reaches this size
	MaxFiles  int // rotated files to retain
}

// NewFileWriter returns an io.Writer that writes to a size-rotated log file.
// Rotated files are gzip-compressed. Zero limits fall back to 20 MB and 14 files.
func NewFileWriter(cfg FileConfig) io.Writer {
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = defaultMaxSizeMB
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = defaultMaxFiles
	}
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxFiles,
		Compress:   true,
	}
}
