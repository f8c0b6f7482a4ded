package config

import (
	"github.com/sungwon/mail-scheduler/internal/logger"
	"github.com/sungwon/mail-scheduler/internal/mailer"
	"github.com/sungwon/mail-scheduler/internal/objstore"
	"github.com/sungwon/mail-scheduler/internal/storage"
)

// Pool returns the connection pool settings for the named process.
func (c DatabaseConfig) Pool(app string) storage.PoolConfig {
	return storage.PoolConfig{
		URL:            c.URL,
		MinConns:       c.PoolMin,
		MaxConns:       c.PoolMax,
		ConnectTimeout: c.ConnectTimeout,
		AppName:        app,
	}
}

// ForService returns the logger settings tagged with the given service name.
func (c LoggingConfig) ForService(service string) logger.Config {
	return logger.Config{
		Level:     c.Level,
		Output:    c.Output,
		FilePath:  c.FilePath,
		MaxSizeMB: c.MaxSizeMB,
		MaxFiles:  c.MaxFiles,
		Service:   service,
	}
}

// Options returns the Sentry client settings.
func (c SentryConfig) Options(release string) logger.SentryConfig {
	return logger.SentryConfig{
		DSN:         c.DSN,
		Environment: c.Environment,
		Release:     release,
	}
}

// ObjStore returns the attachment store settings.
func (c StorageConfig) ObjStore() objstore.Config {
	return objstore.Config{
		Type:        c.Type,
		Path:        c.Path,
		S3Bucket:    c.S3Bucket,
		S3Prefix:    c.S3Prefix,
		S3Endpoint:  c.S3Endpoint,
		S3Region:    c.S3Region,
		S3AccessKey: c.S3AccessKey,
		S3SecretKey: c.S3SecretKey,
	}
}

// Sender returns the outbound mail settings.
func (c MailConfig) Sender() mailer.Config {
	return mailer.Config{
		Driver:      c.Driver,
		FromAddress: c.FromAddress,
		Host:        c.Host,
		Port:        c.Port,
		Secure:      c.Secure,
		StartTLS:    c.StartTLS,
		Username:    c.Username,
		Password:    c.Password,
		Timeout:     c.Timeout,
		ResendKey:   c.ResendKey,
		OutputDir:   c.OutputDir,
	}
}
