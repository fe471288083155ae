package monitoring

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFileOptions controls rotation of the optional log file.
type LogFileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewLogFile returns a rotating writer for opts.Path. Zero sizes fall back
// to 10 MB, 4 backups and 180 days.
func NewLogFile(opts LogFileOptions) *lumberjack.Logger {
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 4
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = 180
	}
	return &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
}

// TeeStandardLog sends the standard logger to both stderr and w.
func TeeStandardLog(w io.Writer) {
	log.SetOutput(io.MultiWriter(os.Stderr, w))
}
