// Package audit writes the append-only trail of authenticated tool calls and
// authorization denials. One JSON object per line; parameter payloads are
// masked before they reach the file (see Mask). The writer is a zap core with
// a bare JSON encoder, so audit lines share the encoding stack of the rest of
// the process without inheriting log levels or caller annotations.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Decisions recorded per call.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Record is one audit entry. ID and Time are filled on write when zero.
type Record struct {
	ID        string
	Time      time.Time
	Tool      string
	UserID    string
	Role      string
	Decision  string
	Reason    string
	Params    map[string]any
	ErrorKind string
}

// Logger appends records to a JSONL file.
type Logger struct {
	sink *zap.Logger
	file *os.File
}

// Open creates (or continues) the trail at path. The file is opened
// O_APPEND so concurrent single-line writes never interleave.
func Open(path string) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("audit: creating %s: %w", dir, err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: opening %s: %w", path, err)
	}

	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:    "ts",
		EncodeTime: zapcore.RFC3339NanoTimeEncoder,
		LineEnding: zapcore.DefaultLineEnding,
	})
	core := zapcore.NewCore(enc, zapcore.Lock(file), zapcore.InfoLevel)
	return &Logger{sink: zap.New(core), file: file}, nil
}

// Write appends one record. Params are masked here; callers hand over the
// raw payload.
func (l *Logger) Write(rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	fields := []zap.Field{
		zap.String("id", rec.ID),
		zap.String("tool", rec.Tool),
		zap.String("role", rec.Role),
		zap.String("decision", rec.Decision),
	}
	if rec.UserID != "" {
		fields = append(fields, zap.String("user_id", rec.UserID))
	}
	if rec.Reason != "" {
		fields = append(fields, zap.String("reason", rec.Reason))
	}
	if rec.Params != nil {
		fields = append(fields, zap.Any("params", Mask(rec.Params)))
	}
	if rec.ErrorKind != "" {
		fields = append(fields, zap.String("error_kind", rec.ErrorKind))
	}
	if ce := l.sink.Check(zapcore.InfoLevel, ""); ce != nil {
		ce.Time = rec.Time
		ce.Write(fields...)
	}
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	_ = l.sink.Sync()
	return l.file.Close()
}
