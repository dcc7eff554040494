// Package audit writes the tool-call audit trail as JSON lines.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"athena/internal/domain"
	"athena/internal/infra/tracer"
)

const maxLine = 1 << 20

// Retention bounds the audit file. Zero fields are unbounded.
type Retention struct {
	MaxAge  time.Duration
	MaxSize int64
}

// FileLog implements domain.Auditor over an append-only JSONL file.
type FileLog struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	retention Retention
	now       func() time.Time
}

var _ domain.Auditor = (*FileLog)(nil)

// NewFileLog opens path for appending, creating it with 0600 permissions.
func NewFileLog(path string, retention Retention) (*FileLog, error) {
	f, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileLog{file: f, path: path, retention: retention, now: time.Now}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
}

// Log appends event as one line and mirrors it onto the active span.
func (l *FileLog) Log(ctx context.Context, event domain.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return domain.NewDomainError("FileLog.Log", domain.ErrAuditWrite, err.Error())
	}

	l.mu.Lock()
	_, err = l.file.Write(append(data, '\n'))
	l.mu.Unlock()
	if err != nil {
		return domain.NewDomainError("FileLog.Log", domain.ErrAuditWrite, err.Error())
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		attrs := []attribute.KeyValue{
			tracer.StringAttr("audit.actor", event.Actor),
			tracer.StringAttr("audit.resource", event.Resource),
			tracer.StringAttr("audit.action", event.Action),
			tracer.StringAttr("audit.outcome", event.Outcome),
		}
		for k, v := range event.Detail {
			attrs = append(attrs, tracer.StringAttr("audit."+k, v))
		}
		span.AddEvent("audit."+string(event.Type), trace.WithAttributes(attrs...))
	}
	return nil
}

// Close closes the underlying file.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Prune drops entries older than the retention age, then the oldest entries
// until the file fits the size bound. It returns the number removed.
func (l *FileLog) Prune(ctx context.Context) (int, error) {
	if l.retention.MaxAge <= 0 && l.retention.MaxSize <= 0 {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.retention.MaxAge <= 0 {
		info, err := os.Stat(l.path)
		if err != nil {
			return 0, fmt.Errorf("stat audit log: %w", err)
		}
		if info.Size() <= l.retention.MaxSize {
			return 0, nil
		}
	}

	kept, removed, err := l.filter()
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}
	if err := l.rewrite(kept); err != nil {
		return 0, err
	}
	return removed, nil
}

func (l *FileLog) filter() ([][]byte, int, error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, 0, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var cutoff time.Time
	if l.retention.MaxAge > 0 {
		cutoff = l.now().Add(-l.retention.MaxAge)
	}

	var (
		kept    [][]byte
		size    int64
		removed int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if !cutoff.IsZero() {
			var entry struct {
				Timestamp time.Time `json:"timestamp"`
			}
			if json.Unmarshal(line, &entry) == nil && !entry.Timestamp.IsZero() && entry.Timestamp.Before(cutoff) {
				removed++
				continue
			}
		}
		kept = append(kept, bytes.Clone(line))
		size += int64(len(line)) + 1
	}
	if err := sc.Err(); err != nil {
		return nil, 0, fmt.Errorf("scan audit log: %w", err)
	}

	for limit := l.retention.MaxSize; limit > 0 && size > limit && len(kept) > 0; removed++ {
		size -= int64(len(kept[0])) + 1
		kept = kept[1:]
	}
	return kept, removed, nil
}

// rewrite replaces the file with kept and reopens it for appending.
// Callers hold l.mu.
func (l *FileLog) rewrite(kept [][]byte) error {
	tmp := l.path + ".tmp"
	var buf bytes.Buffer
	for _, line := range kept {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}

	if err := l.file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close audit log: %w", err)
	}
	renameErr := os.Rename(tmp, l.path)
	if renameErr != nil {
		os.Remove(tmp)
	}
	f, err := openAppend(l.path)
	if err != nil {
		return fmt.Errorf("reopen audit log: %w", err)
	}
	l.file = f
	if renameErr != nil {
		return fmt.Errorf("replace audit log: %w", renameErr)
	}
	return nil
}
