// Package audit records engine activity as an append-only JSONL file. Each
// line is one Entry wrapping a typed payload, so the file can be replayed or
// inspected with standard line tools.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Entry kinds written by the engine.
const (
	KindPoint      = "point"
	KindEvent      = "event"
	KindAssessment = "assessment"
	KindRejection  = "rejection"
)

// Entry is one logged line.
type Entry struct {
	Kind     string          `json:"kind"`
	LoggedAt time.Time       `json:"logged_at"`
	Data     json.RawMessage `json:"data"`
}

// Decode unmarshals the payload into v.
func (e Entry) Decode(v any) error {
	if err := codec.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s entry: %w", e.Kind, err)
	}
	return nil
}

// Log appends entries to a single JSONL file. Safe for concurrent use.
type Log struct {
	mu   sync.Mutex
	path string
}

// New creates the log directory if needed and returns a writer for path.
func New(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}
	return &Log{path: path}, nil
}

// Path returns the backing file path.
func (l *Log) Path() string { return l.path }

// Append marshals data and writes one line. The file is opened per write so
// a crash never loses more than the in-flight line.
func (l *Log) Append(kind string, data any) error {
	raw, err := codec.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s entry: %w", kind, err)
	}
	line, err := codec.Marshal(Entry{Kind: kind, LoggedAt: time.Now().UTC(), Data: raw})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	return nil
}

// Read loads every entry in file order. Lines that fail to parse are skipped
// rather than aborting the read; a torn final line is expected after a crash.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := codec.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return entries, fmt.Errorf("scan audit log: %w", err)
	}
	return entries, nil
}

// ReadKind loads only entries of one kind.
func ReadKind(path, kind string) ([]Entry, error) {
	all, err := Read(path)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out, nil
}
