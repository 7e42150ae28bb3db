// Package audit persists an append-only log of permission activity, one
// JSON object per line, one file per profile.
//
// Entries are never mutated or deleted. Each line carries a content hash of
// its JCS-canonicalized form so a reader can detect corruption; there is no
// chaining and no signing. Writes are best-effort by policy: callers discard
// the returned error so a disk problem degrades observability but never
// blocks a permission decision or a task run.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// EventType categorizes audit events.
type EventType string

const (
	EventPermissionRequest  EventType = "permission.request"
	EventPermissionDecision EventType = "permission.decision"
	EventPermissionTimeout  EventType = "permission.timeout"
)

// Event is a single audit record.
type Event struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`
	ProfileID     string    `json:"profileId,omitempty"`
	RequestID     string    `json:"requestId,omitempty"`
	Tool          string    `json:"tool,omitempty"`
	Scope         string    `json:"scope,omitempty"`
	Action        string    `json:"action,omitempty"`
	Decision      string    `json:"decision,omitempty"`
	Source        string    `json:"source,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Hash          string    `json:"hash,omitempty"`
}

// Log appends events to a profile's audit file.
type Log struct {
	mu    sync.Mutex
	path  string
	clock func() time.Time
}

// Open prepares the audit log at <logsDir>/audit.log, creating the
// directory if needed. The file itself is opened per append so an external
// rotation never wedges the writer.
func Open(logsDir string) (*Log, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir %s: %w", logsDir, err)
	}
	return &Log{
		path:  filepath.Join(logsDir, "audit.log"),
		clock: time.Now,
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Path returns the audit file path.
func (l *Log) Path() string {
	return l.path
}

// Append writes one event. The timestamp is stamped here and the content
// hash is computed over the JCS-canonical form of the event minus the hash
// field itself.
func (l *Log) Append(event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = l.clock().UTC()
	}
	hash, err := contentHash(event)
	if err != nil {
		return err
	}
	event.Hash = hash

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Read returns all events in the log, skipping lines that do not parse.
func (l *Log) Read() ([]Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("scan audit log: %w", err)
	}
	return events, nil
}

// Verify recomputes every event's content hash and returns the indexes of
// lines whose stored hash does not match.
func (l *Log) Verify() ([]int, error) {
	events, err := l.Read()
	if err != nil {
		return nil, err
	}
	var bad []int
	for i, e := range events {
		stored := e.Hash
		computed, err := contentHash(e)
		if err != nil || computed != stored {
			bad = append(bad, i)
		}
	}
	return bad, nil
}

// contentHash hashes the JCS-canonical event with the hash field cleared.
func contentHash(event Event) (string, error) {
	event.Hash = ""
	raw, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal event for hashing: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize event: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
