package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TranscriptEntry is one line of a task's durable transcript.
type TranscriptEntry struct {
	TaskID        string          `json:"taskId"`
	CorrelationID string          `json:"correlationId"`
	Seq           int             `json:"seq"`
	Kind          string          `json:"kind"`
	At            time.Time       `json:"at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Transcript appends a task's lifecycle events to
// <memoryDir>/transcripts/<taskId>.jsonl. Like the audit log, writes are
// best-effort: the caller discards errors so a full disk never fails a run.
type Transcript struct {
	mu    sync.Mutex
	f     *os.File
	task  Task
	seq   int
	clock func() time.Time
}

// NewTranscript creates the transcript file for a task.
func NewTranscript(memoryDir string, t Task) (*Transcript, error) {
	dir := filepath.Join(memoryDir, "transcripts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}
	path := filepath.Join(dir, t.TaskID+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript %s: %w", path, err)
	}
	return &Transcript{f: f, task: t, clock: time.Now}, nil
}

// Append writes one entry with the next sequence number.
func (w *Transcript) Append(kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal transcript payload: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	entry := TranscriptEntry{
		TaskID:        w.task.TaskID,
		CorrelationID: w.task.CorrelationID,
		Seq:           w.seq,
		Kind:          kind,
		At:            w.clock().UTC(),
		Payload:       raw,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal transcript entry: %w", err)
	}
	if _, err := w.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append transcript entry: %w", err)
	}
	return nil
}

// Close flushes and closes the transcript file.
func (w *Transcript) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
