package task

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscriptAppend(t *testing.T) {
	dir := t.TempDir()
	tk := testTask("t1")

	transcript, err := NewTranscript(dir, tk)
	require.NoError(t, err)

	require.NoError(t, transcript.Append("plan", map[string]any{"steps": 2}))
	require.NoError(t, transcript.Append("step.started", map[string]any{"stepId": "s1"}))
	require.NoError(t, transcript.Append("result", map[string]any{"output": "done"}))
	require.NoError(t, transcript.Close())

	path := filepath.Join(dir, "transcripts", "t1.jsonl")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var entries []TranscriptEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e TranscriptEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, "t1", e.TaskID)
		assert.Equal(t, "corr-t1", e.CorrelationID)
		assert.Equal(t, i+1, e.Seq, "sequence numbers are contiguous from 1")
		assert.False(t, e.At.IsZero())
	}
	assert.Equal(t, "plan", entries[0].Kind)
	assert.Equal(t, "result", entries[2].Kind)
}

func TestTranscriptReopenAppends(t *testing.T) {
	dir := t.TempDir()
	tk := testTask("t2")

	first, err := NewTranscript(dir, tk)
	require.NoError(t, err)
	require.NoError(t, first.Append("plan", nil))
	require.NoError(t, first.Close())

	second, err := NewTranscript(dir, tk)
	require.NoError(t, err)
	require.NoError(t, second.Append("result", nil))
	require.NoError(t, second.Close())

	data, err := os.ReadFile(filepath.Join(dir, "transcripts", "t2.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 2, countLines(data), "reopening never truncates")
}

func countLines(data []byte) int {
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}
