// Package state keeps an optional replay journal so an interrupted import
// can be re-run without re-creating topics and replies it already posted.
package state

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Tracker records which archive messages were already replayed and the
// topic id they produced.
type Tracker interface {
	// AlreadyProcessed and Value report a miss only when the key is
	// absent. A failed lookup is an error.
	AlreadyProcessed(key string) (bool, error)
	Value(key string) (string, bool, error)
	MarkProcessed(key, value string) error
	Snapshot() Snapshot
	Close() error
}

type Snapshot struct {
	Processed int
}

// TopicKey is the journal key of a replayed root message.
func TopicKey(rootID string) string {
	return "topic:" + rootID
}

// ReplyKey is the journal key of a reply replayed under a root.
func ReplyKey(rootID, childID string) string {
	return "reply:" + rootID + "/" + childID
}

// Namespace derives a stable journal name from the forum address and the
// archive path, so one state directory can serve several imports.
func Namespace(address, mboxPath string) string {
	abs, err := filepath.Abs(mboxPath)
	if err != nil {
		abs = mboxPath
	}
	sum := sha256.Sum256([]byte(strings.TrimRight(address, "/") + "\x00" + abs))
	return hex.EncodeToString(sum[:8])
}

// MemoryTracker is a journal that lives for one run only.
type MemoryTracker struct {
	processed map[string]string
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{processed: make(map[string]string)}
}

func (m *MemoryTracker) AlreadyProcessed(key string) (bool, error) {
	_, ok := m.processed[key]
	return ok, nil
}

func (m *MemoryTracker) Value(key string) (string, bool, error) {
	v, ok := m.processed[key]
	return v, ok, nil
}

func (m *MemoryTracker) MarkProcessed(key, value string) error {
	if key == "" {
		return nil
	}
	m.processed[key] = value
	return nil
}

func (m *MemoryTracker) Snapshot() Snapshot {
	return Snapshot{Processed: len(m.processed)}
}

func (m *MemoryTracker) Close() error {
	return nil
}

// FileTracker persists journal entries as JSON lines so future runs can
// skip them.
type FileTracker struct {
	*MemoryTracker
	path   string
	writer *bufio.Writer
	file   *os.File
}

type fileRecord struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func NewFileTracker(stateDir, namespace string) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, "journal-"+namespace+".jsonl"),
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(tracker.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open state file for append: %w", err)
	}
	tracker.file = file
	tracker.writer = bufio.NewWriter(file)

	return tracker, nil
}

// Path returns the journal file location.
func (f *FileTracker) Path() string {
	return f.path
}

func (f *FileTracker) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record fileRecord
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		if record.Key == "" {
			continue
		}
		f.processed[record.Key] = record.Value
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

// MarkProcessed records key and flushes it, since every entry stands for
// a write the forum already accepted.
func (f *FileTracker) MarkProcessed(key, value string) error {
	if key == "" {
		return nil
	}
	if old, exists := f.processed[key]; exists && old == value {
		return nil
	}
	f.processed[key] = value

	data, err := json.Marshal(fileRecord{Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}
	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	return nil
}

// Close flushes and closes the state file.
func (f *FileTracker) Close() error {
	if f.file == nil {
		return nil
	}

	var firstErr error
	if err := f.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}
	f.file = nil

	return firstErr
}
