// ABOUTME: Append-only, hash-chained audit log of privileged operations
// ABOUTME: Each record embeds the previous record's hash; edits are detectable

package tamperlog

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RecordVersion is the envelope version written by this build.
const RecordVersion = 1

// Policy controls what an append failure does to the operation being audited.
type Policy string

const (
	// PolicyBlock fails the privileged operation when its audit record
	// cannot be written. A missing audit entry is worse than a failed request.
	PolicyBlock Policy = "block"

	// PolicyBestEffort lets the operation proceed but escalates the write
	// failure loudly in the server log.
	PolicyBestEffort Policy = "besteffort"
)

// Record is one line of the tamper log. PrevHash is nil only for the first
// record of a file; Hash covers the canonical JSON of every other field.
type Record struct {
	Version  int            `json:"version"`
	TS       int64          `json:"ts"` // unix milliseconds
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload"`
	PrevHash *string        `json:"prevHash"`
	Hash     string         `json:"hash"`
}

// Log appends hash-chained records to a single file. All appends are
// serialized through one mutex: each append reads the running tail hash,
// and two concurrent appends computing from the same stale tail would
// silently fork the chain.
type Log struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	prevHash *string
	policy   Policy
	logger   *slog.Logger
	now      func() time.Time
}

// LogOption configures a Log.
type LogOption func(*Log)

// WithPolicy sets the append-failure policy (default PolicyBlock).
func WithPolicy(p Policy) LogOption {
	return func(l *Log) { l.policy = p }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) LogOption {
	return func(l *Log) { l.now = now }
}

// Open opens (or creates) a tamper log for appending. An existing file has
// its last line parsed to recover the chain tail; a tail that cannot be
// parsed fails loudly rather than forking the chain.
func Open(path string, logger *slog.Logger, opts ...LogOption) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("tamperlog: creating directory: %w", err)
	}

	var prevHash *string
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		last, err := readLastLine(path)
		if err != nil {
			return nil, err
		}
		var tail Record
		if err := json.Unmarshal(last, &tail); err != nil {
			return nil, fmt.Errorf("tamperlog: corrupt tail record in %s: %w", path, err)
		}
		if tail.Hash == "" {
			return nil, fmt.Errorf("tamperlog: tail record in %s has no hash", path)
		}
		h := tail.Hash
		prevHash = &h
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("tamperlog: opening %s: %w", path, err)
	}

	l := &Log{
		path:     path,
		file:     file,
		prevHash: prevHash,
		policy:   PolicyBlock,
		logger:   logger.With("component", "tamperlog"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Append writes one record and advances the chain tail. The record's hash
// is SHA-256 over the canonical JSON of its body (which embeds prevHash),
// and the full record is written as a single JSON line, synced to disk.
func (l *Log) Append(eventType string, payload map[string]any) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(eventType, payload)
}

// Write appends a record under the configured failure policy. Under
// PolicyBlock an append failure is returned to the caller; under
// PolicyBestEffort it is escalated in the log and swallowed.
func (l *Log) Write(eventType string, payload map[string]any) error {
	_, err := l.Append(eventType, payload)
	if err == nil {
		return nil
	}
	if l.policy == PolicyBestEffort {
		l.logger.Error("AUDIT RECORD LOST: tamper log append failed",
			"type", eventType, "error", err)
		return nil
	}
	return err
}

func (l *Log) appendLocked(eventType string, payload map[string]any) (Record, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	body := map[string]any{
		"version":  RecordVersion,
		"ts":       l.now().UnixMilli(),
		"type":     eventType,
		"payload":  payload,
		"prevHash": l.prevHash,
	}
	canonical, err := Canonicalize(body)
	if err != nil {
		return Record{}, err
	}
	sum := sha256.Sum256(canonical)
	hash := hex.EncodeToString(sum[:])

	full := map[string]any{}
	for k, v := range body {
		full[k] = v
	}
	full["hash"] = hash
	line, err := Canonicalize(full)
	if err != nil {
		return Record{}, err
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return Record{}, fmt.Errorf("tamperlog: write: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return Record{}, fmt.Errorf("tamperlog: sync: %w", err)
	}

	rec := Record{
		Version:  RecordVersion,
		TS:       body["ts"].(int64),
		Type:     eventType,
		Payload:  payload,
		PrevHash: l.prevHash,
		Hash:     hash,
	}
	l.prevHash = &hash
	return rec, nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// readLastLine returns the final non-empty line of the file.
func readLastLine(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tamperlog: reading %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var last []byte
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		last = make([]byte, len(scanner.Bytes()))
		copy(last, scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("tamperlog: scanning %s: %w", path, err)
	}
	return last, nil
}
