// Package audit implements the append-only protocol audit log: one
// newline-delimited JSON record per protocol message, accepted or rejected,
// written next to the database file. Replaying the log against the persisted
// entity tables reproduces the manager's observable behavior.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/openbracket/openbracket/internal/protocol"
)

// Direction marks whether a record describes a received or a sent message.
type Direction string

const (
	In  Direction = "in"
	Out Direction = "out"
)

// OutcomeAccepted is the outcome string for messages that passed validation.
// Rejections use "rejected:<reason>".
const OutcomeAccepted = "accepted"

// Record is one audit log line.
type Record struct {
	Timestamp string            `json:"timestamp"`
	Direction Direction         `json:"direction"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	Envelope  protocol.Envelope `json:"envelope"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Outcome   string            `json:"outcome"`
}

// Log appends records to an NDJSON file. Appends are serialized by a mutex
// and synced per record: losing audit lines on crash would break the
// replay-determinism claim, so throughput is traded for durability.
type Log struct {
	mu      sync.Mutex
	file    *os.File
	clock   clockwork.Clock
	logger  *zap.Logger
	written int64
}

// Open opens (or creates) the audit log file in append mode.
func Open(path string, clock clockwork.Clock, logger *zap.Logger) (*Log, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to open %s: %w", path, err)
	}
	return &Log{
		file:   file,
		clock:  clock,
		logger: logger.Named("audit"),
	}, nil
}

// Append writes one record. The record timestamp is set here from the
// injected clock; callers fill in everything else.
func (l *Log) Append(rec Record) {
	rec.Timestamp = protocol.FormatTimestamp(l.clock.Now())

	line, err := json.Marshal(rec)
	if err != nil {
		l.logger.Error("failed to marshal audit record", zap.Error(err))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		l.logger.Error("failed to append audit record", zap.Error(err))
		return
	}
	if err := l.file.Sync(); err != nil {
		l.logger.Warn("audit fsync failed", zap.Error(err))
	}
	l.written++
}

// Written returns the number of records appended since Open.
func (l *Log) Written() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("audit: close: %w", err)
	}
	return nil
}

// Rejected formats a rejection outcome string from a league error.
func Rejected(err *protocol.Error) string {
	return "rejected:" + string(err.Code)
}
