// Package ledger is the append-only durability record for alerts.
//
// Every accepted alert gets one line in a JSONL file when it is enqueued
// and a second line when it reaches a terminal state. Lines are only ever
// appended; ReadAll folds the lines per alert id so the later resolution
// overlays the earlier receipt. Rotation renames the live file aside and
// reopens a fresh one, so a crash mid-rotate never loses lines.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tradedesk/pkg/types"
)

const fileName = "alerts.jsonl"

// Record is one ledger line. A receipt line carries id, source, and
// receivedAt; a resolution line repeats the id and adds destination and
// terminal status.
type Record struct {
	ID             string    `json:"id"`
	Source         string    `json:"source,omitempty"`
	ReceivedAt     time.Time `json:"received_at,omitzero"`
	Destination    string    `json:"destination,omitempty"`
	TerminalStatus string    `json:"terminal_status,omitempty"`
	At             time.Time `json:"at"`
}

// Ledger appends alert records to a JSONL file.
type Ledger struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	file *os.File
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the ledger clock (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Open creates the data directory if needed and opens the live file for
// appending.
func Open(dir string, opts ...Option) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	f, err := openAppend(filepath.Join(dir, fileName))
	if err != nil {
		return nil, err
	}
	l := &Ledger{dir: dir, now: time.Now, file: f}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return f, nil
}

// Close flushes and closes the live file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Append records an alert at the moment it enters the queue.
func (l *Ledger) Append(alert types.Alert) error {
	return l.write(Record{
		ID:         alert.ID,
		Source:     alert.Source,
		ReceivedAt: alert.ReceivedAt,
		At:         l.now().UTC(),
	})
}

// Resolve records the terminal outcome for an alert.
func (l *Ledger) Resolve(alertID, destination, terminalStatus string) error {
	return l.write(Record{
		ID:             alertID,
		Destination:    destination,
		TerminalStatus: terminalStatus,
		At:             l.now().UTC(),
	})
}

func (l *Ledger) write(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("append ledger record: %w", err)
	}
	return nil
}

// Rotate renames the live file aside with a timestamp suffix and reopens
// a fresh one. Safe to call while writers are active.
func (l *Ledger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close for rotate: %w", err)
	}

	live := filepath.Join(l.dir, fileName)
	aside := filepath.Join(l.dir,
		fmt.Sprintf("alerts-%s.jsonl", l.now().UTC().Format("20060102T150405")))
	if err := os.Rename(live, aside); err != nil {
		return fmt.Errorf("rotate ledger: %w", err)
	}

	f, err := openAppend(live)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// ReadAll folds the live file's lines into one Record per alert id, with
// resolution fields overlaying the receipt. Order follows first
// appearance. Intended for audit and tests, not the hot path.
func (l *Ledger) ReadAll() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(filepath.Join(l.dir, fileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	defer f.Close()

	var (
		order  []string
		byID   = make(map[string]*Record)
		lineNo int
	)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineNo++
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("ledger line %d: %w", lineNo, err)
		}
		existing, ok := byID[rec.ID]
		if !ok {
			r := rec
			byID[rec.ID] = &r
			order = append(order, rec.ID)
			continue
		}
		if rec.Source != "" {
			existing.Source = rec.Source
		}
		if !rec.ReceivedAt.IsZero() {
			existing.ReceivedAt = rec.ReceivedAt
		}
		if rec.Destination != "" {
			existing.Destination = rec.Destination
		}
		if rec.TerminalStatus != "" {
			existing.TerminalStatus = rec.TerminalStatus
		}
		existing.At = rec.At
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}

	out := make([]Record, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}
