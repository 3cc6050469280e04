// Package ledger is the append-only forensic log with hash chaining.
//
// Every routing decision lands here as one JSONL entry whose hash covers
// the entry body and the previous entry's hash, so any mutation or
// reordering after the fact breaks the chain and is detectable.
package ledger

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// GenesisHash seeds the chain when the log is new or empty.
var GenesisHash = strings.Repeat("0", 64)

// Event is what callers record. Trigger, Action and Outcome are free-form
// documents describing what happened, what was decided, and the result.
type Event struct {
	SessionID         string
	EventType         string
	Trigger           map[string]interface{}
	Action            map[string]interface{}
	Outcome           map[string]interface{}
	AccumulatedRisk   float64
	RiskHistoryLength int
}

// Ledger appends hash-chained entries to a durable JSONL file. Appends are
// serialized; the chain state is the hash of the last written entry.
type Ledger struct {
	mu       sync.Mutex
	path     string
	lastHash string
	logger   *slog.Logger
	now      func() time.Time
}

// New opens (or creates) the ledger file and recovers the chain head from
// its last line.
func New(path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	l := &Ledger{
		path:     path,
		lastHash: GenesisHash,
		logger:   logger,
		now:      time.Now,
	}
	if err := l.recoverLastHash(); err != nil {
		return nil, err
	}
	return l, nil
}

// recoverLastHash reads the last line of an existing log so the chain
// continues across restarts. A missing or empty file starts at genesis.
func (l *Ledger) recoverLastHash() error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	var lastLine string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lastLine = line
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan ledger: %w", err)
	}
	if lastLine == "" {
		return nil
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lastLine), &entry); err != nil {
		return fmt.Errorf("parse last ledger entry: %w", err)
	}
	if h, ok := entry["hash"].(string); ok && h != "" {
		l.lastHash = h
	}
	return nil
}

// LastHash returns the current chain head.
func (l *Ledger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// LogEvent appends one entry and returns its event id. On write failure the
// event is not recorded, the chain head does not advance, and the failure
// is logged; callers do not retry.
func (l *Ledger) LogEvent(ev Event) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	eventID := uuid.NewString()
	core := map[string]interface{}{
		"event_id":            eventID,
		"timestamp":           float64(l.now().UnixNano()) / 1e9,
		"session_id":          ev.SessionID,
		"event_type":          ev.EventType,
		"trigger":             ev.Trigger,
		"action":              ev.Action,
		"outcome":             ev.Outcome,
		"accumulated_risk":    ev.AccumulatedRisk,
		"risk_history_length": ev.RiskHistoryLength,
		"previous_hash":       l.lastHash,
	}

	hash, err := chainHash(core, l.lastHash)
	if err != nil {
		l.logger.Error("ledger hash failed", "error", err)
		return "", err
	}
	core["hash"] = hash

	line, err := json.Marshal(core)
	if err != nil {
		l.logger.Error("ledger encode failed", "error", err)
		return "", err
	}

	if err := l.appendLine(line); err != nil {
		l.logger.Error("ledger write failed", "error", err, "event_type", ev.EventType)
		return "", err
	}

	l.lastHash = hash
	l.logger.Info("ledger event recorded",
		"event_type", ev.EventType,
		"session_id", ev.SessionID,
		"hash", hash[:8],
	)
	return eventID, nil
}

func (l *Ledger) appendLine(line []byte) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

// chainHash computes SHA-256(canonical_json(core) || previousHash).
// Canonical form is compact JSON with lexicographically sorted keys, which
// is exactly what encoding/json produces for a map.
func chainHash(core map[string]interface{}, previousHash string) (string, error) {
	canonical, err := json.Marshal(core)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append(canonical, previousHash...))
	return hex.EncodeToString(sum[:]), nil
}

// Verify walks the whole file and checks both the per-entry hash and the
// linkage between consecutive entries. It returns the number of valid
// entries, or an error naming the first broken line.
func Verify(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	expectedPrev := GenesisHash
	count := 0
	lineNo := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return count, fmt.Errorf("line %d: not valid JSON: %w", lineNo, err)
		}

		prev, _ := entry["previous_hash"].(string)
		if prev != expectedPrev {
			return count, fmt.Errorf("line %d: chain broken: previous_hash %s, expected %s", lineNo, prev, expectedPrev)
		}

		recorded, _ := entry["hash"].(string)
		delete(entry, "hash")
		recomputed, err := chainHash(entry, prev)
		if err != nil {
			return count, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if recomputed != recorded {
			return count, fmt.Errorf("line %d: hash mismatch: entry was modified", lineNo)
		}

		expectedPrev = recorded
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("scan ledger: %w", err)
	}
	return count, nil
}
