package session

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/chimera-gate/chimeragate/internal/domain/taint"
)

// shardCount is the number of lock stripes. Sessions hash to a stripe by
// xxhash of the session ID, so per-session operations are serialized while
// unrelated sessions proceed in parallel.
const shardCount = 64

// Store is the in-memory session state store. State lives for the process
// lifetime; there is no eviction.
type Store struct {
	shards     [shardCount]shard
	cfg        AccumulationConfig
	classifier *taint.Classifier
	logger     *slog.Logger
	now        func() time.Time
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*State
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store's time source. Used by tests to simulate
// decay across long intervals.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a session store with the given accumulation config and
// taint classifier.
func NewStore(cfg AccumulationConfig, classifier *taint.Classifier, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		cfg:        cfg,
		classifier: classifier,
		logger:     logger,
		now:        time.Now,
	}
	for i := range s.shards {
		s.shards[i].sessions = make(map[string]*State)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) shardFor(sessionID string) *shard {
	return &s.shards[xxhash.Sum64String(sessionID)%shardCount]
}

// getLocked returns the session state, creating it on first observation.
// The shard lock must be held.
func (sh *shard) getLocked(sessionID string, now time.Time) *State {
	st, ok := sh.sessions[sessionID]
	if !ok {
		st = &State{
			SessionID:      sessionID,
			CreatedAt:      now,
			LastRiskUpdate: now,
			TaintLevel:     taint.Green,
		}
		sh.sessions[sessionID] = st
	}
	return st
}

// AppendToolCall records a tool invocation in the session's history.
func (s *Store) AppendToolCall(sessionID, tool string, args map[string]interface{}) {
	sh := s.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := sh.getLocked(sessionID, s.now())
	st.History = append(st.History, ToolCallRecord{
		Tool:      tool,
		Args:      args,
		Timestamp: s.now(),
	})
}

// HistoryLen returns the number of recorded tool calls for the session.
func (s *Store) HistoryLen(sessionID string) int {
	sh := s.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.getLocked(sessionID, s.now()).History)
}

// UpdateTaint classifies the source and latches the session Red when the
// source is untrusted. The transition is one-way; the first tainting source
// is retained. Returns true when this call caused the Green->Red transition.
func (s *Store) UpdateTaint(sessionID, source string) bool {
	if s.classifier == nil || source == "" {
		return false
	}

	level := s.classifier.Classify(source)
	if level != taint.Red {
		return false
	}

	sh := s.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := sh.getLocked(sessionID, s.now())
	if st.TaintLevel == taint.Red {
		return false
	}

	st.TaintLevel = taint.Red
	st.TaintSource = source
	s.logger.Warn("session tainted",
		"session_id", sessionID,
		"taint_source", source,
	)
	return true
}

// IsTainted reports whether the session has latched Red.
func (s *Store) IsTainted(sessionID string) bool {
	sh := s.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.getLocked(sessionID, s.now()).TaintLevel == taint.Red
}

// TaintSource returns the source that tainted the session, or empty string.
func (s *Store) TaintSource(sessionID string) string {
	sh := s.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.getLocked(sessionID, s.now()).TaintSource
}

// AccumulateRisk folds a new per-event risk score into the session's
// accumulated risk: decay is applied first, then the event is appended to
// the risk history and added to the total. Returns the new accumulated risk.
func (s *Store) AccumulateRisk(sessionID string, riskScore float64) float64 {
	sh := s.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	st := sh.getLocked(sessionID, now)

	s.applyDecayLocked(st, now)

	st.RiskHistory = append(st.RiskHistory, RiskEvent{RiskScore: riskScore, Timestamp: now})
	st.AccumulatedRisk += riskScore
	st.LastRiskUpdate = now

	return st.AccumulatedRisk
}

// AccumulatedRisk returns the session's current accumulated risk after
// applying decay, without recording a new event.
func (s *Store) AccumulatedRisk(sessionID string) float64 {
	sh := s.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := sh.getLocked(sessionID, s.now())
	s.applyDecayLocked(st, s.now())
	return st.AccumulatedRisk
}

// RiskHistory returns a copy of the session's risk events inside the
// configured window (all events when windowing is not in effect).
func (s *Store) RiskHistory(sessionID string) []RiskEvent {
	sh := s.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st := sh.getLocked(sessionID, s.now())
	out := make([]RiskEvent, len(st.RiskHistory))
	copy(out, st.RiskHistory)
	return out
}

// applyDecayLocked applies the configured decay strategy in place.
// The shard lock must be held.
func (s *Store) applyDecayLocked(st *State, now time.Time) {
	if !s.cfg.Enabled {
		return
	}

	switch s.cfg.Method {
	case MethodAdditiveDecay:
		if s.cfg.DecayRate == 0 {
			return
		}
		elapsedMinutes := now.Sub(st.LastRiskUpdate).Minutes()
		if elapsedMinutes > 0 {
			st.AccumulatedRisk *= math.Exp(-s.cfg.DecayRate * elapsedMinutes)
		}
	case MethodWindowedSum:
		window := time.Duration(s.cfg.WindowMinutes) * time.Minute
		kept := st.RiskHistory[:0]
		total := 0.0
		for _, ev := range st.RiskHistory {
			if now.Sub(ev.Timestamp) <= window {
				kept = append(kept, ev)
				total += ev.RiskScore
			}
		}
		st.RiskHistory = kept
		st.AccumulatedRisk = total
	default:
		s.logger.Warn("unknown risk accumulation method", "method", s.cfg.Method)
		return
	}

	st.LastRiskUpdate = now
}
