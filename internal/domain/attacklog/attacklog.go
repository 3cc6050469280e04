// Package attacklog captures shadow-mode sessions for post-incident
// analysis.
//
// Capture starts the first time a session is routed to the shadow
// environment and records every shadow interaction from then on. Sessions
// never routed to shadow leave no trace here.
package attacklog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Interaction is one shadow-mode tool call.
type Interaction struct {
	Timestamp       float64                `json:"timestamp"`
	InteractionID   string                 `json:"interaction_id"`
	ToolName        string                 `json:"tool_name"`
	ToolArgs        map[string]interface{} `json:"tool_args"`
	RiskScore       float64                `json:"risk_score"`
	ResponsePreview string                 `json:"response_preview"`
	AccumulatedRisk float64                `json:"accumulated_risk"`
	ContextSnapshot map[string]interface{} `json:"context_snapshot"`
}

// Session is a complete shadow-mode capture.
type Session struct {
	SessionID         string        `json:"session_id"`
	StartTime         float64       `json:"start_time"`
	TriggerReason     string        `json:"trigger_reason"`
	TriggerRiskScore  float64       `json:"trigger_risk_score"`
	UserID            string        `json:"user_id"`
	UserRole          string        `json:"user_role"`
	Interactions      []Interaction `json:"interactions"`
	EndTime           float64       `json:"end_time"`
	TotalInteractions int           `json:"total_interactions"`
	FinalRiskScore    float64       `json:"final_risk_score"`

	startedAt time.Time
}

// previewLimit truncates captured responses; full responses are not stored.
const previewLimit = 500

// Logger tracks active shadow sessions in memory and writes each out as
// one JSON file when the session ends.
type Logger struct {
	mu     sync.Mutex
	dir    string
	active map[string]*Session
	logger *slog.Logger
	now    func() time.Time
}

// New creates the capture directory if needed.
func New(dir string, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attack log dir: %w", err)
	}
	return &Logger{
		dir:    dir,
		active: make(map[string]*Session),
		logger: logger,
		now:    time.Now,
	}, nil
}

// StartSession begins capture for a session the first time it is routed to
// shadow. Starting an already-active session is a no-op.
func (l *Logger) StartSession(sessionID, triggerReason string, triggerRisk float64, context map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.active[sessionID]; ok {
		return
	}

	now := l.now()
	l.active[sessionID] = &Session{
		SessionID:        sessionID,
		StartTime:        epoch(now),
		TriggerReason:    triggerReason,
		TriggerRiskScore: triggerRisk,
		UserID:           stringField(context, "user_id"),
		UserRole:         stringField(context, "user_role"),
		startedAt:        now,
	}
	l.logger.Warn("attack session started",
		"session_id", sessionID,
		"trigger", triggerReason,
		"risk_score", triggerRisk,
	)
}

// LogInteraction records one shadow tool call. Unknown sessions are logged
// and dropped; the caller must have started the session.
func (l *Logger) LogInteraction(sessionID, tool string, args map[string]interface{}, riskScore float64, response string, accumulatedRisk float64, context map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sess, ok := l.active[sessionID]
	if !ok {
		l.logger.Error("interaction for unknown attack session", "session_id", sessionID)
		return
	}

	if len(response) > previewLimit {
		response = response[:previewLimit]
	}
	sess.Interactions = append(sess.Interactions, Interaction{
		Timestamp:       epoch(l.now()),
		InteractionID:   uuid.NewString(),
		ToolName:        tool,
		ToolArgs:        args,
		RiskScore:       riskScore,
		ResponsePreview: response,
		AccumulatedRisk: accumulatedRisk,
		ContextSnapshot: snapshotContext(context),
	})
	sess.TotalInteractions = len(sess.Interactions)
	sess.FinalRiskScore = accumulatedRisk
}

// IsActive reports whether the session is being captured.
func (l *Logger) IsActive(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.active[sessionID]
	return ok
}

// EndSession finalizes one capture and writes it to disk.
func (l *Logger) EndSession(sessionID string) {
	l.mu.Lock()
	sess, ok := l.active[sessionID]
	if ok {
		delete(l.active, sessionID)
	}
	l.mu.Unlock()

	if !ok {
		return
	}
	l.writeSession(sess)
}

// Close flushes every still-active capture. Called on gateway shutdown.
func (l *Logger) Close() {
	l.mu.Lock()
	sessions := make([]*Session, 0, len(l.active))
	for _, s := range l.active {
		sessions = append(sessions, s)
	}
	l.active = make(map[string]*Session)
	l.mu.Unlock()

	for _, s := range sessions {
		l.writeSession(s)
	}
}

func (l *Logger) writeSession(sess *Session) {
	sess.EndTime = epoch(l.now())

	name := fmt.Sprintf("attack_%s_%s.json", sess.SessionID, sess.startedAt.Format("20060102_150405"))
	path := filepath.Join(l.dir, name)

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		l.logger.Error("encode attack session failed", "session_id", sess.SessionID, "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		l.logger.Error("write attack log failed", "path", path, "error", err)
		return
	}

	l.logger.Warn("attack session ended",
		"session_id", sess.SessionID,
		"interactions", sess.TotalInteractions,
		"final_risk", sess.FinalRiskScore,
		"path", path,
	)
}

// snapshotContext keeps only the fields useful for forensic analysis.
func snapshotContext(context map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, 5)
	for _, k := range []string{"user_id", "user_role", "source", "is_tainted", "accumulated_risk"} {
		if v, ok := context[k]; ok {
			out[k] = v
		}
	}
	return out
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
