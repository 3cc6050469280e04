package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chimera-gate/chimeragate/internal/domain/attacklog"
	"github.com/chimera-gate/chimeragate/internal/domain/judge"
	"github.com/chimera-gate/chimeragate/internal/domain/ledger"
	"github.com/chimera-gate/chimeragate/internal/domain/policy"
	"github.com/chimera-gate/chimeragate/internal/domain/session"
	"github.com/chimera-gate/chimeragate/internal/domain/warrant"
	"github.com/chimera-gate/chimeragate/pkg/mcp"
)

// DefaultSessionID is the process-wide sentinel used when a call carries no
// session identifier.
const DefaultSessionID = "session_default"

// eventToolInterception is the ledger event type for every decision.
const eventToolInterception = "TOOL_INTERCEPTION"

// Result is the outcome of processing one upstream message.
type Result struct {
	// Forward is the message to send downstream. Nil when the call was
	// denied and must not reach the backend.
	Forward []byte
	// Reply is a synthesized upstream response; set only on deny.
	Reply []byte
	// Route is the decision taken. Passthrough frames are production.
	Route policy.Route
}

// Options wires the interceptor's collaborators.
type Options struct {
	Authority *warrant.Authority
	Judge     judge.Judge
	Engine    *policy.Engine
	Ledger    *ledger.Ledger
	Sessions  *session.Store
	Attacks   *attacklog.Logger

	// ToolCategories maps tool name to "safe" or "sensitive", from the
	// backend tool manifest.
	ToolCategories map[string]string
	// FileReaderTool is the tool whose path argument feeds the taint
	// tracker.
	FileReaderTool string

	Logger *slog.Logger
	Tracer trace.Tracer
}

// Interceptor inspects JSON-RPC messages, runs the risk pipeline on tool
// calls, and stamps forwarded calls with a signed warrant.
type Interceptor struct {
	opts Options
}

// NewInterceptor validates options and builds the interceptor.
func NewInterceptor(opts Options) (*Interceptor, error) {
	switch {
	case opts.Authority == nil:
		return nil, fmt.Errorf("interceptor: authority is required")
	case opts.Judge == nil:
		return nil, fmt.Errorf("interceptor: judge is required")
	case opts.Engine == nil:
		return nil, fmt.Errorf("interceptor: policy engine is required")
	case opts.Ledger == nil:
		return nil, fmt.Errorf("interceptor: ledger is required")
	case opts.Sessions == nil:
		return nil, fmt.Errorf("interceptor: session store is required")
	}
	if opts.FileReaderTool == "" {
		opts.FileReaderTool = "read_file"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("chimeragate/interceptor")
	}
	return &Interceptor{opts: opts}, nil
}

// Process runs the pipeline for one upstream frame. Unparsable frames and
// non tools/call methods are forwarded verbatim on the production route.
func (i *Interceptor) Process(ctx context.Context, raw []byte) Result {
	msg, err := mcp.WrapMessage(raw)
	if err != nil || !msg.IsToolCall() {
		return Result{Forward: raw, Route: policy.RouteProduction}
	}

	var envelope map[string]interface{}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Result{Forward: raw, Route: policy.RouteProduction}
	}

	ctx, span := i.opts.Tracer.Start(ctx, "interception")
	defer span.End()

	tool := msg.ToolName()
	args := msg.ToolArguments()
	callCtx := i.extractContext(msg, envelope)
	sessionID := callCtx["session_id"].(string)

	span.SetAttributes(
		attribute.String("tool", tool),
		attribute.String("session_id", sessionID),
	)
	i.opts.Logger.Info("intercepted tool call",
		"tool", tool,
		"session_id", sessionID,
	)

	i.opts.Sessions.AppendToolCall(sessionID, tool, args)
	i.updateTaint(sessionID, tool, args, callCtx)

	assessment := i.opts.Judge.Assess(ctx, tool, args, callCtx)
	accumulated := i.opts.Sessions.AccumulateRisk(sessionID, assessment.RiskScore)
	callCtx["accumulated_risk"] = accumulated

	i.opts.Logger.Info("risk assessment",
		"session_id", sessionID,
		"event_risk", assessment.RiskScore,
		"confidence", assessment.Confidence,
		"accumulated_risk", accumulated,
		"reason", assessment.Reason,
	)

	decision := i.opts.Engine.Evaluate(policy.EvaluationInput{
		Tool:            tool,
		Args:            args,
		Context:         callCtx,
		RiskScore:       assessment.RiskScore,
		Confidence:      assessment.Confidence,
		ToolCategory:    i.toolCategory(tool),
		AccumulatedRisk: accumulated,
	})

	span.SetAttributes(
		attribute.String("route", string(decision.Route)),
		attribute.String("rule_id", decision.RuleID),
		attribute.Float64("risk_score", assessment.RiskScore),
		attribute.Float64("accumulated_risk", accumulated),
	)

	if decision.Route == policy.RouteDeny {
		return i.deny(msg, sessionID, tool, args, assessment, accumulated, decision)
	}
	return i.forward(envelope, msg, sessionID, tool, args, callCtx, assessment, accumulated, decision)
}

// extractContext builds the evaluation context: all caller-attached fields,
// plus the session id, taint state, and the normalized source.
func (i *Interceptor) extractContext(msg *mcp.Message, envelope map[string]interface{}) map[string]interface{} {
	meta := msg.CallContext()
	out := make(map[string]interface{}, len(meta)+4)
	for k, v := range meta {
		out[k] = v
	}

	sessionID := DefaultSessionID
	if v, ok := meta["session_id"]; ok && fmt.Sprint(v) != "" {
		sessionID = fmt.Sprint(v)
	} else if v, ok := envelope["session_id"]; ok && fmt.Sprint(v) != "" {
		sessionID = fmt.Sprint(v)
	}
	out["session_id"] = sessionID

	i.refreshTaint(sessionID, out)
	return out
}

// refreshTaint projects the session's taint state into the context and
// normalizes the source for tainted sessions.
func (i *Interceptor) refreshTaint(sessionID string, callCtx map[string]interface{}) {
	tainted := i.opts.Sessions.IsTainted(sessionID)
	callCtx["is_tainted"] = tainted
	if source := i.opts.Sessions.TaintSource(sessionID); source != "" {
		callCtx["source_file"] = source
		callCtx["source"] = "external_upload"
	} else if _, ok := callCtx["source"]; !ok {
		callCtx["source"] = "internal"
	}
}

// updateTaint feeds the file path to the taint tracker when the configured
// file-reading tool is called, then refreshes the context so the judge and
// the policy engine both see the post-update state.
func (i *Interceptor) updateTaint(sessionID, tool string, args, callCtx map[string]interface{}) {
	if tool != i.opts.FileReaderTool {
		return
	}
	path, _ := args["filename"].(string)
	if path == "" {
		path, _ = args["path"].(string)
	}
	if path == "" {
		return
	}
	if i.opts.Sessions.UpdateTaint(sessionID, path) {
		i.opts.Logger.Warn("session tainted by file access",
			"session_id", sessionID,
			"path", path,
		)
	}
	i.refreshTaint(sessionID, callCtx)
}

func (i *Interceptor) toolCategory(tool string) string {
	if cat, ok := i.opts.ToolCategories[tool]; ok {
		return cat
	}
	return "safe"
}

func (i *Interceptor) deny(msg *mcp.Message, sessionID, tool string, args map[string]interface{}, assessment judge.Assessment, accumulated float64, decision policy.Decision) Result {
	i.opts.Logger.Warn("access denied",
		"session_id", sessionID,
		"tool", tool,
		"rule_id", decision.RuleID,
		"reason", decision.Reason,
	)

	i.logLedger(sessionID, tool, args, assessment, accumulated, decision, "denied")

	reply := CreateJSONRPCError(msg.RawID(), CodeAccessDenied, decision.Reason)
	return Result{Reply: reply, Route: policy.RouteDeny}
}

func (i *Interceptor) forward(envelope map[string]interface{}, msg *mcp.Message, sessionID, tool string, args, callCtx map[string]interface{}, assessment judge.Assessment, accumulated float64, decision policy.Decision) Result {
	env := warrant.EnvProduction
	if decision.Route == policy.RouteShadow {
		env = warrant.EnvShadow
	}

	token, err := i.opts.Authority.Issue(sessionID, accumulated, env)
	if err != nil {
		// Forward without a warrant; the backend will refuse to serve,
		// which fails secure.
		i.opts.Logger.Error("warrant issuance failed", "session_id", sessionID, "error", err)
	} else {
		params, ok := envelope["params"].(map[string]interface{})
		if !ok {
			params = map[string]interface{}{}
			envelope["params"] = params
		}
		params[mcp.WarrantParamKey] = token
	}

	forward, err := json.Marshal(envelope)
	if err != nil {
		i.opts.Logger.Error("re-encode failed, forwarding original frame", "error", err)
		forward = msg.Raw
	}

	i.logLedger(sessionID, tool, args, assessment, accumulated, decision, string(decision.Route))

	if decision.Route == policy.RouteShadow && i.opts.Attacks != nil {
		if !i.opts.Attacks.IsActive(sessionID) {
			i.opts.Attacks.StartSession(sessionID, decision.Reason, assessment.RiskScore, callCtx)
		}
		i.opts.Attacks.LogInteraction(sessionID, tool, args, assessment.RiskScore,
			"", accumulated, callCtx)
	}

	return Result{Forward: forward, Route: decision.Route}
}

func (i *Interceptor) logLedger(sessionID, tool string, args map[string]interface{}, assessment judge.Assessment, accumulated float64, decision policy.Decision, routedTo string) {
	_, err := i.opts.Ledger.LogEvent(ledger.Event{
		SessionID: sessionID,
		EventType: eventToolInterception,
		Trigger: map[string]interface{}{
			"tool":       tool,
			"args":       args,
			"risk_score": assessment.RiskScore,
		},
		Action: map[string]interface{}{
			"warrant_type": string(decision.Route),
			"rule_id":      decision.RuleID,
			"reason":       decision.Reason,
		},
		Outcome:           map[string]interface{}{"routed_to": routedTo},
		AccumulatedRisk:   accumulated,
		RiskHistoryLength: len(i.opts.Sessions.RiskHistory(sessionID)),
	})
	if err != nil {
		// Availability over audit completeness: the call still proceeds.
		i.opts.Logger.Error("ledger event not recorded", "session_id", sessionID, "error", err)
	}
}
