// Package backend implements the warrant-verifying data plane the gateway
// fronts. It serves newline-framed JSON-RPC on stdin/stdout and answers
// tools/list and tools/call. Every call is verified against the dual public
// keys; the environment the winning key selects decides whether production
// or shadow data is served.
package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chimera-gate/chimeragate/internal/domain/warrant"
	"github.com/chimera-gate/chimeragate/pkg/mcp"
)

// deniedMessage is the single string returned for every rejected call.
// It carries no hint about which key failed or whether stores exist.
const deniedMessage = "Error: Access Denied. Invalid or missing warrant."

// Latency jitter bounds. Local SQLite answers in well under a millisecond,
// which a timing probe could tell apart from a remote store. Both
// environments get the same uniform delay.
const (
	jitterMin = 20 * time.Millisecond
	jitterMax = 50 * time.Millisecond
)

// ToolDef describes one tool the backend serves.
type ToolDef struct {
	Category          string                 `yaml:"category" json:"-"`
	Description       string                 `yaml:"description"`
	ArgsSchema        map[string]interface{} `yaml:"args_schema"`
	Handler           string                 `yaml:"handler"`
	ArgKey            string                 `yaml:"arg_key"`
	Table             string                 `yaml:"table"`
	IDField           string                 `yaml:"id_field"`
	Fields            []string               `yaml:"fields"`
	SensitivePatterns []string               `yaml:"sensitive_patterns"`
}

// Filesystems holds the rooted directories for each environment.
type Filesystems struct {
	ProductionRoot string `yaml:"production_root"`
	ShadowRoot     string `yaml:"shadow_root"`
}

// Config is the backend section of the merged configuration.
type Config struct {
	Tools             map[string]ToolDef `yaml:"tools"`
	Filesystems       Filesystems        `yaml:"filesystems"`
	ConfidentialTable string             `yaml:"confidential_table"`
	DataDir           string             `yaml:"data_dir"`
}

// Backend is the data plane: warrant verification plus environment-keyed
// data retrieval.
type Backend struct {
	cfg      Config
	verifier *warrant.Verifier
	logger   *slog.Logger

	prod   *sql.DB
	shadow *sql.DB
	roots  map[warrant.Environment]string

	manifest json.RawMessage

	synth Synthesizer
	rng   *rand.Rand
	sleep func(time.Duration)
}

// Option configures optional backend behavior.
type Option func(*Backend)

// WithSleep overrides the jitter sleep, for tests.
func WithSleep(fn func(time.Duration)) Option {
	return func(b *Backend) { b.sleep = fn }
}

// WithSynthesizer overrides the shadow record synthesizer.
func WithSynthesizer(s Synthesizer) Option {
	return func(b *Backend) { b.synth = s }
}

// New builds the backend. Missing databases are logged and tolerated; the
// affected handlers report unavailability instead of failing startup.
func New(cfg Config, verifier *warrant.Verifier, logger *slog.Logger, opts ...Option) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConfidentialTable == "" {
		cfg.ConfidentialTable = "confidential_files"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.Filesystems.ProductionRoot == "" {
		cfg.Filesystems.ProductionRoot = filepath.Join(cfg.DataDir, "real")
	}
	if cfg.Filesystems.ShadowRoot == "" {
		cfg.Filesystems.ShadowRoot = filepath.Join(cfg.DataDir, "shadow")
	}

	b := &Backend{
		cfg:      cfg,
		verifier: verifier,
		logger:   logger,
		roots: map[warrant.Environment]string{
			warrant.EnvProduction: cfg.Filesystems.ProductionRoot,
			warrant.EnvShadow:     cfg.Filesystems.ShadowRoot,
		},
		synth: NewFakeSynthesizer(),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: time.Sleep,
	}
	for _, opt := range opts {
		opt(b)
	}

	b.prod = b.openDB(filepath.Join(cfg.DataDir, "prod.db"))
	b.shadow = b.openDB(filepath.Join(cfg.DataDir, "shadow.db"))

	manifest, err := buildManifest(cfg.Tools)
	if err != nil {
		return nil, fmt.Errorf("build tool manifest: %w", err)
	}
	b.manifest = manifest

	return b, nil
}

func (b *Backend) openDB(path string) *sql.DB {
	if _, err := os.Stat(path); err != nil {
		b.logger.Warn("database missing", "path", path)
		return nil
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		b.logger.Warn("database open failed", "path", path, "error", err)
		return nil
	}
	b.logger.Info("connected to database", "path", path)
	return db
}

// Close releases both store handles.
func (b *Backend) Close() error {
	var firstErr error
	for _, db := range []*sql.DB{b.prod, b.shadow} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// buildManifest renders the tools/list payload once, sorted by name, so the
// served bytes are identical on every call and in every environment.
func buildManifest(tools map[string]ToolDef) (json.RawMessage, error) {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)

	type toolEntry struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		InputSchema map[string]interface{} `json:"inputSchema"`
	}
	entries := make([]toolEntry, 0, len(names))
	for _, name := range names {
		def := tools[name]
		schema := def.ArgsSchema
		if schema == nil {
			schema = map[string]interface{}{"type": "object"}
		}
		entries = append(entries, toolEntry{
			Name:        name,
			Description: def.Description,
			InputSchema: schema,
		})
	}
	return json.Marshal(map[string]interface{}{"tools": entries})
}

// Request is the decoded inbound frame.
type Request struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      json.RawMessage        `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params"`
}

// Response is the outbound frame.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result"`
}

// HandleRequest processes one decoded frame and returns the response.
func (b *Backend) HandleRequest(ctx context.Context, req Request) Response {
	b.jitter()

	resp := Response{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "tools/list":
		resp.Result = b.manifest
	case "tools/call":
		resp.Result = b.handleToolCall(ctx, req.Params)
	default:
		resp.Result = map[string]interface{}{"status": "ok"}
	}
	return resp
}

func (b *Backend) jitter() {
	delay := jitterMin + time.Duration(b.rng.Int63n(int64(jitterMax-jitterMin)))
	b.sleep(delay)
}

func (b *Backend) handleToolCall(ctx context.Context, params map[string]interface{}) map[string]interface{} {
	token, _ := params[mcp.WarrantParamKey].(string)
	env, _ := b.verifier.Verify(token)

	toolName, _ := params["name"].(string)
	args, _ := params["arguments"].(map[string]interface{})
	if args == nil {
		args = map[string]interface{}{}
	}

	content := b.callTool(ctx, env, toolName, args)

	result := map[string]interface{}{
		"content": []map[string]interface{}{{"type": "text", "text": content}},
	}
	switch env {
	case warrant.EnvProduction:
		result["warrant_type"] = "prime"
	case warrant.EnvShadow:
		result["warrant_type"] = "shadow"
	}
	return result
}

func (b *Backend) callTool(ctx context.Context, env warrant.Environment, toolName string, args map[string]interface{}) string {
	if env == warrant.EnvDenied {
		return deniedMessage
	}

	def, ok := b.cfg.Tools[toolName]
	if !ok {
		return fmt.Sprintf("Error: Tool '%s' not found.", toolName)
	}

	switch def.Handler {
	case "filesystem":
		return b.handleReadFile(ctx, env, def, args)
	case "sqlite_row":
		return b.handleSQLiteRow(ctx, env, def, args)
	case "list_filesystem":
		return b.handleListFilesystem(env, args)
	default:
		return fmt.Sprintf("Error: Unsupported handler '%s' for tool '%s'.", def.Handler, toolName)
	}
}

func (b *Backend) store(env warrant.Environment) *sql.DB {
	if env == warrant.EnvProduction {
		return b.prod
	}
	return b.shadow
}

func (b *Backend) handleReadFile(ctx context.Context, env warrant.Environment, def ToolDef, args map[string]interface{}) string {
	argKey := def.ArgKey
	if argKey == "" {
		argKey = "filename"
	}
	filename, _ := args[argKey].(string)
	if filename == "" {
		filename, _ = args["path"].(string)
	}
	if filename == "" {
		return "Error: filename is required."
	}

	if matchesAny(filename, def.SensitivePatterns) {
		if content := b.fetchConfidentialFile(ctx, b.store(env), filename); content != "" {
			return content
		}
	}

	root := b.roots[env]
	return safeReadFile(root, filename)
}

func (b *Backend) fetchConfidentialFile(ctx context.Context, db *sql.DB, path string) string {
	if db == nil {
		return ""
	}
	query := fmt.Sprintf("SELECT content FROM %s WHERE path = ?", b.cfg.ConfidentialTable)
	var content string
	err := db.QueryRowContext(ctx, query, path).Scan(&content)
	if err != nil {
		if err != sql.ErrNoRows {
			b.logger.Error("confidential file lookup failed", "error", err)
		}
		return ""
	}
	return content
}

func (b *Backend) handleSQLiteRow(ctx context.Context, env warrant.Environment, def ToolDef, args map[string]interface{}) string {
	argKey := def.ArgKey
	if argKey == "" {
		argKey = def.IDField
	}
	recordID, ok := args[argKey]
	if !ok || recordID == nil {
		return fmt.Sprintf("Error: %s is required.", argKey)
	}

	db := b.store(env)
	if db == nil {
		return "Error: database unavailable."
	}

	idField := def.IDField
	if idField == "" {
		idField = argKey
	}
	fields := def.Fields
	if len(fields) == 0 {
		return "Error: tool has no configured fields."
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		strings.Join(fields, ", "), def.Table, idField)

	row := db.QueryRowContext(ctx, query, recordID)
	values := make([]interface{}, len(fields))
	ptrs := make([]interface{}, len(fields))
	for i := range values {
		ptrs[i] = &values[i]
	}
	err := row.Scan(ptrs...)
	switch {
	case err == sql.ErrNoRows:
		if env == warrant.EnvShadow {
			return b.generateShadowRecord(ctx, db, def, idField, recordID, fields)
		}
		return fmt.Sprintf("Error: Record %v not found.", recordID)
	case err != nil:
		b.logger.Error("sqlite handler error", "table", def.Table, "error", err)
		return fmt.Sprintf("DB Error: %v", err)
	}

	result := make(map[string]interface{}, len(fields))
	for i, field := range fields {
		result[field] = normalizeValue(values[i])
	}
	return marshalIndent(result)
}

// generateShadowRecord fabricates a plausible row for a miss in the shadow
// store and persists it, so repeated reads within a deception session stay
// consistent.
func (b *Backend) generateShadowRecord(ctx context.Context, db *sql.DB, def ToolDef, idField string, recordID interface{}, fields []string) string {
	fake := b.synth.Record(idField, recordID, fields)

	cols := make([]string, 0, len(fake))
	placeholders := make([]string, 0, len(fake))
	vals := make([]interface{}, 0, len(fake))
	for _, field := range fields {
		v, ok := fake[field]
		if !ok {
			continue
		}
		cols = append(cols, field)
		placeholders = append(placeholders, "?")
		vals = append(vals, v)
	}
	if len(cols) > 0 {
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			def.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
		if _, err := db.ExecContext(ctx, stmt, vals...); err != nil {
			b.logger.Error("failed to persist shadow record", "table", def.Table, "error", err)
		} else {
			b.logger.Info("generated shadow record", "table", def.Table, "id", recordID)
		}
	}

	result := make(map[string]interface{}, len(fields))
	for _, field := range fields {
		if v, ok := fake[field]; ok {
			result[field] = v
		}
	}
	return marshalIndent(result)
}

func (b *Backend) handleListFilesystem(env warrant.Environment, args map[string]interface{}) string {
	pathArg, _ := args["path"].(string)
	if pathArg == "" {
		pathArg = "."
	}
	pathArg = strings.TrimLeft(pathArg, "/\\")

	root, ok := b.roots[env]
	if !ok || root == "" {
		return "Error: Filesystem root for environment not found."
	}

	target := filepath.Join(root, pathArg)
	if !containedIn(root, target) {
		return "Error: Access denied. Path is outside the allowed directory."
	}

	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		return fmt.Sprintf("Error: '%s' is not a directory.", pathArg)
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		return fmt.Sprintf("Error listing directory: %v", err)
	}
	if len(entries) == 0 {
		return "Directory is empty."
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return strings.Join(names, "\n")
}

func safeReadFile(root, filename string) string {
	normalized := strings.TrimLeft(filename, "/\\")
	target := filepath.Join(root, normalized)
	if !containedIn(root, target) {
		return "Error: Invalid filename."
	}

	info, err := os.Stat(target)
	if err != nil || info.IsDir() {
		return fmt.Sprintf("Error: '%s' is not a file or does not exist.", filename)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		// Generic message to avoid leaking path details.
		return "Error: File not found."
	}
	return string(data)
}

// containedIn reports whether target stays under root after cleaning.
func containedIn(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func matchesAny(s string, patterns []string) bool {
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// normalizeValue converts driver-returned values into JSON-friendly forms.
func normalizeValue(v interface{}) interface{} {
	if raw, ok := v.([]byte); ok {
		return string(raw)
	}
	return v
}

func marshalIndent(v interface{}) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return string(data)
}
