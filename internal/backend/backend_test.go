package backend

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chimera-gate/chimeragate/internal/domain/warrant"
	"github.com/chimera-gate/chimeragate/pkg/mcp"
)

// stubSynth returns fixed values so shadow-generation tests are exact.
type stubSynth struct{}

func (stubSynth) Record(idField string, id interface{}, fields []string) map[string]interface{} {
	record := map[string]interface{}{}
	for _, f := range fields {
		if f == idField {
			record[f] = id
			continue
		}
		record[f] = "synthetic-" + f
	}
	return record
}

type testEnv struct {
	backend   *Backend
	authority *warrant.Authority
	sleeps    *[]time.Duration
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	prime, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate prime key: %v", err)
	}
	shadow, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate shadow key: %v", err)
	}
	authority := warrant.NewAuthority(&warrant.SigningKeys{Prime: prime, Shadow: shadow}, logger)
	verifier := warrant.NewVerifier(&warrant.VerifyingKeys{
		Prime:  &prime.PublicKey,
		Shadow: &shadow.PublicKey,
	}, logger)

	dataDir := t.TempDir()
	seedDatabase(t, filepath.Join(dataDir, "prod.db"),
		`INSERT INTO patients (patient_id, name, diagnosis, ssn) VALUES ('P-100', 'Dana Reeve', 'seasonal allergies', '078-05-1120')`,
		`INSERT INTO confidential_files (path, content) VALUES ('/private/formula.txt', 'REAL FORMULA: X-7')`,
	)
	seedDatabase(t, filepath.Join(dataDir, "shadow.db"),
		`INSERT INTO confidential_files (path, content) VALUES ('/private/formula.txt', 'DECOY FORMULA: Z-9')`,
	)

	prodRoot := filepath.Join(dataDir, "real")
	shadowRoot := filepath.Join(dataDir, "shadow")
	mustWriteFile(t, filepath.Join(prodRoot, "readme.txt"), "production notes")
	mustWriteFile(t, filepath.Join(prodRoot, "reports", "q3.txt"), "q3 figures")
	mustWriteFile(t, filepath.Join(shadowRoot, "readme.txt"), "decoy notes")

	cfg := Config{
		DataDir: dataDir,
		Filesystems: Filesystems{
			ProductionRoot: prodRoot,
			ShadowRoot:     shadowRoot,
		},
		Tools: map[string]ToolDef{
			"read_file": {
				Description:       "Read a file by name",
				Handler:           "filesystem",
				ArgKey:            "filename",
				SensitivePatterns: []string{`formula`},
			},
			"get_patient": {
				Description: "Fetch a patient record",
				Handler:     "sqlite_row",
				ArgKey:      "patient_id",
				Table:       "patients",
				IDField:     "patient_id",
				Fields:      []string{"patient_id", "name", "diagnosis", "ssn"},
			},
			"list_files": {
				Description: "List a directory",
				Handler:     "list_filesystem",
			},
		},
	}

	sleeps := &[]time.Duration{}
	b, err := New(cfg, verifier, logger,
		WithSleep(func(d time.Duration) { *sleeps = append(*sleeps, d) }),
		WithSynthesizer(stubSynth{}),
	)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	return &testEnv{backend: b, authority: authority, sleeps: sleeps}
}

func seedDatabase(t *testing.T, path string, inserts ...string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer db.Close()

	schema := []string{
		`CREATE TABLE patients (patient_id TEXT PRIMARY KEY, name TEXT, diagnosis TEXT, ssn TEXT)`,
		`CREATE TABLE confidential_files (path TEXT PRIMARY KEY, content TEXT)`,
	}
	for _, stmt := range append(schema, inserts...) {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func (e *testEnv) call(t *testing.T, token, tool string, args map[string]interface{}) map[string]interface{} {
	t.Helper()
	params := map[string]interface{}{
		"name":      tool,
		"arguments": args,
	}
	if token != "" {
		params[mcp.WarrantParamKey] = token
	}
	resp := e.backend.HandleRequest(context.Background(), Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "tools/call",
		Params:  params,
	})
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	return result
}

func resultText(t *testing.T, result map[string]interface{}) string {
	t.Helper()
	content, ok := result["content"].([]map[string]interface{})
	if !ok || len(content) == 0 {
		t.Fatalf("unexpected content shape: %#v", result["content"])
	}
	text, _ := content[0]["text"].(string)
	return text
}

func (e *testEnv) issue(t *testing.T, env warrant.Environment) string {
	t.Helper()
	token, err := e.authority.Issue("session_test", 0.1, env)
	if err != nil {
		t.Fatalf("issue warrant: %v", err)
	}
	return token
}

func TestBackend_DeniedWithoutWarrant(t *testing.T) {
	e := newTestEnv(t)

	for _, token := range []string{"", "not-a-jwt", "eyJhbGciOiJub25lIn0.e30."} {
		result := e.call(t, token, "read_file", map[string]interface{}{"filename": "readme.txt"})
		if got := resultText(t, result); got != deniedMessage {
			t.Errorf("token %q: expected denial message, got %q", token, got)
		}
		if _, ok := result["warrant_type"]; ok {
			t.Errorf("token %q: denied response must not carry warrant_type", token)
		}
	}
}

func TestBackend_EnvironmentSelectsFilesystem(t *testing.T) {
	e := newTestEnv(t)

	prod := e.call(t, e.issue(t, warrant.EnvProduction), "read_file",
		map[string]interface{}{"filename": "readme.txt"})
	if got := resultText(t, prod); got != "production notes" {
		t.Errorf("expected production content, got %q", got)
	}
	if prod["warrant_type"] != "prime" {
		t.Errorf("expected warrant_type prime, got %v", prod["warrant_type"])
	}

	shadow := e.call(t, e.issue(t, warrant.EnvShadow), "read_file",
		map[string]interface{}{"filename": "readme.txt"})
	if got := resultText(t, shadow); got != "decoy notes" {
		t.Errorf("expected shadow content, got %q", got)
	}
	if shadow["warrant_type"] != "shadow" {
		t.Errorf("expected warrant_type shadow, got %v", shadow["warrant_type"])
	}
}

func TestBackend_ConfidentialLookupByEnvironment(t *testing.T) {
	e := newTestEnv(t)

	prod := e.call(t, e.issue(t, warrant.EnvProduction), "read_file",
		map[string]interface{}{"filename": "/private/formula.txt"})
	if got := resultText(t, prod); got != "REAL FORMULA: X-7" {
		t.Errorf("expected real formula, got %q", got)
	}

	shadow := e.call(t, e.issue(t, warrant.EnvShadow), "read_file",
		map[string]interface{}{"filename": "/private/formula.txt"})
	if got := resultText(t, shadow); got != "DECOY FORMULA: Z-9" {
		t.Errorf("expected decoy formula, got %q", got)
	}
}

func TestBackend_PathTraversalBlocked(t *testing.T) {
	e := newTestEnv(t)
	token := e.issue(t, warrant.EnvProduction)

	result := e.call(t, token, "read_file",
		map[string]interface{}{"filename": "../../etc/passwd"})
	if got := resultText(t, result); got != "Error: Invalid filename." {
		t.Errorf("expected traversal rejection, got %q", got)
	}

	listing := e.call(t, token, "list_files",
		map[string]interface{}{"path": "../.."})
	if got := resultText(t, listing); !strings.Contains(got, "Access denied") && !strings.Contains(got, "not a directory") {
		t.Errorf("expected listing traversal rejection, got %q", got)
	}
}

func TestBackend_ListFilesystem(t *testing.T) {
	e := newTestEnv(t)

	result := e.call(t, e.issue(t, warrant.EnvProduction), "list_files",
		map[string]interface{}{"path": "."})
	got := resultText(t, result)
	if got != "readme.txt\nreports" {
		t.Errorf("expected sorted listing, got %q", got)
	}
}

func TestBackend_SQLiteRowLookup(t *testing.T) {
	e := newTestEnv(t)
	token := e.issue(t, warrant.EnvProduction)

	hit := e.call(t, token, "get_patient", map[string]interface{}{"patient_id": "P-100"})
	text := resultText(t, hit)
	var row map[string]interface{}
	if err := json.Unmarshal([]byte(text), &row); err != nil {
		t.Fatalf("parse row %q: %v", text, err)
	}
	if row["name"] != "Dana Reeve" || row["ssn"] != "078-05-1120" {
		t.Errorf("unexpected row: %v", row)
	}

	miss := e.call(t, token, "get_patient", map[string]interface{}{"patient_id": "P-404"})
	if got := resultText(t, miss); got != "Error: Record P-404 not found." {
		t.Errorf("expected not-found error in production, got %q", got)
	}
}

func TestBackend_ShadowMissSynthesizesAndPersists(t *testing.T) {
	e := newTestEnv(t)
	token := e.issue(t, warrant.EnvShadow)

	first := resultText(t, e.call(t, token, "get_patient",
		map[string]interface{}{"patient_id": "P-777"}))
	var row map[string]interface{}
	if err := json.Unmarshal([]byte(first), &row); err != nil {
		t.Fatalf("parse synthesized row %q: %v", first, err)
	}
	if row["patient_id"] != "P-777" {
		t.Errorf("expected requested id in synthesized row, got %v", row["patient_id"])
	}
	if row["name"] != "synthetic-name" {
		t.Errorf("expected synthesized name, got %v", row["name"])
	}

	// The record must persist: the second read comes from the store, not
	// the synthesizer, and matches the first.
	second := resultText(t, e.call(t, token, "get_patient",
		map[string]interface{}{"patient_id": "P-777"}))
	var row2 map[string]interface{}
	if err := json.Unmarshal([]byte(second), &row2); err != nil {
		t.Fatalf("parse second read %q: %v", second, err)
	}
	for _, field := range []string{"patient_id", "name", "diagnosis", "ssn"} {
		if row[field] != row2[field] {
			t.Errorf("field %s changed between reads: %v vs %v", field, row[field], row2[field])
		}
	}
}

func TestBackend_UnknownToolAndHandler(t *testing.T) {
	e := newTestEnv(t)
	token := e.issue(t, warrant.EnvProduction)

	result := e.call(t, token, "launch_missiles", nil)
	if got := resultText(t, result); got != "Error: Tool 'launch_missiles' not found." {
		t.Errorf("unexpected unknown-tool message: %q", got)
	}
}

func TestBackend_ManifestStableAcrossEnvironments(t *testing.T) {
	e := newTestEnv(t)

	list := func() string {
		resp := e.backend.HandleRequest(context.Background(), Request{
			JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/list",
		})
		raw, ok := resp.Result.(json.RawMessage)
		if !ok {
			t.Fatalf("unexpected manifest type %T", resp.Result)
		}
		return string(raw)
	}

	first := list()
	second := list()
	if first != second {
		t.Error("manifest bytes changed between calls")
	}
	if !strings.Contains(first, `"get_patient"`) || !strings.Contains(first, `"read_file"`) {
		t.Errorf("manifest missing tools: %s", first)
	}
	// Sorted by name: get_patient before list_files before read_file.
	if strings.Index(first, "get_patient") > strings.Index(first, "list_files") {
		t.Error("manifest not sorted by tool name")
	}
}

func TestBackend_JitterOnEveryRequest(t *testing.T) {
	e := newTestEnv(t)

	// Denied and granted requests alike must pay the same latency profile.
	e.call(t, "", "read_file", map[string]interface{}{"filename": "readme.txt"})
	e.call(t, e.issue(t, warrant.EnvProduction), "read_file",
		map[string]interface{}{"filename": "readme.txt"})

	if len(*e.sleeps) != 2 {
		t.Fatalf("expected 2 jitter sleeps, got %d", len(*e.sleeps))
	}
	for i, d := range *e.sleeps {
		if d < 20*time.Millisecond || d >= 50*time.Millisecond {
			t.Errorf("sleep %d out of [20ms,50ms): %v", i, d)
		}
	}
}

func TestBackend_ServeLoop(t *testing.T) {
	e := newTestEnv(t)
	token := e.issue(t, warrant.EnvProduction)

	inReader, inWriter := io.Pipe()
	outReader, outWriter := io.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- e.backend.Serve(context.Background(), inReader, outWriter)
	}()

	lines := bufio.NewScanner(outReader)

	// Parse error produces a JSON-RPC error frame and the loop continues.
	if _, err := inWriter.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if !lines.Scan() {
		t.Fatal("no response to garbage frame")
	}
	if !strings.Contains(lines.Text(), `-32700`) {
		t.Errorf("expected parse error, got %s", lines.Text())
	}

	call, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      5,
		"method":  "tools/call",
		"params": map[string]interface{}{
			"name":              "read_file",
			"arguments":         map[string]interface{}{"filename": "readme.txt"},
			mcp.WarrantParamKey: token,
		},
	})
	if _, err := inWriter.Write(append(call, '\n')); err != nil {
		t.Fatalf("write call: %v", err)
	}
	if !lines.Scan() {
		t.Fatal("no response to tool call")
	}
	var resp struct {
		ID     int `json:"id"`
		Result struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
	}
	if err := json.Unmarshal(lines.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if resp.ID != 5 {
		t.Errorf("expected id 5, got %d", resp.ID)
	}
	if len(resp.Result.Content) == 0 || resp.Result.Content[0].Text != "production notes" {
		t.Errorf("unexpected response: %s", lines.Text())
	}

	_ = inWriter.Close()
	if err := <-done; err != nil {
		t.Errorf("serve returned error: %v", err)
	}
	_ = outReader.Close()
	_ = outWriter.Close()
}
