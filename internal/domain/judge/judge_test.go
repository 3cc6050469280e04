package judge

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chimera-gate/chimeragate/internal/domain/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRuleJudgeAssess(t *testing.T) {
	rules := []MockRule{
		{
			Tools:     []string{"read_file"},
			Field:     "args.path",
			Operator:  policy.OpContains,
			Value:     "secret",
			RiskScore: 0.95,
			Reason:    "secret file access",
			Tags:      []string{"EXFILTRATION"},
		},
		{
			Field:      "context.user_role",
			Value:      "intern",
			RiskScore:  0.6,
			Confidence: 0.8,
			Reason:     "low-trust role",
		},
	}
	j := NewRuleJudge(rules, MockDefault{RiskScore: 0.1, Reason: "default safe"}, testLogger())

	tests := []struct {
		name     string
		tool     string
		args     map[string]interface{}
		context  map[string]interface{}
		wantRisk float64
		wantConf float64
		wantTags int
	}{
		{
			name:     "first matching rule wins",
			tool:     "read_file",
			args:     map[string]interface{}{"path": "/vault/secret.txt"},
			wantRisk: 0.95,
			wantConf: 1.0, // unset confidence defaults to full
			wantTags: 1,
		},
		{
			name:     "tool filter skips rule",
			tool:     "list_files",
			args:     map[string]interface{}{"path": "/vault/secret.txt"},
			wantRisk: 0.1,
			wantConf: 1.0,
		},
		{
			name:     "context rule applies to any tool",
			tool:     "list_files",
			context:  map[string]interface{}{"user_role": "intern"},
			wantRisk: 0.6,
			wantConf: 0.8,
		},
		{
			name:     "no match returns default",
			tool:     "read_file",
			args:     map[string]interface{}{"path": "/home/readme"},
			wantRisk: 0.1,
			wantConf: 1.0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := j.Assess(context.Background(), tt.tool, tt.args, tt.context)
			if got.RiskScore != tt.wantRisk {
				t.Errorf("risk = %v, want %v (reason: %s)", got.RiskScore, tt.wantRisk, got.Reason)
			}
			if got.Confidence != tt.wantConf {
				t.Errorf("confidence = %v, want %v", got.Confidence, tt.wantConf)
			}
			if len(got.ViolationTags) != tt.wantTags {
				t.Errorf("tags = %v, want %d entries", got.ViolationTags, tt.wantTags)
			}
		})
	}
}

func TestRuleJudgeIsDeterministic(t *testing.T) {
	j := NewRuleJudge(nil, MockDefault{RiskScore: 0.2}, testLogger())
	args := map[string]interface{}{"q": "hello"}
	first := j.Assess(context.Background(), "t", args, nil)
	for i := 0; i < 5; i++ {
		if got := j.Assess(context.Background(), "t", args, nil); got.RiskScore != first.RiskScore {
			t.Fatalf("assessment changed between identical calls: %v vs %v", got, first)
		}
	}
}

func oracleServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newTestOracle(t *testing.T, url string) *OracleJudge {
	t.Helper()
	t.Setenv("TEST_ORACLE_KEY", "sk-test")
	j, err := NewOracleJudge(OracleConfig{
		URL:       url,
		Model:     "scorer-1",
		APIKeyEnv: "TEST_ORACLE_KEY",
		Timeout:   2 * time.Second,
	}, "", testLogger())
	if err != nil {
		t.Fatalf("NewOracleJudge: %v", err)
	}
	return j
}

func TestOracleJudgeParsesVerdict(t *testing.T) {
	srv := oracleServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization = %q", got)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":
			"{\"risk_score\":0.7,\"confidence\":0.9,\"reason\":\"odd path\",\"violation_tags\":[\"PROBE\"]}"}}]}`))
	})

	got := newTestOracle(t, srv.URL).Assess(context.Background(), "read_file",
		map[string]interface{}{"path": "/etc/shadow"}, nil)
	if got.RiskScore != 0.7 || got.Confidence != 0.9 || got.Reason != "odd path" {
		t.Errorf("assessment = %+v", got)
	}
}

func TestOracleJudgeStripsMarkdownFences(t *testing.T) {
	srv := oracleServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"content":
			"` + "```json\\n{\\\"risk_score\\\":0.3,\\\"reason\\\":\\\"ok\\\"}\\n```" + `"}}]}`))
	})

	got := newTestOracle(t, srv.URL).Assess(context.Background(), "t", nil, nil)
	if got.RiskScore != 0.3 {
		t.Errorf("fenced verdict not parsed: %+v", got)
	}
	if got.Confidence != 1.0 {
		t.Errorf("unset confidence should default to 1.0, got %v", got.Confidence)
	}
}

func TestOracleJudgeFailsSecure(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"http error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}},
		{"non-json body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("upstream exploded"))
		}},
		{"empty choices", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"choices":[]}`))
		}},
		{"verdict not json", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"choices":[{"message":{"content":"I refuse to answer."}}]}`))
		}},
	}
	want := OracleFailure()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := oracleServer(t, tt.handler)
			got := newTestOracle(t, srv.URL).Assess(context.Background(), "t", nil, nil)
			if got.RiskScore != want.RiskScore || got.Confidence != want.Confidence {
				t.Errorf("assessment = %+v, want fail-secure %+v", got, want)
			}
			if len(got.ViolationTags) != 1 || got.ViolationTags[0] != "ORACLE_ERROR" {
				t.Errorf("tags = %v, want [ORACLE_ERROR]", got.ViolationTags)
			}
		})
	}
}

func TestNewOracleJudgeRequiresKey(t *testing.T) {
	t.Setenv("TEST_ORACLE_KEY", "")
	if _, err := NewOracleJudge(OracleConfig{URL: "http://localhost:1", APIKeyEnv: "TEST_ORACLE_KEY"}, "", testLogger()); err == nil {
		t.Fatal("expected error for missing api key")
	}
}
