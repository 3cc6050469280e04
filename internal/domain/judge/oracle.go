package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// DefaultPrompt is the system prompt used when the config does not set one.
const DefaultPrompt = "You are a vigilant security AI. Return JSON with risk_score (0.0-1.0), " +
	"confidence (0.0-1.0, how certain you are), reason, and violation_tags."

// OracleConfig configures the external scoring service.
type OracleConfig struct {
	// URL is the chat-completions endpoint.
	URL string `yaml:"url"`
	// Model is the model identifier sent with each request.
	Model string `yaml:"model"`
	// APIKeyEnv names the environment variable holding the bearer token.
	APIKeyEnv string `yaml:"api_key_env"`
	// Timeout bounds one oracle round trip.
	Timeout time.Duration `yaml:"-"`
}

// UnmarshalYAML decodes the config with timeout given as a duration string
// ("10s", "500ms"), which yaml cannot map onto time.Duration itself.
func (c *OracleConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		URL       string `yaml:"url"`
		Model     string `yaml:"model"`
		APIKeyEnv string `yaml:"api_key_env"`
		Timeout   string `yaml:"timeout"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	c.URL = raw.URL
	c.Model = raw.Model
	c.APIKeyEnv = raw.APIKeyEnv
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("oracle timeout: %w", err)
		}
		c.Timeout = d
	}
	return nil
}

// OracleJudge scores calls through an external chat-completions service.
// Any transport or parsing failure yields the fail-secure assessment; the
// oracle can make routing stricter but never unavailable.
type OracleJudge struct {
	cfg    OracleConfig
	prompt string
	apiKey string
	client *http.Client
	logger *slog.Logger
}

// NewOracleJudge builds the oracle client. The API key is resolved from the
// configured environment variable once at construction.
func NewOracleJudge(cfg OracleConfig, prompt string, logger *slog.Logger) (*OracleJudge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("oracle url not configured")
	}
	if prompt == "" {
		prompt = DefaultPrompt
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("oracle api key env %q is empty", cfg.APIKeyEnv)
	}

	return &OracleJudge{
		cfg:    cfg,
		prompt: prompt,
		apiKey: apiKey,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Assess queries the oracle and parses its JSON verdict.
func (j *OracleJudge) Assess(ctx context.Context, tool string, args, callContext map[string]interface{}) Assessment {
	argsJSON, _ := json.Marshal(args)
	ctxJSON, _ := json.Marshal(callContext)
	userPrompt := fmt.Sprintf("Analyze this tool call:\nTool: %s\nArguments: %s\nContext: %s",
		tool, argsJSON, ctxJSON)

	body, err := json.Marshal(chatRequest{
		Model: j.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: j.prompt},
			{Role: "user", Content: userPrompt},
		},
	})
	if err != nil {
		return j.failure("encode request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, j.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return j.failure("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+j.apiKey)

	resp, err := j.client.Do(req)
	if err != nil {
		return j.failure("oracle request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return j.failure("oracle status", fmt.Errorf("http %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return j.failure("read response", err)
	}

	var chat chatResponse
	if err := json.Unmarshal(raw, &chat); err != nil {
		return j.failure("decode response", err)
	}
	if len(chat.Choices) == 0 {
		return j.failure("decode response", fmt.Errorf("no choices"))
	}

	verdict := extractJSON(chat.Choices[0].Message.Content)
	var out Assessment
	if err := json.Unmarshal([]byte(verdict), &out); err != nil {
		return j.failure("parse verdict", err)
	}
	if out.Confidence == 0 {
		out.Confidence = 1.0
	}
	out.RiskScore = clamp01(out.RiskScore)
	out.Confidence = clamp01(out.Confidence)
	return out
}

func (j *OracleJudge) failure(stage string, err error) Assessment {
	j.logger.Error("oracle evaluation failed", "stage", stage, "error", err)
	return OracleFailure()
}

// extractJSON strips markdown fences some models wrap around their output.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
		content = strings.TrimSpace(content)
	}
	if start := strings.Index(content, "{"); start > 0 {
		content = content[start:]
	}
	return content
}

var _ Judge = (*OracleJudge)(nil)
