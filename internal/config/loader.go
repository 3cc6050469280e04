package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/chimera-gate/chimeragate/internal/backend"
	"github.com/chimera-gate/chimeragate/internal/domain/policy"
)

// DefaultConfigFile is searched when --config is not given.
const DefaultConfigFile = "config/base.yaml"

// ScenarioEnvVar selects the scenario overlay when --scenario is not given.
const ScenarioEnvVar = "CHIMERA_SCENARIO"

// Load reads the base configuration file, merges the scenario overlay on
// top, applies CHIMERA_ environment overrides, fills defaults and
// validates. Any failure is fatal to the caller: the gateway must not start
// on a partial document.
func Load(configFile, scenario string) (*Config, error) {
	v := viper.New()

	if configFile == "" {
		configFile = DefaultConfigFile
	}
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configFile, err)
	}

	// Environment variable support: CHIMERA_SERVER_HTTP_ADDR overrides
	// server.http_addr, and so on for every key present in the document.
	v.SetEnvPrefix("CHIMERA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	bindNestedEnvKeys(v)

	if scenario == "" {
		scenario = os.Getenv(ScenarioEnvVar)
	}
	if scenario == "" {
		scenario = v.GetString("scenario")
	}
	var overlayData []byte
	if scenario != "" {
		overlay := scenarioPath(configFile, scenario)
		data, err := os.ReadFile(overlay)
		if err != nil {
			return nil, fmt.Errorf("read scenario %q: %w", scenario, err)
		}
		var overlayDoc map[string]interface{}
		if err := yaml.Unmarshal(data, &overlayDoc); err != nil {
			return nil, fmt.Errorf("parse scenario %q: %w", scenario, err)
		}
		// Deep merge, overlay wins on conflicting scalar keys.
		if err := v.MergeConfigMap(overlayDoc); err != nil {
			return nil, fmt.Errorf("merge scenario %q: %w", scenario, err)
		}
		overlayData = data
	}

	// Round-trip the merged settings through YAML so the domain config
	// types decode with their own yaml tags (clause matchers, mock rules).
	merged, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return nil, fmt.Errorf("encode merged config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Scenario = scenario

	// Viper lowercases every map key, which would make directive user ids
	// and tool names case-insensitive. Re-read the keyed maps from the raw
	// documents, which yaml.v3 decodes with their exact case.
	if err := restoreMapKeyCase(&cfg, configFile, overlayData); err != nil {
		return nil, err
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// keyedMaps is the subset of the document whose map keys are identifiers
// (user ids, role names, tool names) and must keep their exact case.
type keyedMaps struct {
	Policy struct {
		Directives policy.DirectivesConfig `yaml:"directives"`
	} `yaml:"policy"`
	Backend struct {
		Tools map[string]backend.ToolDef `yaml:"tools"`
	} `yaml:"backend"`
}

// restoreMapKeyCase replaces the viper-lowercased keyed maps with the union
// of the base and overlay documents, overlay winning per key. Overlay
// entries replace base entries wholesale.
func restoreMapKeyCase(cfg *Config, configFile string, overlayData []byte) error {
	baseData, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("reread config %s: %w", configFile, err)
	}
	var base, overlay keyedMaps
	if err := yaml.Unmarshal(baseData, &base); err != nil {
		return fmt.Errorf("decode config %s: %w", configFile, err)
	}
	if overlayData != nil {
		if err := yaml.Unmarshal(overlayData, &overlay); err != nil {
			return fmt.Errorf("decode scenario overlay: %w", err)
		}
	}

	cfg.Policy.Directives.Users = mergeByKey(base.Policy.Directives.Users, overlay.Policy.Directives.Users)
	cfg.Policy.Directives.Roles = mergeByKey(base.Policy.Directives.Roles, overlay.Policy.Directives.Roles)
	cfg.Backend.Tools = mergeByKey(base.Backend.Tools, overlay.Backend.Tools)
	return nil
}

func mergeByKey[V any](base, overlay map[string]V) map[string]V {
	if len(base) == 0 && len(overlay) == 0 {
		return nil
	}
	out := make(map[string]V, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// scenarioPath resolves the overlay file next to the base config:
// <dir>/scenarios/<name>.yaml.
func scenarioPath(configFile, scenario string) string {
	return filepath.Join(filepath.Dir(configFile), "scenarios", scenario+".yaml")
}

// bindNestedEnvKeys binds the scalar keys that make sense to override from
// the environment. List-valued keys (policies, patterns, mock rules) come
// from the document only.
func bindNestedEnvKeys(v *viper.Viper) {
	_ = v.BindEnv("scenario")
	_ = v.BindEnv("server.transport")
	_ = v.BindEnv("server.http_addr")
	_ = v.BindEnv("server.log_level")
	_ = v.BindEnv("server.tracing")
	_ = v.BindEnv("keys.dir")
	_ = v.BindEnv("ledger.path")
	_ = v.BindEnv("attacklog.dir")
	_ = v.BindEnv("judge.oracle.url")
	_ = v.BindEnv("judge.oracle.model")
	_ = v.BindEnv("judge.oracle.api_key_env")
	_ = v.BindEnv("judge.oracle.timeout")
	_ = v.BindEnv("backend.data_dir")
	_ = v.BindEnv("backend.confidential_table")
}
