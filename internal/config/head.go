package config

import (
	"fmt"
	"strings"
)

// HeadNodeSpec is one entry parsed from HEAD_NODES.
type HeadNodeSpec struct {
	ID  string
	URL string
}

// HeadConfig is the head binary's full configuration surface.
type HeadConfig struct {
	HeadPort      int    `yaml:"head_port"`
	HeadNodes     []HeadNodeSpec `yaml:"-"`
	HeadKeyDir    string `yaml:"head_key_dir"`
	HeadEnrollToken string `yaml:"head_enroll_token"`

	FanoutTimeoutSeconds int `yaml:"fanout_timeout_seconds"`

	LogFormat string `yaml:"log_format"`

	OTLPEndpoint string `yaml:"otlp_endpoint"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	StaticAssetsDir string `yaml:"static_assets_dir"`
}

// LoadHeadConfig reads HeadConfig from the environment, layered over an
// optional YAML file (HEAD_CONFIG_FILE) which itself sits over hardcoded
// defaults. Environment variables always win. HEAD_NODES is parsed
// separately and never read from YAML (HeadNodes carries yaml:"-").
func LoadHeadConfig() (*HeadConfig, error) {
	var fc HeadConfig
	if err := loadYAMLFile(getString("HEAD_CONFIG_FILE", ""), &fc); err != nil {
		fc = HeadConfig{}
	}

	nodes, err := parseHeadNodes(getString("HEAD_NODES", ""))
	if err != nil {
		return nil, err
	}
	return &HeadConfig{
		HeadPort:             getInt("HEAD_PORT", intDefault(fc.HeadPort, 8080)),
		HeadNodes:            nodes,
		HeadKeyDir:           getString("HEAD_KEY_DIR", strDefault(fc.HeadKeyDir, "./headkeys")),
		HeadEnrollToken:      getString("HEAD_ENROLL_TOKEN", fc.HeadEnrollToken),
		FanoutTimeoutSeconds: getInt("HEAD_FANOUT_TIMEOUT_SECONDS", intDefault(fc.FanoutTimeoutSeconds, 5)),
		LogFormat:            getString("LOG_FORMAT", strDefault(fc.LogFormat, "json")),
		OTLPEndpoint:         getString("OTEL_EXPORTER_OTLP_ENDPOINT", fc.OTLPEndpoint),
		RateLimitRPS:         float64Default(fc.RateLimitRPS, 10),
		RateLimitBurst:       intDefault(fc.RateLimitBurst, 20),
		StaticAssetsDir:      getString("STATIC_ASSETS_DIR", strDefault(fc.StaticAssetsDir, "./web/dist")),
	}, nil
}

// parseHeadNodes parses "url|id[,url|id...]"; an entry without "|id" gets
// an id derived from its position.
func parseHeadNodes(spec string) ([]HeadNodeSpec, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	var out []HeadNodeSpec
	for i, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "|", 2)
		url := strings.TrimSpace(parts[0])
		id := fmt.Sprintf("node-%d", i+1)
		if len(parts) == 2 {
			id = strings.TrimSpace(parts[1])
		}
		if url == "" {
			return nil, &ValidationError{Field: "HEAD_NODES", Msg: "entry missing url: " + entry}
		}
		out = append(out, HeadNodeSpec{ID: id, URL: url})
	}
	return out, nil
}

// Validate returns a *ValidationError mapped by cmd/head to exit code 2.
func (c *HeadConfig) Validate() error {
	if c.HeadPort <= 0 || c.HeadPort > 65535 {
		return &ValidationError{Field: "HEAD_PORT", Msg: "must be a valid TCP port"}
	}
	if len(c.HeadNodes) == 0 {
		return &ValidationError{Field: "HEAD_NODES", Msg: "at least one node must be configured"}
	}
	seen := make(map[string]bool, len(c.HeadNodes))
	for _, n := range c.HeadNodes {
		if seen[n.ID] {
			return &ValidationError{Field: "HEAD_NODES", Msg: "duplicate node id: " + n.ID}
		}
		seen[n.ID] = true
	}
	return nil
}
