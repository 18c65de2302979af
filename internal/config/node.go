package config

import (
	"strings"
	"time"
)

// NodeConfig is the node binary's full configuration surface.
type NodeConfig struct {
	AppPort          int    `yaml:"app_port"`
	NodeID           string `yaml:"node_id"`
	NodeName         string `yaml:"node_name"`
	NodeRequireAuth  bool   `yaml:"node_require_auth"`
	HeadPublicKeys   string `yaml:"head_public_keys"`
	NodeEnrollToken  string `yaml:"node_enroll_token"`
	DataRoot         string `yaml:"data_root"`
	MaxStepsDefault  int    `yaml:"max_steps_default"`
	OpenAIAPIKey     string `yaml:"openai_api_key"`
	OpenAIBaseURL    string `yaml:"openai_base_url"`
	ScheduleCheck    time.Duration `yaml:"schedule_check_interval"`
	StopDeadline     time.Duration `yaml:"stop_deadline"`

	VNCBackendAddr   string `yaml:"vnc_backend_addr"`

	NonceStore  string `yaml:"nonce_store"` // "memory" (default) or "redis"
	RedisAddr   string `yaml:"redis_addr"`

	LogFormat string `yaml:"log_format"` // "json" (default) or "console"

	OTLPEndpoint string `yaml:"otlp_endpoint"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	SupportedModels string `yaml:"supported_models"` // comma-separated
}

// SupportedModelList splits SupportedModels on commas, trimming whitespace
// and dropping empty entries.
func (c *NodeConfig) SupportedModelList() []string {
	var out []string
	for _, m := range strings.Split(c.SupportedModels, ",") {
		m = strings.TrimSpace(m)
		if m != "" {
			out = append(out, m)
		}
	}
	return out
}

// LoadNodeConfig reads NodeConfig from the environment, layered over an
// optional YAML file (NODE_CONFIG_FILE) which itself sits over hardcoded
// defaults. Environment variables always win.
func LoadNodeConfig() *NodeConfig {
	var fc NodeConfig
	if err := loadYAMLFile(getString("NODE_CONFIG_FILE", ""), &fc); err != nil {
		fc = NodeConfig{}
	}

	return &NodeConfig{
		AppPort:         getInt("APP_PORT", intDefault(fc.AppPort, 8081)),
		NodeID:          getString("NODE_ID", strDefault(fc.NodeID, "node-1")),
		NodeName:        getString("NODE_NAME", strDefault(fc.NodeName, "node-1")),
		NodeRequireAuth: getBool("NODE_REQUIRE_AUTH", true),
		HeadPublicKeys:  getString("HEAD_PUBLIC_KEYS", fc.HeadPublicKeys),
		NodeEnrollToken: getString("NODE_ENROLL_TOKEN", fc.NodeEnrollToken),
		DataRoot:        getString("DATA_ROOT", strDefault(fc.DataRoot, "./data")),
		MaxStepsDefault: getInt("MAX_STEPS_DEFAULT", intDefault(fc.MaxStepsDefault, 80)),
		OpenAIAPIKey:    getString("OPENAI_API_KEY", fc.OpenAIAPIKey),
		OpenAIBaseURL:   getString("OPENAI_BASE_URL", fc.OpenAIBaseURL),
		ScheduleCheck:   getSecondsDuration("SCHEDULE_CHECK_SECONDS", durationDefault(fc.ScheduleCheck, 5*time.Second)),
		StopDeadline:    getSecondsDuration("STOP_DEADLINE_SECONDS", durationDefault(fc.StopDeadline, 15*time.Second)),
		VNCBackendAddr:  getString("VNC_BACKEND_ADDR", strDefault(fc.VNCBackendAddr, "127.0.0.1:5900")),
		NonceStore:      getString("NONCE_STORE", strDefault(fc.NonceStore, "memory")),
		RedisAddr:       getString("REDIS_ADDR", fc.RedisAddr),
		LogFormat:       getString("LOG_FORMAT", strDefault(fc.LogFormat, "json")),
		OTLPEndpoint:    getString("OTEL_EXPORTER_OTLP_ENDPOINT", fc.OTLPEndpoint),
		RateLimitRPS:    float64Default(fc.RateLimitRPS, 5),
		RateLimitBurst:  intDefault(fc.RateLimitBurst, 10),
		SupportedModels: getString("SUPPORTED_MODELS", strDefault(fc.SupportedModels, "gpt-4o,gpt-4o-mini")),
	}
}

// Validate returns a *ValidationError (mapped by cmd/node to exit code 2).
// Missing trust material is not checked here; cmd/node checks it after
// loading the trust store and exits with code 3.
func (c *NodeConfig) Validate() error {
	if err := requireNonEmpty("NODE_ID", c.NodeID); err != nil {
		return err
	}
	if c.AppPort <= 0 || c.AppPort > 65535 {
		return &ValidationError{Field: "APP_PORT", Msg: "must be a valid TCP port"}
	}
	if c.MaxStepsDefault < 1 || c.MaxStepsDefault > 200 {
		return &ValidationError{Field: "MAX_STEPS_DEFAULT", Msg: "must be between 1 and 200"}
	}
	if c.NonceStore != "memory" && c.NonceStore != "redis" {
		return &ValidationError{Field: "NONCE_STORE", Msg: "must be memory or redis"}
	}
	if c.NonceStore == "redis" && c.RedisAddr == "" {
		return &ValidationError{Field: "REDIS_ADDR", Msg: "required when NONCE_STORE=redis"}
	}
	return nil
}
