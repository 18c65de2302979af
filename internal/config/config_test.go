package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func clearNodeEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"APP_PORT", "NODE_ID", "NODE_NAME", "NODE_REQUIRE_AUTH", "HEAD_PUBLIC_KEYS",
		"NODE_ENROLL_TOKEN", "DATA_ROOT", "MAX_STEPS_DEFAULT", "OPENAI_API_KEY",
		"OPENAI_BASE_URL", "SCHEDULE_CHECK_SECONDS", "STOP_DEADLINE_SECONDS",
		"VNC_BACKEND_ADDR", "NONCE_STORE", "REDIS_ADDR", "LOG_FORMAT",
		"OTEL_EXPORTER_OTLP_ENDPOINT", "SUPPORTED_MODELS",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadNodeConfig_AppliesDefaultsWhenEnvAbsent(t *testing.T) {
	clearNodeEnv(t)
	cfg := LoadNodeConfig()

	assert.Equal(t, 8081, cfg.AppPort)
	assert.Equal(t, "node-1", cfg.NodeID)
	assert.True(t, cfg.NodeRequireAuth)
	assert.Equal(t, 80, cfg.MaxStepsDefault)
	assert.Equal(t, 5*time.Second, cfg.ScheduleCheck)
	assert.Equal(t, "memory", cfg.NonceStore)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadNodeConfig_ReadsOverridesFromEnv(t *testing.T) {
	clearNodeEnv(t)
	withEnv(t, map[string]string{
		"APP_PORT":               "9090",
		"NODE_ID":                "node-7",
		"MAX_STEPS_DEFAULT":      "42",
		"SCHEDULE_CHECK_SECONDS": "11",
		"NODE_REQUIRE_AUTH":      "false",
	})

	cfg := LoadNodeConfig()
	assert.Equal(t, 9090, cfg.AppPort)
	assert.Equal(t, "node-7", cfg.NodeID)
	assert.Equal(t, 42, cfg.MaxStepsDefault)
	assert.Equal(t, 11*time.Second, cfg.ScheduleCheck)
	assert.False(t, cfg.NodeRequireAuth)
}

func TestLoadNodeConfig_InvalidIntFallsBackToDefault(t *testing.T) {
	clearNodeEnv(t)
	withEnv(t, map[string]string{"APP_PORT": "not-a-number"})

	cfg := LoadNodeConfig()
	assert.Equal(t, 8081, cfg.AppPort)
}

func TestNodeConfig_ValidateRejectsEmptyNodeID(t *testing.T) {
	cfg := LoadNodeConfig()
	cfg.NodeID = ""
	err := cfg.Validate()
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "NODE_ID", verr.Field)
}

func TestNodeConfig_ValidateRejectsOutOfRangePort(t *testing.T) {
	cfg := LoadNodeConfig()
	cfg.AppPort = 0
	require.Error(t, cfg.Validate())

	cfg.AppPort = 100000
	require.Error(t, cfg.Validate())
}

func TestNodeConfig_ValidateRejectsOutOfRangeMaxSteps(t *testing.T) {
	cfg := LoadNodeConfig()
	cfg.MaxStepsDefault = 0
	require.Error(t, cfg.Validate())

	cfg.MaxStepsDefault = 500
	require.Error(t, cfg.Validate())
}

func TestNodeConfig_ValidateRequiresRedisAddrWhenNonceStoreIsRedis(t *testing.T) {
	cfg := LoadNodeConfig()
	cfg.NonceStore = "redis"
	cfg.RedisAddr = ""
	require.Error(t, cfg.Validate())

	cfg.RedisAddr = "localhost:6379"
	require.NoError(t, cfg.Validate())
}

func TestNodeConfig_ValidateRejectsUnknownNonceStore(t *testing.T) {
	cfg := LoadNodeConfig()
	cfg.NonceStore = "memcached"
	require.Error(t, cfg.Validate())
}

func TestParseHeadNodes_AssignsPositionalIDsWhenOmitted(t *testing.T) {
	nodes, err := parseHeadNodes("http://a:8081,http://b:8081")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "node-1", nodes[0].ID)
	assert.Equal(t, "http://a:8081", nodes[0].URL)
	assert.Equal(t, "node-2", nodes[1].ID)
}

func TestParseHeadNodes_UsesExplicitID(t *testing.T) {
	nodes, err := parseHeadNodes("http://a:8081|alpha,http://b:8081|beta")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "alpha", nodes[0].ID)
	assert.Equal(t, "beta", nodes[1].ID)
}

func TestParseHeadNodes_EmptySpecYieldsNoNodes(t *testing.T) {
	nodes, err := parseHeadNodes("  ")
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestParseHeadNodes_RejectsEntryMissingURL(t *testing.T) {
	_, err := parseHeadNodes("|alpha")
	require.Error(t, err)
}

func TestHeadConfig_ValidateRequiresAtLeastOneNode(t *testing.T) {
	cfg := &HeadConfig{HeadPort: 8080}
	require.Error(t, cfg.Validate())
}

func TestHeadConfig_ValidateRejectsDuplicateIDs(t *testing.T) {
	cfg := &HeadConfig{
		HeadPort:  8080,
		HeadNodes: []HeadNodeSpec{{ID: "n1", URL: "http://a"}, {ID: "n1", URL: "http://b"}},
	}
	require.Error(t, cfg.Validate())
}

func TestHeadConfig_ValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := &HeadConfig{
		HeadPort:  8080,
		HeadNodes: []HeadNodeSpec{{ID: "n1", URL: "http://a"}},
	}
	require.NoError(t, cfg.Validate())
}

func TestLoadHeadConfig_ParsesNodesFromEnv(t *testing.T) {
	t.Setenv("HEAD_NODES", "http://a:8081|alpha")
	cfg, err := LoadHeadConfig()
	require.NoError(t, err)
	require.Len(t, cfg.HeadNodes, 1)
	assert.Equal(t, "alpha", cfg.HeadNodes[0].ID)
}

func TestLoadHeadConfig_PropagatesMalformedNodesError(t *testing.T) {
	t.Setenv("HEAD_NODES", "|badentry")
	_, err := LoadHeadConfig()
	require.Error(t, err)
}

func TestGetSecondsDuration_FallsBackOnGarbageValue(t *testing.T) {
	t.Setenv("SCHEDULE_CHECK_SECONDS", "abc")
	assert.Equal(t, 5*time.Second, getSecondsDuration("SCHEDULE_CHECK_SECONDS", 5*time.Second))
}

func TestGetBool_FallsBackOnUnparsableValue(t *testing.T) {
	t.Setenv("NODE_REQUIRE_AUTH", "sorta")
	assert.True(t, getBool("NODE_REQUIRE_AUTH", true))
}

func TestLoadNodeConfig_YAMLFileFillsGapsBelowEnv(t *testing.T) {
	clearNodeEnv(t)
	dir := t.TempDir()
	path := dir + "/node.yaml"
	require.NoError(t, os.WriteFile(path, []byte("node_id: node-from-yaml\napp_port: 9500\n"), 0o644))

	withEnv(t, map[string]string{
		"NODE_CONFIG_FILE": path,
		"APP_PORT":         "9999", // env still wins over yaml
	})

	cfg := LoadNodeConfig()
	assert.Equal(t, "node-from-yaml", cfg.NodeID) // yaml wins over hardcoded default
	assert.Equal(t, 9999, cfg.AppPort)             // env wins over yaml
}

func TestLoadNodeConfig_MissingYAMLFileIsNotAnError(t *testing.T) {
	clearNodeEnv(t)
	withEnv(t, map[string]string{"NODE_CONFIG_FILE": "/nonexistent/path/node.yaml"})

	cfg := LoadNodeConfig()
	assert.Equal(t, "node-1", cfg.NodeID)
}

func TestNodeConfig_SupportedModelListDefaultsToTwoModels(t *testing.T) {
	clearNodeEnv(t)
	cfg := LoadNodeConfig()
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, cfg.SupportedModelList())
}

func TestNodeConfig_SupportedModelListTrimsAndDropsEmptyEntries(t *testing.T) {
	cfg := &NodeConfig{SupportedModels: " gpt-4o ,, gpt-4o-mini "}
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, cfg.SupportedModelList())
}

func TestLoadHeadConfig_YAMLFileFillsGapsBelowEnv(t *testing.T) {
	t.Setenv("HEAD_NODES", "http://a:8081|alpha")
	dir := t.TempDir()
	path := dir + "/head.yaml"
	require.NoError(t, os.WriteFile(path, []byte("head_port: 9400\n"), 0o644))
	t.Setenv("HEAD_CONFIG_FILE", path)

	cfg, err := LoadHeadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9400, cfg.HeadPort)
}
