package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	require.Error(t, err)
	assert.Equal(t, `TEST_BOOL_BAD="maybe" is not a valid boolean`, err.Error())
}

func TestEnvFloatAndDuration(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.4")
	t.Setenv("TEST_DUR", "90s")

	f, err := envFloat("TEST_FLOAT", 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, f, 1e-9)

	d, err := envDuration("TEST_DUR", 0)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)
}

func TestEnvList(t *testing.T) {
	t.Setenv("TEST_LIST", " network, device ,,logs ")
	assert.Equal(t, []string{"network", "device", "logs"}, envList("TEST_LIST", nil))
	assert.Equal(t, []string{"x"}, envList("TEST_LIST_MISSING", []string{"x"}))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, DriverPostgres, cfg.DBDriver)
	assert.Equal(t, "sequential", cfg.DefaultStrategy)
	assert.Len(t, cfg.AnalyzerDomains, 6)
}

func TestLoadCollectsMalformedValues(t *testing.T) {
	t.Setenv("OLORIN_PORT", "eighty")
	t.Setenv("OLORIN_RUN_TIMEOUT", "forever")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OLORIN_PORT")
	assert.Contains(t, err.Error(), "OLORIN_RUN_TIMEOUT")
}

func TestValidate(t *testing.T) {
	base := Config{
		DBDriver:            DriverSQLite,
		SQLitePath:          ":memory:",
		MaxRequestBodyBytes: 1024,
		AnalyzerTimeout:     time.Second,
		RunTimeout:          time.Minute,
		RollbackErrorRate:   0.2,
		ProgressRetries:     3,
	}
	require.NoError(t, base.Validate())

	bad := base
	bad.DBDriver = "mysql"
	assert.ErrorContains(t, bad.Validate(), "OLORIN_DB_DRIVER")

	bad = base
	bad.RollbackErrorRate = 1.5
	assert.ErrorContains(t, bad.Validate(), "OLORIN_ROLLBACK_ERROR_RATE")

	bad = base
	bad.ProgressRetries = 0
	assert.ErrorContains(t, bad.Validate(), "OLORIN_PROGRESS_RETRIES")
}
