package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnv(t *testing.T) {
	t.Setenv("UTILS_TEST_STR", "value")
	assert.Equal(t, "value", Env("UTILS_TEST_STR", "def"))
	assert.Equal(t, "def", Env("UTILS_TEST_UNSET", "def"))
}

func TestEnvInt(t *testing.T) {
	t.Setenv("UTILS_TEST_INT", "8")
	assert.Equal(t, 8, EnvInt("UTILS_TEST_INT", 3))
	assert.Equal(t, 3, EnvInt("UTILS_TEST_UNSET", 3))

	t.Setenv("UTILS_TEST_INT", "not-a-number")
	assert.Equal(t, 3, EnvInt("UTILS_TEST_INT", 3))

	// Zero and negative values fall back to the default.
	t.Setenv("UTILS_TEST_INT", "0")
	assert.Equal(t, 3, EnvInt("UTILS_TEST_INT", 3))
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("UTILS_TEST_DUR", "90s")
	assert.Equal(t, 90*time.Second, EnvDuration("UTILS_TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, EnvDuration("UTILS_TEST_UNSET", time.Minute))

	t.Setenv("UTILS_TEST_DUR", "soon")
	assert.Equal(t, time.Minute, EnvDuration("UTILS_TEST_DUR", time.Minute))
}
