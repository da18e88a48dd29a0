package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTypedGetters(t *testing.T) {
	Env = map[string]string{
		"INT_OK":       "42",
		"INT_BAD":      "forty",
		"FLOAT_OK":     "0.036",
		"BOOL_OK":      "true",
		"DURATION_OK":  "90s",
		"DURATION_BAD": "soon",
	}
	t.Cleanup(func() { Env = nil })

	assert.Equal(t, 42, GetInt("INT_OK", 1))
	assert.Equal(t, 1, GetInt("INT_BAD", 1))
	assert.Equal(t, 7, GetInt("INT_MISSING", 7))
	assert.InDelta(t, 0.036, GetFloat("FLOAT_OK", 0), 1e-9)
	assert.True(t, GetBool("BOOL_OK", false))
	assert.True(t, GetBool("BOOL_MISSING", true))
	assert.Equal(t, 90*time.Second, GetDuration("DURATION_OK", time.Second))
	assert.Equal(t, time.Second, GetDuration("DURATION_BAD", time.Second))
}

func TestGetEnvPrefersLoadedFile(t *testing.T) {
	t.Setenv("PAYFOX_TEST_KEY", "from-os")
	Env = map[string]string{"PAYFOX_TEST_KEY": "from-file"}
	t.Cleanup(func() { Env = nil })

	assert.Equal(t, "from-file", GetEnv("PAYFOX_TEST_KEY", "def"))

	Env = map[string]string{}
	assert.Equal(t, "from-os", GetEnv("PAYFOX_TEST_KEY", "def"))
}
