package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValid(t *testing.T) {
	cfg := Defaults("/tmp/session.ndjson", "https://store.example", "secret")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint64(8<<20), cfg.SegBytes)
	assert.Equal(t, 2, cfg.Concurrency)
}

func TestValidateRequiresFile(t *testing.T) {
	cfg := Defaults("", "https://store.example", "secret")
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file")
}

func TestValidateRequiresCredsUnlessDryRun(t *testing.T) {
	cfg := Defaults("/tmp/session.ndjson", "", "")
	require.Error(t, cfg.Validate())

	cfg.DryRun = true
	assert.NoError(t, cfg.Validate())
}

func TestValidateAllowsPresignedWithoutBaseURL(t *testing.T) {
	cfg := Defaults("/tmp/session.ndjson", "", "")
	cfg.Presigned = func(string) (string, bool) { return "https://signed.example/x", true }
	assert.NoError(t, cfg.Validate())
}

func TestParseLogLevel(t *testing.T) {
	lvl, err := ParseLogLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, "debug", lvl.String())
}
