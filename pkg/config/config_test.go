package config

import (
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestParseServerDefaults(t *testing.T) {
	cfg, err := ParseServer()
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.Port, 3001)
	assert.Equal(t, cfg.Addr(), ":3001")
	assert.Equal(t, cfg.HandshakeTimeout, 10*time.Second)
	assert.Equal(t, cfg.BackupInterval, 5*time.Second)
}

func TestParseServerPortOverride(t *testing.T) {
	t.Setenv("PORT", "8080")
	cfg, err := ParseServer()
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.Addr(), ":8080")
}

func TestParseServerErrors(t *testing.T) {
	t.Setenv("PORT", "not-a-port")
	_, err := ParseServer()
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}

	t.Setenv("PORT", "70000")
	_, err = ParseServer()
	assert.NotEqual(t, err, nil)
}
