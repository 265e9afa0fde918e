// ABOUTME: Tests for CLI helpers
// ABOUTME: Covers flag parsing and config path resolution

package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	flags, err := parseFlags([]string{"--name", "My Shop", "--host=shop.example"}, "name", "host", "group")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"name": "My Shop", "host": "shop.example"}, flags)

	_, err = parseFlags([]string{"--bogus", "x"}, "name")
	assert.ErrorContains(t, err, "unknown flag")

	_, err = parseFlags([]string{"--name"}, "name")
	assert.ErrorContains(t, err, "requires a value")

	_, err = parseFlags([]string{"stray"}, "name")
	assert.ErrorContains(t, err, "unexpected argument")
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("RIA_CONFIG", "/etc/ria.yaml")
	assert.Equal(t, "/etc/ria.yaml", getConfigPath())

	t.Setenv("RIA_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "ria", "gateway.yaml"), getConfigPath())
}

func TestIsYes(t *testing.T) {
	assert.True(t, isYes("Y"))
	assert.True(t, isYes("yes"))
	assert.False(t, isYes("no"))
	assert.False(t, isYes(""))
}
