package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveHost(t *testing.T) {
	tests := []struct {
		host     string
		inDocker bool
		want     string
	}{
		{"localhost", false, "localhost"},
		{"127.0.0.1", false, "127.0.0.1"},
		{"localhost", true, "host.docker.internal"},
		{"127.0.0.1", true, "host.docker.internal"},
		{"::1", true, "host.docker.internal"},
		{"postgres", true, "postgres"},
		{"redis.internal.example.com", true, "redis.internal.example.com"},
		{"", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveHost(tt.host, tt.inDocker))
		})
	}
}

func TestResolveHostForDocker_RemoteHostsUnchanged(t *testing.T) {
	// Holds whether or not the test itself runs in a container.
	for _, host := range []string{"db.example.com", "192.168.1.100", "host.docker.internal"} {
		assert.Equal(t, host, ResolveHostForDocker(host))
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, ".dockerenv")

	assert.False(t, fileExists(marker))
	assert.NoError(t, os.WriteFile(marker, nil, 0o600))
	assert.True(t, fileExists(marker))
}
