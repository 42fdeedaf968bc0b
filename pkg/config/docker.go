package config

import (
	"os"
	"sync"
)

// dockerEnvFile exists in every Docker container.
const dockerEnvFile = "/.dockerenv"

// dockerHostAlias reaches services published on the Docker host.
const dockerHostAlias = "host.docker.internal"

var (
	isDockerOnce   sync.Once
	isDockerResult bool
)

// IsRunningInDocker reports whether the process runs inside a Docker
// container. The result is cached after the first call.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		isDockerResult = fileExists(dockerEnvFile)
	})
	return isDockerResult
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ResolveHostForDocker rewrites loopback hosts to host.docker.internal when
// running in a container, so Postgres or Redis on the host machine stays
// reachable from a containerized engine.
func ResolveHostForDocker(host string) string {
	return resolveHost(host, IsRunningInDocker())
}

func resolveHost(host string, inDocker bool) string {
	if !inDocker {
		return host
	}
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return dockerHostAlias
	default:
		return host
	}
}
