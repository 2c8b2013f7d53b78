// Package docker provides Docker Engine API wrappers and container
// lifecycle management for workflow service containers.
//
// This package handles:
//   - Docker client initialization with automatic socket detection
//     (Linux, macOS, Windows)
//   - Container label management for persisting run metadata
//     (Docker labels are the sole state storage for container ownership)
//   - Service container lifecycle: ensure image, create, start,
//     readiness probing, stop, remove
//   - Discovery and grouping of leftover containers for ps and cleanup
//
// The package uses github.com/docker/docker/client as the underlying
// Docker SDK, with version negotiation enabled for broad compatibility.
package docker
