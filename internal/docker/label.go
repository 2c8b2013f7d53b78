package docker

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mmr-tortoise/gantry/internal/model"
)

// Label key constants define the Docker label keys used to persist run
// metadata on service containers. Labels are the sole persistence
// mechanism for container ownership: ps and cleanup reconstruct
// everything they need from container inspection alone.
//
// All keys share the "gantry." prefix to namespace them and avoid
// collisions with labels set by other tools (Docker Compose, VS Code,
// and so on).
const (
	// LabelPrefix is the common prefix for all gantry labels.
	LabelPrefix = "gantry."

	// LabelManagedBy identifies containers started by gantry. This is
	// the primary label used for filtering and discovery.
	// Key: "gantry.managed-by", Value: always "gantry".
	LabelManagedBy = LabelPrefix + "managed-by"

	// LabelRunID stores the run's UUID.
	// Key: "gantry.run-id".
	LabelRunID = LabelPrefix + "run-id"

	// LabelWorkflow stores the workflow name the container belongs to.
	// Key: "gantry.workflow".
	LabelWorkflow = LabelPrefix + "workflow"

	// LabelJob stores the display name of the job instance, including
	// its matrix entry (e.g. "build (3.10)").
	// Key: "gantry.job".
	LabelJob = LabelPrefix + "job"

	// LabelService stores the service name from the workflow's services
	// block.
	// Key: "gantry.service".
	LabelService = LabelPrefix + "service"

	// LabelPortPrefix is the prefix for per-port labels. Each published
	// port gets its own label with the container port appended:
	//
	//	"gantry.port.8080" = "18080"
	//	"gantry.port.53"   = "10053/udp"
	//
	// The value is the host port, suffixed with "/udp" for UDP ports
	// (TCP is the default and carries no suffix).
	LabelPortPrefix = LabelPrefix + "port."

	// LabelStartedAt stores the container start timestamp.
	// Key: "gantry.started-at", Value: RFC3339 formatted timestamp.
	LabelStartedAt = LabelPrefix + "started-at"
)

// ManagedByValue is the constant value for the LabelManagedBy label.
// Every container gantry starts is tagged with it, enabling discovery
// via Docker API label filters.
const ManagedByValue = "gantry"

// BuildServiceLabels constructs the Docker label map for a service
// container. The labels allow full reconstruction of the
// ServiceContainer from container inspection, so ps and cleanup work
// even after the gantry process that started the container is gone.
//
// Published ports are encoded as individual labels:
//
//	"gantry.port.<containerPort>" = "<hostPort>[/udp]"
//
// The per-port design keeps each mapping independently parseable and
// human-readable under `docker inspect`.
func BuildServiceLabels(sc *model.ServiceContainer) map[string]string {
	labels := map[string]string{
		LabelManagedBy: ManagedByValue,
		LabelRunID:     sc.RunID,
		LabelWorkflow:  sc.Workflow,
		LabelJob:       sc.Job,
		LabelService:   sc.Service,
		// RFC3339 in UTC keeps timestamps consistent regardless of the
		// host machine's timezone.
		LabelStartedAt: sc.StartedAt.UTC().Format(time.RFC3339),
	}

	for _, p := range sc.Ports {
		value := strconv.Itoa(p.HostPort)
		if p.Protocol == "udp" {
			value += "/udp"
		}
		labels[BuildPortLabel(p.ContainerPort)] = value
	}

	return labels
}

// ParseServiceLabels reconstructs a ServiceContainer from Docker
// container labels. This is the inverse of BuildServiceLabels and is
// used when listing containers to rebuild the domain model.
//
// Runtime fields (ContainerID, ContainerName, Image, Status) are not
// stored in labels; the caller fills them from the Docker API response.
func ParseServiceLabels(labels map[string]string) (*model.ServiceContainer, error) {
	// Check all required labels at once so the error can list every
	// missing key.
	requiredKeys := []string{
		LabelManagedBy,
		LabelRunID,
		LabelWorkflow,
		LabelJob,
		LabelService,
		LabelStartedAt,
	}

	var missing []string
	for _, key := range requiredKeys {
		if _, ok := labels[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required Docker labels: %s", strings.Join(missing, ", "))
	}

	if labels[LabelManagedBy] != ManagedByValue {
		return nil, fmt.Errorf(
			"label %s has unexpected value %q (expected %q)",
			LabelManagedBy, labels[LabelManagedBy], ManagedByValue,
		)
	}

	startedAt, err := time.Parse(time.RFC3339, labels[LabelStartedAt])
	if err != nil {
		return nil, fmt.Errorf("invalid label %s: %w", LabelStartedAt, err)
	}

	ports, err := ParsePortLabels(labels)
	if err != nil {
		return nil, fmt.Errorf("failed to parse port labels: %w", err)
	}
	for i := range ports {
		ports[i].ServiceName = labels[LabelService]
	}

	return &model.ServiceContainer{
		RunID:     labels[LabelRunID],
		Workflow:  labels[LabelWorkflow],
		Job:       labels[LabelJob],
		Service:   labels[LabelService],
		Ports:     ports,
		StartedAt: startedAt,
	}, nil
}

// BuildPortLabel generates the label key for a specific container port:
//
//	BuildPortLabel(8080) → "gantry.port.8080"
func BuildPortLabel(containerPort int) string {
	return fmt.Sprintf("%s%d", LabelPortPrefix, containerPort)
}

// ParsePortLabels extracts the published port mappings from a label
// map. It scans for keys with the LabelPortPrefix, parsing the
// container port from the key suffix and the host port (with optional
// "/udp" protocol suffix) from the value.
//
// The result is sorted by container port so output does not depend on
// map iteration order. Returns an empty slice (not nil) when no port
// labels are present.
func ParsePortLabels(labels map[string]string) ([]model.ServicePort, error) {
	ports := make([]model.ServicePort, 0, 4)

	for key, value := range labels {
		if !strings.HasPrefix(key, LabelPortPrefix) {
			continue
		}

		portStr := strings.TrimPrefix(key, LabelPortPrefix)
		containerPort, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid container port in label key %q: %w", key, err)
		}

		proto := "tcp"
		if base, suffix, found := strings.Cut(value, "/"); found {
			value = base
			proto = suffix
		}
		hostPort, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid host port in label %q=%q: %w", key, labels[key], err)
		}

		ports = append(ports, model.ServicePort{
			ContainerPort: containerPort,
			HostPort:      hostPort,
			Protocol:      proto,
		})
	}

	sort.Slice(ports, func(i, j int) bool {
		return ports[i].ContainerPort < ports[j].ContainerPort
	})

	return ports, nil
}

// FilterLabels returns the label selector for containers managed by
// gantry, for use with the Docker API's list endpoint.
func FilterLabels() map[string]string {
	return map[string]string{
		LabelManagedBy: ManagedByValue,
	}
}
