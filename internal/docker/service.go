// service.go implements the container lifecycle for workflow service
// containers: ensuring images are present, creating and starting
// containers with gantry labels and published ports, probing TCP
// readiness, and discovering leftover containers for ps and cleanup.
//
// All managed containers carry the "gantry.managed-by" label, which
// separates them from unrelated containers on the same host.
package docker

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/go-connections/nat"

	"github.com/mmr-tortoise/gantry/internal/model"
)

// readyProbeInterval is the pause between TCP connection attempts while
// waiting for a service to become ready.
const readyProbeInterval = 500 * time.Millisecond

// EnsureImage makes sure an image is available locally according to the
// pull policy: PullAlways always pulls, PullNever requires the image to
// be present, and PullMissing (the default) pulls only when the image
// is absent.
//
// Pull progress is drained and discarded; callers log around the call
// because the raw progress stream is JSON meant for docker's own UI.
func EnsureImage(ctx context.Context, cli *Client, imageRef string, policy model.PullPolicy) error {
	if policy == "" {
		policy = model.PullMissing
	}

	if policy != model.PullAlways {
		present, err := imagePresent(ctx, cli, imageRef)
		if err != nil {
			return err
		}
		if present {
			return nil
		}
		if policy == model.PullNever {
			return fmt.Errorf("image %q is not present locally and the pull policy is %q", imageRef, model.PullNever)
		}
	}

	reader, err := cli.Inner().ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %q: %w", imageRef, err)
	}
	defer func() { _ = reader.Close() }()

	// The pull is only complete once the progress stream is fully
	// consumed; abandoning the reader early can abort the download.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed while pulling image %q: %w", imageRef, err)
	}
	return nil
}

// imagePresent reports whether an image reference exists locally.
func imagePresent(ctx context.Context, cli *Client, imageRef string) (bool, error) {
	summaries, err := cli.Inner().ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", imageRef)),
	})
	if err != nil {
		return false, fmt.Errorf("failed to list images: %w", err)
	}
	return len(summaries) > 0, nil
}

// ContainerName builds the deterministic container name for a service:
//
//	gantry-<run8>-<ordinal>-<job>-<service>
//
// where run8 is the first 8 characters of the run ID and the job
// display name is sanitized to Docker's allowed character set. The
// instance ordinal keeps names unique when two matrix entries sanitize
// to the same string.
func ContainerName(runID string, ordinal int, jobDisplay, service string) string {
	run8 := runID
	if len(run8) > 8 {
		run8 = run8[:8]
	}
	return fmt.Sprintf("gantry-%s-%d-%s-%s", run8, ordinal, sanitizeNamePart(jobDisplay), sanitizeNamePart(service))
}

// sanitizeNamePart lowercases a string and replaces every character
// Docker rejects in container names with a hyphen, collapsing runs.
func sanitizeNamePart(s string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(s) {
		valid := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '.' || r == '-'
		switch {
		case valid:
			b.WriteRune(r)
			lastHyphen = r == '-'
		case !lastHyphen:
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.Trim(b.String(), "-.")
}

// StartService creates and starts a service container. The
// ServiceContainer must carry the image, container name, resolved port
// mappings, and run metadata; on success its ContainerID and Status
// are filled in.
//
// Ports are published on all interfaces so the probing in WaitReady
// and the steps' own connections see the same address space Docker
// publishes to.
func StartService(ctx context.Context, cli *Client, sc *model.ServiceContainer, env map[string]string) error {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range sc.Ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		natPort, err := nat.NewPort(proto, strconv.Itoa(p.ContainerPort))
		if err != nil {
			return fmt.Errorf("invalid port %d/%s for service %q: %w", p.ContainerPort, proto, sc.Service, err)
		}
		exposed[natPort] = struct{}{}
		bindings[natPort] = []nat.PortBinding{{
			HostIP:   "0.0.0.0",
			HostPort: strconv.Itoa(p.HostPort),
		}}
	}

	// Sorted env keeps `docker inspect` output stable between runs.
	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}
	sort.Strings(envList)

	resp, err := cli.Inner().ContainerCreate(ctx,
		&container.Config{
			Image:        sc.Image,
			Env:          envList,
			Labels:       BuildServiceLabels(sc),
			ExposedPorts: exposed,
		},
		&container.HostConfig{
			PortBindings: bindings,
		},
		nil, nil, sc.ContainerName)
	if err != nil {
		return fmt.Errorf("failed to create container for service %q: %w", sc.Service, err)
	}

	if err := cli.Inner().ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Remove the half-created container so retries do not hit a
		// name conflict. Best effort: the start error is the one that
		// matters.
		_ = cli.Inner().ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("failed to start container for service %q: %w", sc.Service, err)
	}

	sc.ContainerID = resp.ID
	sc.Status = "running"
	return nil
}

// WaitReady blocks until every published TCP port of the service
// accepts connections, the timeout elapses, or the context is
// cancelled. UDP ports are not probed (there is no handshake to
// observe); a service with only UDP ports is considered ready as soon
// as it starts.
func WaitReady(ctx context.Context, sc *model.ServiceContainer, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for _, p := range sc.Ports {
		if p.Protocol == "udp" {
			continue
		}
		addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(p.HostPort))

		for {
			conn, err := net.DialTimeout("tcp", addr, time.Second)
			if err == nil {
				_ = conn.Close()
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf(
					"service %q did not accept connections on port %d within %s",
					sc.Service, p.HostPort, timeout,
				)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(readyProbeInterval):
			}
		}
	}
	return nil
}

// ListManagedContainers queries the Docker daemon for every container
// carrying the gantry management label, including stopped ones, and
// rebuilds the domain model from their labels.
//
// This is the sole discovery mechanism for ps and cleanup: there is no
// state file, so everything must be reconstructable from the daemon.
func ListManagedContainers(ctx context.Context, cli *Client) ([]model.ServiceContainer, error) {
	// Filtering server-side is cheaper than listing everything and
	// filtering in Go.
	filterArgs := filters.NewArgs(
		filters.Arg("label", LabelManagedBy+"="+ManagedByValue),
	)

	containers, err := cli.Inner().ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, model.WrapCLIError(
			model.ExitDockerNotRunning,
			"failed to list Docker containers",
			err,
		)
	}

	result := make([]model.ServiceContainer, 0, len(containers))
	for _, c := range containers {
		sc, err := containerToService(c)
		if err != nil {
			return nil, fmt.Errorf("container %q: %w", c.ID, err)
		}
		result = append(result, *sc)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartedAt.Equal(result[j].StartedAt) {
			return result[i].StartedAt.Before(result[j].StartedAt)
		}
		return result[i].ContainerName < result[j].ContainerName
	})

	return result, nil
}

// containerToService converts a Docker API container summary into the
// domain model, combining label-derived metadata with runtime state.
func containerToService(c types.Container) (*model.ServiceContainer, error) {
	sc, err := ParseServiceLabels(c.Labels)
	if err != nil {
		return nil, err
	}

	// Docker returns names with a leading "/" that is an API artifact,
	// not meaningful to users.
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}

	sc.ContainerID = c.ID
	sc.ContainerName = name
	sc.Image = c.Image
	sc.Status = c.State
	return sc, nil
}

// GroupContainersByRun organizes managed containers into per-run
// groups for display, ordered by the earliest container start within
// each run. Containers within a group are ordered by service name.
func GroupContainersByRun(containers []model.ServiceContainer) []model.RunGroup {
	byRun := make(map[string][]model.ServiceContainer)
	for _, c := range containers {
		byRun[c.RunID] = append(byRun[c.RunID], c)
	}

	groups := make([]model.RunGroup, 0, len(byRun))
	for runID, group := range byRun {
		sort.Slice(group, func(i, j int) bool {
			return group[i].Service < group[j].Service
		})
		groups = append(groups, model.RunGroup{
			RunID:      runID,
			Workflow:   group[0].Workflow,
			Containers: group,
		})
	}

	sort.Slice(groups, func(i, j int) bool {
		a, b := earliestStart(groups[i].Containers), earliestStart(groups[j].Containers)
		if !a.Equal(b) {
			return a.Before(b)
		}
		return groups[i].RunID < groups[j].RunID
	})

	return groups
}

// earliestStart returns the oldest start timestamp within a group.
func earliestStart(containers []model.ServiceContainer) time.Time {
	earliest := containers[0].StartedAt
	for _, c := range containers[1:] {
		if c.StartedAt.Before(earliest) {
			earliest = c.StartedAt
		}
	}
	return earliest
}

// StopContainer stops a running container by ID. Docker sends SIGTERM
// to the container's main process and escalates to SIGKILL after its
// default timeout (10 seconds).
func StopContainer(ctx context.Context, cli *Client, containerID string) error {
	err := cli.Inner().ContainerStop(ctx, containerID, container.StopOptions{})
	if err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to stop container %q", containerID),
			err,
		)
	}
	return nil
}

// RemoveContainer removes a container by ID. The container must be
// stopped first unless force is true, in which case Docker kills it
// before removal. cleanup uses force so a wedged service cannot block
// reclaiming its ports.
func RemoveContainer(ctx context.Context, cli *Client, containerID string, force bool) error {
	err := cli.Inner().ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force: force,
	})
	if err != nil {
		return model.WrapCLIError(
			model.ExitDockerNotRunning,
			fmt.Sprintf("failed to remove container %q", containerID),
			err,
		)
	}
	return nil
}
