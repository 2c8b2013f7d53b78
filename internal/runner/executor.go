// executor.go runs one job instance end to end: host ports allocated,
// service containers started and probed, steps executed through the
// shell, services torn down in every path.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmr-tortoise/gantry/internal/docker"
	"github.com/mmr-tortoise/gantry/internal/expr"
	"github.com/mmr-tortoise/gantry/internal/model"
	"github.com/mmr-tortoise/gantry/internal/plan"
	"github.com/mmr-tortoise/gantry/internal/port"
	"github.com/mmr-tortoise/gantry/internal/shell"
	"github.com/mmr-tortoise/gantry/internal/workflow"
)

// teardownTimeout bounds service container removal after a job. It is
// independent of the job's own context, which may already be cancelled
// by the time teardown runs.
const teardownTimeout = 30 * time.Second

// JobExecutor runs individual job instances. One executor is shared by
// every instance of a run; its fields are read-only during execution
// except for the allocator, which allocMu serializes.
type JobExecutor struct {
	// Docker is the daemon client used for service containers. May be
	// nil when no job under execution declares services; a job that
	// does declare services then fails cleanly.
	Docker *docker.Client

	// Allocator hands out host ports for service containers.
	Allocator *port.Allocator

	// Logger receives engine-level events. Nil disables logging.
	Logger *zap.Logger

	// Console receives prefixed job output for interactive runs. Nil
	// keeps output in log files only.
	Console *Console

	// Workspace is the absolute directory jobs execute in.
	Workspace string

	// LogsDir is the directory run logs are written under, typically
	// <workspace>/.gantry/logs.
	LogsDir string

	// DefaultShell interprets steps that do not declare a shell.
	// Empty falls through to bash.
	DefaultShell model.ShellKind

	// BaseEnv is the runner configuration's env map, layered over the
	// process environment for every job.
	BaseEnv map[string]string

	// Pull is the image pull policy for service images.
	Pull model.PullPolicy

	// allocMu serializes port allocation: matrix instances execute
	// concurrently but the allocator's bookkeeping is not
	// goroutine-safe.
	allocMu sync.Mutex
}

func (e *JobExecutor) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// Execute runs one job instance and reports its outcome.
//
// Step failures and service problems are job outcomes, recorded in
// the result. The error return is reserved for failures that should
// abort the run with a specific exit code, currently port allocation.
func (e *JobExecutor) Execute(ctx context.Context, runID string, instance *plan.JobInstance) (*model.JobResult, error) {
	job := instance.Job
	result := &model.JobResult{
		Workflow:    instance.WorkflowName,
		Job:         instance.JobName,
		DisplayName: instance.DisplayName,
		Matrix:      instance.Matrix,
		Status:      model.StatusRunning,
		StartedAt:   time.Now(),
	}
	log := e.logger().With(
		zap.String("run_id", runID),
		zap.String("workflow", instance.WorkflowName),
		zap.String("job", instance.DisplayName),
	)

	if job.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(job.TimeoutMinutes)*time.Minute)
		defer cancel()
	}

	// Step 1: open the job's log sink.
	logPath := filepath.Join(e.LogsDir, runID, logFileName(instance.DisplayName))
	sink, err := NewJobSink(logPath, "["+instance.DisplayName+"] ", e.Console)
	if err != nil {
		return e.fail(result, err.Error()), nil
	}
	defer func() { _ = sink.Close() }()
	result.LogPath = logPath
	if rel, relErr := filepath.Rel(e.Workspace, logPath); relErr == nil && !strings.HasPrefix(rel, "..") {
		result.LogPath = rel
	}

	log.Info("job started", zap.Int("slot", instance.Slot), zap.Int("steps", len(job.Steps)))

	// Step 2: allocate host ports for the declared services.
	servicePorts, err := e.allocatePorts(job, instance.Slot)
	if err != nil {
		e.fail(result, err.Error())
		return result, model.WrapCLIError(
			model.ExitPortAllocationFailed,
			fmt.Sprintf("job %q: port allocation failed", instance.DisplayName),
			err,
		)
	}
	for _, name := range sortedServiceNames(job.Services) {
		result.Services = append(result.Services, servicePorts[name]...)
	}

	// Step 3: build the layered environment. Workflow and job env
	// values may reference matrix values and allocated service ports,
	// so this happens after allocation.
	envView, overlays, err := e.buildEnv(runID, instance, servicePorts)
	if err != nil {
		return e.fail(result, err.Error()), nil
	}
	exprCtx := &expr.Context{
		Matrix:       instance.Matrix,
		Env:          envView,
		ServicePorts: portIndex(servicePorts),
		Workflow:     instance.WorkflowName,
		Job:          instance.DisplayName,
		RunID:        runID,
		Workspace:    e.Workspace,
	}

	// Step 4: start service containers and wait for readiness. The
	// teardown is deferred immediately so partially started services
	// are removed on every path, including cancellation.
	started, svcErr := e.startServices(ctx, runID, instance, servicePorts, exprCtx, sink, log)
	defer e.teardownServices(started, log)
	if svcErr != nil {
		if errors.Is(svcErr, context.Canceled) {
			result.Status = model.StatusCancelled
			result.FinishedAt = time.Now()
			return result, nil
		}
		return e.fail(result, svcErr.Error()), nil
	}

	// Step 5: run the steps in order. A failed step skips the rest of
	// the job unless a later step declares if: always(); a failed step
	// with continue-on-error does not fail the job.
	jobFailed := false
	cancelled := false
	result.Steps = make([]model.StepResult, 0, len(job.Steps))
	for i := range job.Steps {
		step := &job.Steps[i]
		sr := model.StepResult{Name: step.DisplayName(), Status: model.StatusPending}

		// A cancelled run marks the remaining steps cancelled; an
		// elapsed job deadline fails the job and skips them. Both are
		// observed here rather than inside runStep so the distinction
		// survives into the per-step statuses.
		if cancelled || errors.Is(ctx.Err(), context.Canceled) {
			cancelled = true
			sr.Status = model.StatusCancelled
			result.Steps = append(result.Steps, sr)
			continue
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			jobFailed = true
			sr.Status = model.StatusSkipped
			result.Steps = append(result.Steps, sr)
			continue
		}
		if jobFailed && step.If != "always()" {
			sr.Status = model.StatusSkipped
			result.Steps = append(result.Steps, sr)
			continue
		}

		e.runStep(ctx, step, &sr, exprCtx, overlays, sink, log)
		result.Steps = append(result.Steps, sr)

		switch sr.Status {
		case model.StatusCancelled:
			cancelled = true
		case model.StatusFailure:
			if step.ContinueOnError {
				sink.Line(shell.StreamStderr, "step failed, continuing (continue-on-error)")
			} else if !jobFailed {
				jobFailed = true
				result.ExitCode = sr.ExitCode
			}
		}
	}

	// Step 6: finalize the job outcome.
	result.FinishedAt = time.Now()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && result.Error == "" {
		result.Error = "timed out"
	}
	switch {
	case cancelled:
		result.Status = model.StatusCancelled
	case jobFailed:
		result.Status = model.StatusFailure
	default:
		result.Status = model.StatusSuccess
	}
	log.Info("job finished",
		zap.String("status", result.Status.String()),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", result.Duration()),
	)
	return result, nil
}

// fail marks a job-level failure that happened outside any step.
func (e *JobExecutor) fail(result *model.JobResult, msg string) *model.JobResult {
	result.Status = model.StatusFailure
	result.Error = msg
	result.FinishedAt = time.Now()
	return result
}

// allocatePorts resolves host ports for every port declaration across
// the job's services, as a single batch so the declarations cannot
// collide with each other.
func (e *JobExecutor) allocatePorts(job *workflow.Job, slot int) (map[string][]model.ServicePort, error) {
	if len(job.Services) == 0 {
		return nil, nil
	}

	names := sortedServiceNames(job.Services)
	requests := make([]model.ServicePort, 0, 4)
	for _, name := range names {
		svc := job.Services[name]
		for _, p := range svc.Ports {
			requests = append(requests, model.ServicePort{
				ServiceName:   name,
				ContainerPort: p.Container,
				HostPort:      p.Host,
				Protocol:      p.Protocol,
			})
		}
	}

	byService := make(map[string][]model.ServicePort, len(names))
	if len(requests) > 0 {
		e.allocMu.Lock()
		allocated, err := e.Allocator.AllocatePorts(requests, slot)
		e.allocMu.Unlock()
		if err != nil {
			return nil, err
		}
		for _, p := range allocated {
			byService[p.ServiceName] = append(byService[p.ServiceName], p)
		}
	}
	// Services without ports still get an entry so expression errors
	// name the missing port, not a missing service.
	for _, name := range names {
		if _, ok := byService[name]; !ok {
			byService[name] = nil
		}
	}
	return byService, nil
}

// buildEnv constructs the job's environment in layers:
//
//	process < config < workflow < job < matrix < service ports < built-ins
//
// Later layers win for duplicate keys, and step env (applied at step
// time) wins over all of these. Workflow and job values are expanded
// against the layers below them, so a job can reference ${{ env.X }}
// set by the workflow but not a sibling key in the same block.
//
// It returns the merged view (for expression resolution) and the
// overlay list (for constructing each step's process environment).
func (e *JobExecutor) buildEnv(runID string, instance *plan.JobInstance, servicePorts map[string][]model.ServicePort) (map[string]string, []map[string]string, error) {
	view := environMap(os.Environ())
	base := expr.Context{
		Matrix:       instance.Matrix,
		ServicePorts: portIndex(servicePorts),
		Workflow:     instance.WorkflowName,
		Job:          instance.DisplayName,
		RunID:        runID,
		Workspace:    e.Workspace,
	}

	overlays := make([]map[string]string, 0, 6)
	addLayer := func(layer map[string]string, expand bool) error {
		if len(layer) == 0 {
			return nil
		}
		resolved := layer
		if expand {
			snapshot := base
			snapshot.Env = copyMap(view)
			resolved = make(map[string]string, len(layer))
			for _, k := range sortedKeys(layer) {
				v, err := expr.Expand(layer[k], &snapshot)
				if err != nil {
					return err
				}
				resolved[k] = v
			}
		}
		overlays = append(overlays, resolved)
		for k, v := range resolved {
			view[k] = v
		}
		return nil
	}

	if err := addLayer(e.BaseEnv, false); err != nil {
		return nil, nil, err
	}
	if err := addLayer(instance.Workflow.Env, true); err != nil {
		return nil, nil, err
	}
	if err := addLayer(instance.Job.Env, true); err != nil {
		return nil, nil, err
	}
	_ = addLayer(matrixVars(instance.Matrix), false)
	_ = addLayer(servicePortVars(servicePorts), false)
	_ = addLayer(map[string]string{
		"CI":               "true",
		"GANTRY":           "true",
		"GANTRY_RUN_ID":    runID,
		"GANTRY_WORKFLOW":  instance.WorkflowName,
		"GANTRY_JOB":       instance.DisplayName,
		"GANTRY_WORKSPACE": e.Workspace,
	}, false)

	return view, overlays, nil
}

// startServices brings up the job's service containers in name order.
// It returns every container that reached the started state, even on
// error, so the caller can tear them all down.
func (e *JobExecutor) startServices(ctx context.Context, runID string, instance *plan.JobInstance, servicePorts map[string][]model.ServicePort, exprCtx *expr.Context, sink *JobSink, log *zap.Logger) ([]*model.ServiceContainer, error) {
	job := instance.Job
	names := sortedServiceNames(job.Services)
	started := make([]*model.ServiceContainer, 0, len(names))

	for _, name := range names {
		svc := job.Services[name]
		if e.Docker == nil {
			return started, fmt.Errorf("service %q requires Docker, but no Docker client is configured", name)
		}

		env, err := expandEnvMap(svc.Env, exprCtx)
		if err != nil {
			return started, err
		}

		sink.Section("Starting service " + name + " (" + svc.Image + ")")
		if err := docker.EnsureImage(ctx, e.Docker, svc.Image, e.Pull); err != nil {
			return started, err
		}

		sc := &model.ServiceContainer{
			ContainerName: docker.ContainerName(runID, instance.Ordinal, instance.DisplayName, name),
			RunID:         runID,
			Workflow:      instance.WorkflowName,
			Job:           instance.DisplayName,
			Service:       name,
			Image:         svc.Image,
			Ports:         servicePorts[name],
			StartedAt:     time.Now(),
		}
		if err := docker.StartService(ctx, e.Docker, sc, env); err != nil {
			return started, err
		}
		started = append(started, sc)
		log.Info("service started",
			zap.String("service", name),
			zap.String("container", sc.ContainerID),
		)

		if err := docker.WaitReady(ctx, sc, svc.StartupWait()); err != nil {
			return started, err
		}
		sink.Line(shell.StreamStdout, "service "+name+" is ready")
	}
	return started, nil
}

// teardownServices force-removes the job's service containers. It uses
// its own context so cleanup still happens after cancellation, and
// failures are logged rather than propagated: a leftover container is
// recoverable via gantry cleanup.
func (e *JobExecutor) teardownServices(started []*model.ServiceContainer, log *zap.Logger) {
	if len(started) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	for _, sc := range started {
		if err := docker.RemoveContainer(ctx, e.Docker, sc.ContainerID, true); err != nil {
			log.Warn("failed to remove service container",
				zap.String("service", sc.Service),
				zap.String("container", sc.ContainerID),
				zap.Error(err),
			)
			continue
		}
		log.Info("service removed", zap.String("service", sc.Service))
	}
}

// runStep executes one step and fills in its result.
func (e *JobExecutor) runStep(ctx context.Context, step *workflow.Step, sr *model.StepResult, exprCtx *expr.Context, overlays []map[string]string, sink *JobSink, log *zap.Logger) {
	sr.StartedAt = time.Now()
	sr.Status = model.StatusRunning
	sink.Section(sr.Name)
	log.Debug("step started", zap.String("step", sr.Name))

	fail := func(msg string) {
		sr.Status = model.StatusFailure
		sr.Error = msg
		sr.FinishedAt = time.Now()
		sink.Line(shell.StreamStderr, msg)
	}

	script, err := expr.Expand(step.Run, exprCtx)
	if err != nil {
		fail(err.Error())
		return
	}

	workdir := e.Workspace
	if step.WorkingDirectory != "" {
		wd, err := expr.Expand(step.WorkingDirectory, exprCtx)
		if err != nil {
			fail(err.Error())
			return
		}
		if !filepath.IsAbs(wd) {
			wd = filepath.Join(e.Workspace, wd)
		}
		workdir = wd
	}

	kind := e.DefaultShell
	if step.Shell != "" {
		parsed, err := model.ParseShellKind(step.Shell)
		if err != nil {
			fail(err.Error())
			return
		}
		kind = parsed
	}

	stepEnv, err := expandEnvMap(step.Env, exprCtx)
	if err != nil {
		fail(err.Error())
		return
	}
	layers := make([]map[string]string, 0, len(overlays)+1)
	layers = append(layers, overlays...)
	layers = append(layers, stepEnv)

	var timeout time.Duration
	if step.TimeoutMinutes > 0 {
		timeout = time.Duration(step.TimeoutMinutes) * time.Minute
	}

	res, runErr := shell.Run(ctx, shell.Spec{
		Script:  script,
		Shell:   kind,
		Dir:     workdir,
		Env:     shell.MergeEnv(os.Environ(), layers...),
		Timeout: timeout,
	}, sink.Line)
	if res == nil {
		res = &shell.Result{ExitCode: -1}
	}

	sr.FinishedAt = time.Now()
	switch {
	case errors.Is(runErr, context.Canceled):
		sr.Status = model.StatusCancelled
		sr.ExitCode = res.ExitCode
	case errors.Is(runErr, context.DeadlineExceeded):
		sr.Status = model.StatusFailure
		sr.ExitCode = res.ExitCode
		sr.Error = fmt.Sprintf("timed out after %s", res.Duration.Round(time.Millisecond))
		sink.Line(shell.StreamStderr, sr.Error)
	case runErr != nil:
		sr.Status = model.StatusFailure
		sr.ExitCode = res.ExitCode
		sr.Error = runErr.Error()
		sink.Line(shell.StreamStderr, sr.Error)
	case res.ExitCode != 0:
		sr.Status = model.StatusFailure
		sr.ExitCode = res.ExitCode
		sr.Error = fmt.Sprintf("exit code %d", res.ExitCode)
	default:
		sr.Status = model.StatusSuccess
	}
	log.Debug("step finished",
		zap.String("step", sr.Name),
		zap.String("status", sr.Status.String()),
		zap.Int("exit_code", sr.ExitCode),
	)
}

// expandEnvMap expands every value of an env block against the job's
// expression context.
func expandEnvMap(env map[string]string, exprCtx *expr.Context) (map[string]string, error) {
	if len(env) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(env))
	for _, k := range sortedKeys(env) {
		v, err := expr.Expand(env[k], exprCtx)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// matrixVars exposes the instance's matrix entry as GANTRY_MATRIX_*
// environment variables.
func matrixVars(matrix map[string]string) map[string]string {
	vars := make(map[string]string, len(matrix))
	for axis, value := range matrix {
		vars["GANTRY_MATRIX_"+envKey(axis)] = value
	}
	return vars
}

// servicePortVars exposes allocated host ports as GANTRY_SERVICE_*
// environment variables, one per published container port.
func servicePortVars(servicePorts map[string][]model.ServicePort) map[string]string {
	vars := map[string]string{}
	for name, ports := range servicePorts {
		for _, p := range ports {
			key := fmt.Sprintf("GANTRY_SERVICE_%s_%d", envKey(name), p.ContainerPort)
			vars[key] = strconv.Itoa(p.HostPort)
		}
	}
	return vars
}

// envKey uppercases a name and maps every character that cannot appear
// in an environment variable name to an underscore, so the axis
// "python-version" becomes PYTHON_VERSION.
func envKey(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// environMap converts KEY=VALUE pairs into a map.
func environMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return m
}

// portIndex reshapes allocations into the service → container port →
// host port lookup the expression resolver uses.
func portIndex(servicePorts map[string][]model.ServicePort) map[string]map[int]int {
	idx := make(map[string]map[int]int, len(servicePorts))
	for name, ports := range servicePorts {
		byContainer := make(map[int]int, len(ports))
		for _, p := range ports {
			byContainer[p.ContainerPort] = p.HostPort
		}
		idx[name] = byContainer
	}
	return idx
}

func sortedServiceNames(services map[string]workflow.Service) []string {
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
