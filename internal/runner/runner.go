// Package runner executes workflow plans: service containers, step
// processes, dependency ordering, matrix concurrency, and fail-fast
// cancellation.
//
// The runner consumes a plan.Plan and produces one model.RunResult per
// matched workflow. Workflows execute sequentially; within a workflow,
// jobs execute level by level in needs order, and instances inside a
// level run concurrently up to the configured parallelism. A job whose
// dependency did not succeed is skipped; a matrix instance failure
// cancels its siblings when the job's fail-fast is enabled (the
// default).
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mmr-tortoise/gantry/internal/model"
	"github.com/mmr-tortoise/gantry/internal/plan"
	"github.com/mmr-tortoise/gantry/internal/trigger"
)

// Runner drives a plan to completion.
type Runner struct {
	// Executor runs the individual job instances.
	Executor *JobExecutor

	// Logger receives engine-level events. Nil disables logging.
	Logger *zap.Logger

	// MaxParallel caps concurrently running job instances within a
	// level, before any per-job strategy.max-parallel narrows it
	// further. Values below 1 are treated as 1.
	MaxParallel int
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Run executes every matched workflow in the plan sequentially and
// returns their results in plan order.
//
// Ordinary job failures are reported through the results, and later
// workflows still run after an earlier one fails: workflows are
// independent pipelines. The error return carries the first
// infrastructure failure with a specific exit code (port allocation);
// cancellation makes the remaining work come back marked cancelled.
func (r *Runner) Run(ctx context.Context, p *plan.Plan) ([]model.RunResult, error) {
	results := make([]model.RunResult, 0, len(p.Workflows))
	var firstErr error

	for _, wp := range p.Workflows {
		res, err := r.runWorkflow(ctx, wp, p.Event)
		results = append(results, res)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return results, firstErr
}

// runWorkflow executes one workflow's levels in order under a fresh
// run ID.
func (r *Runner) runWorkflow(ctx context.Context, wp *plan.WorkflowPlan, ev trigger.Event) (model.RunResult, error) {
	runID := uuid.NewString()
	log := r.logger().With(
		zap.String("run_id", runID),
		zap.String("workflow", wp.Name),
	)
	result := model.RunResult{
		ID:        runID,
		Workflow:  wp.Name,
		Event:     ev.Type,
		Branch:    ev.Branch,
		Status:    model.StatusRunning,
		StartedAt: time.Now(),
	}

	log.Info("run started",
		zap.String("event", ev.String()),
		zap.Int("levels", len(wp.Levels)),
		zap.Int("instances", len(wp.Instances())),
	)

	// jobStatus collects instance outcomes per declared job name; the
	// needs gate consults it before each dependent level.
	jobStatus := make(map[string][]model.RunStatus)

	var firstErr error
	for _, level := range wp.Levels {
		if err := r.runLevel(ctx, runID, level, jobStatus, &result); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	result.Finalize()
	result.FinishedAt = time.Now()
	log.Info("run finished",
		zap.String("status", result.Status.String()),
		zap.Duration("duration", result.Duration()),
	)
	return result, firstErr
}

// jobGroup holds the shared cancellation and concurrency state for
// all matrix instances of one job within a level.
type jobGroup struct {
	ctx      context.Context
	cancel   context.CancelFunc
	sem      *semaphore.Weighted
	failFast bool
}

// runLevel executes one dependency level. Instances run concurrently
// via an errgroup bounded by the runner's MaxParallel; instances of a
// job that declares strategy.max-parallel additionally contend on a
// per-job semaphore.
func (r *Runner) runLevel(ctx context.Context, runID string, level []*plan.JobInstance, jobStatus map[string][]model.RunStatus, result *model.RunResult) error {
	// Results land in plan order regardless of completion order.
	start := len(result.Jobs)
	result.Jobs = append(result.Jobs, make([]model.JobResult, len(level))...)

	limit := r.MaxParallel
	if limit < 1 {
		limit = 1
	}
	var eg errgroup.Group
	eg.SetLimit(limit)

	// One cancellation scope per job name: a fail-fast failure stops
	// that job's other matrix instances without touching its level
	// neighbours.
	groups := make(map[string]*jobGroup)
	for _, inst := range level {
		if _, ok := groups[inst.JobName]; ok {
			continue
		}
		gctx, gcancel := context.WithCancel(ctx)
		g := &jobGroup{ctx: gctx, cancel: gcancel, failFast: inst.Job.Strategy.FailFastEnabled()}
		if s := inst.Job.Strategy; s != nil && s.MaxParallel > 0 {
			g.sem = semaphore.NewWeighted(int64(s.MaxParallel))
		}
		groups[inst.JobName] = g
	}
	defer func() {
		for _, g := range groups {
			g.cancel()
		}
	}()

	var mu sync.Mutex
	var firstErr error
	record := func(idx int, inst *plan.JobInstance, res model.JobResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		result.Jobs[start+idx] = res
		jobStatus[inst.JobName] = append(jobStatus[inst.JobName], res.Status)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for i, inst := range level {
		// The needs gate: a dependency that failed, was skipped, or
		// was cancelled skips this instance without executing it. When
		// the whole run is being cancelled the instance reads
		// cancelled instead, matching what its dependency reported.
		if blockedBy := unmetNeed(inst.Job.Needs, jobStatus); blockedBy != "" {
			if ctx.Err() != nil {
				record(i, inst, cancelledResult(inst), nil)
			} else {
				record(i, inst, skippedResult(inst, blockedBy), nil)
			}
			continue
		}

		g := groups[inst.JobName]
		idx, instance := i, inst
		eg.Go(func() error {
			if g.sem != nil {
				if err := g.sem.Acquire(g.ctx, 1); err != nil {
					record(idx, instance, cancelledResult(instance), nil)
					return nil
				}
				defer g.sem.Release(1)
			}
			if g.ctx.Err() != nil {
				record(idx, instance, cancelledResult(instance), nil)
				return nil
			}

			res, err := r.Executor.Execute(g.ctx, runID, instance)
			record(idx, instance, *res, err)

			if g.failFast && (err != nil || res.Status == model.StatusFailure) {
				g.cancel()
			}
			return nil
		})
	}

	_ = eg.Wait()
	return firstErr
}

// unmetNeed returns the name of the first dependency that did not
// succeed, or the empty string when every need is satisfied. A
// dependency that never produced an outcome (cancelled before its
// level ran) also blocks.
func unmetNeed(needs []string, jobStatus map[string][]model.RunStatus) string {
	for _, need := range needs {
		statuses, ran := jobStatus[need]
		if !ran || len(statuses) == 0 {
			return need
		}
		for _, s := range statuses {
			if s != model.StatusSuccess {
				return need
			}
		}
	}
	return ""
}

// skippedResult records an instance that never ran because a
// dependency did not succeed.
func skippedResult(inst *plan.JobInstance, blockedBy string) model.JobResult {
	now := time.Now()
	return model.JobResult{
		Workflow:    inst.WorkflowName,
		Job:         inst.JobName,
		DisplayName: inst.DisplayName,
		Matrix:      inst.Matrix,
		Status:      model.StatusSkipped,
		Error:       fmt.Sprintf("dependency %q did not succeed", blockedBy),
		StartedAt:   now,
		FinishedAt:  now,
	}
}

// cancelledResult records an instance that was cancelled before it
// started executing.
func cancelledResult(inst *plan.JobInstance) model.JobResult {
	now := time.Now()
	return model.JobResult{
		Workflow:    inst.WorkflowName,
		Job:         inst.JobName,
		DisplayName: inst.DisplayName,
		Matrix:      inst.Matrix,
		Status:      model.StatusCancelled,
		StartedAt:   now,
		FinishedAt:  now,
	}
}
