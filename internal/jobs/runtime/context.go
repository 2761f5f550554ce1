// Package runtime is the execution contract between the worker-host poll
// loop and job handlers. runtime.Context is a capability-scoped execution
// handle for a single job run; handlers report progress, failure, and
// success only through it, never by reaching into host state directly. The
// teacher's Context additionally owned a GORM-backed job_run row; that
// persistence belongs to the worker-host runtime, which spec.md §1 puts out
// of scope, so this Context keeps only the reporting shape.
package runtime

import (
	"context"
	"time"

	"github.com/rhizalabs/kg-extractor/internal/pkg/pointers"
	"github.com/rhizalabs/kg-extractor/internal/platform/logger"
)

// Job is one job request as delivered by the worker-host (spec.md §6.1).
type Job struct {
	JobID            string         `json:"job_id"`
	JobType          string         `json:"job_type"`
	JobCollection    string         `json:"job_collection"`
	TargetEntity     string         `json:"target_entity"`
	TargetCollection string         `json:"target_collection"`
	APIBase          string         `json:"api_base"`
	Network          string         `json:"network"`
	Rhiza            map[string]any `json:"rhiza,omitempty"`
}

// Notifier is the side-channel a host may use to observe job progress. A
// nil Notifier is valid; Context then degrades to log-only reporting.
type Notifier interface {
	JobProgress(jobID, stage string, pct int, msg string)
	JobFailed(jobID, stage, msg string)
	JobDone(jobID string, result any)
}

// Context wraps the one job run a handler is executing.
type Context struct {
	Ctx    context.Context
	Job    *Job
	Notify Notifier

	// Stage mirrors the most recent Progress/Fail/Succeed call and Pct the
	// most recent Progress/Succeed call (Fail leaves Pct unchanged), for
	// handlers or tests that want to inspect the last reported state.
	Stage string
	Pct   int

	log *logger.Logger
}

// NewContext constructs a runtime.Context for one claimed job.
func NewContext(ctx context.Context, job *Job, notify Notifier, log *logger.Logger) *Context {
	return &Context{
		Ctx:    ctx,
		Job:    job,
		Notify: notify,
		log:    log.With("job_id", jobField(job, func(j *Job) string { return j.JobID }), "job_type", jobField(job, func(j *Job) string { return j.JobType })),
	}
}

func jobField(j *Job, get func(*Job) string) string {
	if j == nil {
		return ""
	}
	return get(j)
}

// RhizaString reads an optional string field out of the job's host-specific
// workflow context (spec.md §6.1's "rhiza" field), returning "" when the
// job, the field, or its type don't line up.
func (c *Context) RhizaString(key string) string {
	if c == nil || c.Job == nil || c.Job.Rhiza == nil {
		return ""
	}
	v, ok := c.Job.Rhiza[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// RhizaFloat64 reads an optional numeric field out of the job's
// host-specific workflow context (e.g. a per-job LLM temperature
// override), returning nil when the job, the field, or its type don't
// line up. JSON numbers decode to float64, so this covers ints too.
func (c *Context) RhizaFloat64(key string) *float64 {
	if c == nil || c.Job == nil || c.Job.Rhiza == nil {
		return nil
	}
	v, ok := c.Job.Rhiza[key]
	if !ok {
		return nil
	}
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	return pointers.Float64(f)
}

// Progress reports a non-terminal status update: always logged, forwarded
// to Notify when one is set.
func (c *Context) Progress(stage string, pct int, msg string) {
	if c == nil {
		return
	}
	c.Stage = stage
	c.Pct = pct
	c.log.Info("job progress", "stage", stage, "progress", pct, "message", msg)
	if c.Notify != nil {
		c.Notify.JobProgress(jobField(c.Job, func(j *Job) string { return j.JobID }), stage, pct, msg)
	}
}

// Fail reports a terminal failure: always logged, forwarded to Notify when
// set. Handlers return nil from Run after calling Fail, since the poll loop
// calls Fail again for any non-nil error Run returns.
func (c *Context) Fail(stage string, err error) {
	if c == nil {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.Stage = stage
	c.log.Error("job failed", "stage", stage, "error", msg)
	if c.Notify != nil {
		c.Notify.JobFailed(jobField(c.Job, func(j *Job) string { return j.JobID }), stage, msg)
	}
}

// Succeed reports terminal success with a result payload (spec.md §6.4: the
// list of newly created entity ids).
func (c *Context) Succeed(finalStage string, result any) {
	if c == nil {
		return
	}
	c.Stage = finalStage
	c.Pct = 100
	c.log.Info("job succeeded", "stage", finalStage, "completed_at", time.Now().UTC().Format(time.RFC3339), "result", result)
	if c.Notify != nil {
		c.Notify.JobDone(jobField(c.Job, func(j *Job) string { return j.JobID }), result)
	}
}
