// Command worker is the process entrypoint: it wires config, logging,
// the graph and LLM clients, and the extraction pipeline into a job-type
// registry, then either polls an injectable JobSource (run) or executes one
// job request once and exits (replay), matching the teacher's pattern of a
// thin cmd/ package that does nothing but construct and start its
// dependencies.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rhizalabs/kg-extractor/internal/config"
	"github.com/rhizalabs/kg-extractor/internal/graph"
	"github.com/rhizalabs/kg-extractor/internal/jobs"
	"github.com/rhizalabs/kg-extractor/internal/jobs/runtime"
	"github.com/rhizalabs/kg-extractor/internal/llm"
	"github.com/rhizalabs/kg-extractor/internal/observability"
	"github.com/rhizalabs/kg-extractor/internal/orchestrator"
	"github.com/rhizalabs/kg-extractor/internal/platform/logger"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "worker",
		Short: "Knowledge-graph extraction worker",
		Long: `worker claims extract_entities job requests, calls the LLM to pull
entities and relationships out of a chunk of text, deduplicates them against
the graph service, and posts the resulting additive updates.`,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Poll for job requests delivered as newline-delimited JSON on stdin",
		RunE:  runPoll,
	}
	rootCmd.AddCommand(runCmd)

	replayCmd := &cobra.Command{
		Use:   "replay <job.json>",
		Short: "Execute a single job request read from a file, then exit",
		Args:  cobra.ExactArgs(1),
		RunE:  runReplay,
	}
	rootCmd.AddCommand(replayCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// wired bundles the pieces every subcommand needs: config, logger, and a
// registry with the extraction pipeline already registered.
type wired struct {
	cfg      config.Config
	log      *logger.Logger
	registry *runtime.Registry
}

func wireUp() (*wired, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	graphClient := graph.NewClient(cfg.GraphAPIBase, log)
	llmClient := llm.NewClient(cfg.LLMEndpoint, cfg.LLMAPIKey, cfg.LLMModel, llm.Rates{
		PromptPerMillion:     cfg.LLMPromptRatePerMillion,
		CompletionPerMillion: cfg.LLMCompletionRatePerMillion,
	}, log)

	pipeline := orchestrator.New(graphClient, llmClient, log).
		WithCheckCreateConcurrency(cfg.CheckCreateConcurrency)

	registry := runtime.NewRegistry()
	if err := registry.Register(pipeline); err != nil {
		return nil, fmt.Errorf("register pipeline: %w", err)
	}

	return &wired{cfg: cfg, log: log, registry: registry}, nil
}

func runPoll(cmd *cobra.Command, args []string) error {
	w, err := wireUp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
	defer w.log.Sync()

	shutdown := observability.InitOTel(context.Background(), w.log, observability.OtelConfig{ServiceName: "kg-extractor"})
	defer func() { _ = shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		w.log.Info("shutdown signal received")
		cancel()
	}()

	source := newStdinJobSource(os.Stdin, w.log)
	worker := jobs.NewWorker(source, w.log, w.registry, stdoutNotifier{}, w.cfg.PollInterval)

	w.log.Info("worker starting", "poll_interval", w.cfg.PollInterval.String())
	worker.Start(ctx)
	<-ctx.Done()
	w.log.Info("worker stopped")
	return nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	w, err := wireUp()
	if err != nil {
		return err
	}
	defer w.log.Sync()

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read job file: %w", err)
	}
	var job runtime.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return fmt.Errorf("decode job file: %w", err)
	}

	h, ok := w.registry.Get(job.JobType)
	if !ok {
		return fmt.Errorf("no handler registered for job_type=%s", job.JobType)
	}

	jc := runtime.NewContext(context.Background(), &job, stdoutNotifier{}, w.log)
	if err := h.Run(jc); err != nil {
		jc.Fail(jc.Stage, err)
	}
	return nil
}

// stdinJobSource reads newline-delimited JSON job requests off a reader,
// one line per Next call. Next blocks until a complete line (or end of
// input) is read, and returns (nil, nil) once the input is exhausted;
// production job delivery is whatever JobSource the real worker-host
// substitutes in its place.
type stdinJobSource struct {
	scanner *bufio.Scanner
	log     *logger.Logger
}

func newStdinJobSource(r *os.File, log *logger.Logger) *stdinJobSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &stdinJobSource{scanner: scanner, log: log}
}

func (s *stdinJobSource) Next(ctx context.Context) (*runtime.Job, error) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var job runtime.Job
		if err := json.Unmarshal(line, &job); err != nil {
			s.log.Warn("stdin job source: malformed job line, skipped", "error", err)
			continue
		}
		return &job, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, nil
}

// stdoutNotifier writes job status as newline-delimited JSON to stdout, the
// side channel a wrapping worker-host process reads to track progress.
type stdoutNotifier struct{}

type notifierEvent struct {
	Event  string `json:"event"`
	JobID  string `json:"job_id"`
	Stage  string `json:"stage,omitempty"`
	Pct    int    `json:"pct,omitempty"`
	Msg    string `json:"msg,omitempty"`
	Result any    `json:"result,omitempty"`
}

func (stdoutNotifier) emit(ev notifierEvent) {
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(ev)
}

func (n stdoutNotifier) JobProgress(jobID, stage string, pct int, msg string) {
	n.emit(notifierEvent{Event: "progress", JobID: jobID, Stage: stage, Pct: pct, Msg: msg})
}

func (n stdoutNotifier) JobFailed(jobID, stage, msg string) {
	n.emit(notifierEvent{Event: "failed", JobID: jobID, Stage: stage, Msg: msg})
}

func (n stdoutNotifier) JobDone(jobID string, result any) {
	n.emit(notifierEvent{Event: "done", JobID: jobID, Result: result})
}
