package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"tradepost/internal/adapter/repo"
	"tradepost/internal/db"
	"tradepost/internal/domain"
	"tradepost/internal/infra"
	"tradepost/internal/realtime"
	"tradepost/internal/tracker"
)

const usage = `usage:
  jobctl migrate
  jobctl submit -owner <id> -file <steps.json> [-watch] [-timeout 10m]
  jobctl watch -batch <batch_id> [-timeout 10m]`

func main() {
	if len(os.Args) < 2 {
		exitWithError(errors.New(usage))
	}

	cfg, err := infra.LoadConfig()
	if err != nil {
		exitWithError(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "jobctl").With().Str("cmd", os.Args[1]).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "migrate":
		err = runMigrate(ctx, cfg, logger)
	case "submit":
		err = runSubmit(ctx, cfg, logger, os.Args[2:])
	case "watch":
		err = runWatch(ctx, cfg, logger, os.Args[2:])
	default:
		err = fmt.Errorf("unknown command %q\n%s", os.Args[1], usage)
	}
	if err != nil {
		exitWithError(err)
	}
}

func runMigrate(ctx context.Context, cfg *infra.Config, logger infra.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, infra.NewSQLRunner(pool, logger), cfg.RealtimeChannel); err != nil {
		return err
	}
	fmt.Printf("schema applied (realtime channel %s)\n", cfg.RealtimeChannel)
	return nil
}

func runSubmit(ctx context.Context, cfg *infra.Config, logger infra.Logger, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	owner := fs.String("owner", "", "owner id recorded on every job")
	file := fs.String("file", "", "JSON file with the pipeline steps (- for stdin)")
	watch := fs.Bool("watch", false, "follow the pipeline until it completes or fails")
	timeout := fs.Duration("timeout", 10*time.Minute, "maximum time to watch")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*owner) == "" || *file == "" {
		return errors.New("-owner and -file are required")
	}

	steps, err := readSteps(*file)
	if err != nil {
		return err
	}

	return withTracker(ctx, cfg, logger, *watch, func(ctx context.Context, jobs *repo.JobRepositoryPG, tr *tracker.PipelineTracker) error {
		res, err := tr.CreatePipeline(ctx, *owner, steps)
		var partial *domain.PartialBatchError
		if errors.As(err, &partial) {
			abandoned, abandonErr := jobs.AbandonBatch(context.WithoutCancel(ctx), partial.BatchID, "pipeline submission aborted")
			if abandonErr != nil {
				logger.Error().Err(abandonErr).Str("batch_id", partial.BatchID).Msg("jobctl: abandon failed")
			}
			return fmt.Errorf("%w (abandoned %d jobs)", err, len(abandoned))
		}
		if err != nil && res.BatchID == "" {
			return err
		}

		fmt.Printf("batch_id=%s\n", res.BatchID)
		for i, id := range res.JobIDs {
			fmt.Printf("step %d: job_id=%s\n", i, id)
		}
		if !*watch {
			return nil
		}
		if err != nil {
			return fmt.Errorf("created but cannot watch: %w", err)
		}
		return follow(ctx, tr, *timeout, os.Stdout)
	})
}

func runWatch(ctx context.Context, cfg *infra.Config, logger infra.Logger, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	batch := fs.String("batch", "", "batch id to follow")
	timeout := fs.Duration("timeout", 10*time.Minute, "maximum time to watch")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*batch) == "" {
		return errors.New("-batch is required")
	}

	return withTracker(ctx, cfg, logger, true, func(ctx context.Context, _ *repo.JobRepositoryPG, tr *tracker.PipelineTracker) error {
		if err := tr.Watch(ctx, *batch); err != nil {
			return err
		}
		if len(tr.Observe().Jobs) == 0 {
			return fmt.Errorf("batch %s not found", *batch)
		}
		return follow(ctx, tr, *timeout, os.Stdout)
	})
}

// withTracker opens the database and, when live is set, the realtime feed,
// then runs fn with a pipeline tracker bound to them.
func withTracker(ctx context.Context, cfg *infra.Config, logger infra.Logger, live bool, fn func(context.Context, *repo.JobRepositoryPG, *tracker.PipelineTracker) error) error {
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}
	defer pool.Close()

	jobs := repo.NewJobRepository(infra.NewSQLRunner(pool, logger))
	hub := realtime.NewHub(logger, cfg.TrackerEventBuffer)

	g, gctx := errgroup.WithContext(ctx)
	feedCtx, cancelFeed := context.WithCancel(gctx)
	defer cancelFeed()

	if live {
		closeFeed, err := realtime.StartFeed(feedCtx, g, cfg, pool, hub, logger)
		if err != nil {
			return err
		}
		defer closeFeed()
	}

	tr := tracker.NewPipelineTracker(jobs, hub, tracker.WithLogger(logger), tracker.WithEventBuffer(cfg.TrackerEventBuffer))
	defer tr.Dispose()

	runErr := fn(gctx, jobs, tr)
	cancelFeed()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && runErr == nil {
		runErr = err
	}
	return runErr
}

// follow prints pipeline snapshots as JSON lines until the pipeline settles.
func follow(ctx context.Context, tr *tracker.PipelineTracker, timeout time.Duration, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("stopped watching: %w", ctx.Err())
		case st := <-tr.Events():
			if err := enc.Encode(st); err != nil {
				return err
			}
			switch st.Status {
			case domain.PipelineStatusCompleted:
				return nil
			case domain.PipelineStatusFailed:
				return failedSummary(st)
			}
		}
	}
}

func failedSummary(st domain.PipelineState) error {
	var parts []string
	for _, j := range st.Failed() {
		msg := "unknown error"
		if j.ErrorMessage != nil {
			msg = *j.ErrorMessage
		}
		parts = append(parts, fmt.Sprintf("%s: %s", j.ID, msg))
	}
	return fmt.Errorf("pipeline %s failed: %s", st.BatchID, strings.Join(parts, "; "))
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
