package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/neuralsieve/relay/internal/model"
)

// Agent is the trusted local poller: it drains the relay's pending queue,
// drives the processing pipeline, and acknowledges successes. It carries no
// load-bearing state of its own — progress derives entirely from relay-side
// pending status, so it can crash and restart at any point and simply
// re-list and resume.
type Agent struct {
	client      *Client
	pipeline    Pipeline
	ledger      *Ledger
	logger      *slog.Logger
	interval    time.Duration
	batchLimit  int
	maxAttempts int
	wake        chan struct{}
}

// New creates an Agent. The ledger may be nil, which disables dedup and
// dead-lettering and yields the baseline at-least-once behavior.
func New(client *Client, pipeline Pipeline, ledger *Ledger, logger *slog.Logger, cfg Config) *Agent {
	cfg.applyDefaults()
	return &Agent{
		client:      client,
		pipeline:    pipeline,
		ledger:      ledger,
		logger:      logger,
		interval:    cfg.Interval,
		batchLimit:  cfg.BatchLimit,
		maxAttempts: cfg.MaxAttempts,
		wake:        make(chan struct{}, 1),
	}
}

// Wake triggers one extra poll cycle without waiting for the next tick.
// Safe to call from any goroutine; redundant wakes coalesce.
func (a *Agent) Wake() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled. Each cycle is independent: a failed fetch
// is logged and retried at the next tick, since nothing has been consumed.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent started", "interval", a.interval, "batch_limit", a.batchLimit)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		if _, err := a.RunOnce(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("poll cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			a.logger.Info("agent stopped")
			return nil
		case <-ticker.C:
		case <-a.wake:
		}
	}
}

// RunOnce performs a single poll cycle and returns the number of captures
// processed and acknowledged. A failure on one capture never blocks the rest
// of the batch.
func (a *Agent) RunOnce(ctx context.Context) (int, error) {
	captures, err := a.client.FetchPending(ctx, a.batchLimit)
	if err != nil {
		return 0, err
	}
	if len(captures) == 0 {
		return 0, nil
	}

	a.logger.Info("fetched pending captures", "count", len(captures))

	processed := 0
	for _, c := range captures {
		if ctx.Err() != nil {
			return processed, nil
		}
		if a.processOne(ctx, c) {
			processed++
		}
	}
	return processed, nil
}

// processOne runs the full lifecycle for one capture: ledger consult,
// pipeline invocation, ack. Returns true when the capture ended up
// acknowledged on the relay.
func (a *Agent) processOne(ctx context.Context, c model.Capture) bool {
	if a.ledger != nil {
		if dead, err := a.ledger.IsDead(ctx, c.ID); err == nil && dead {
			return false
		}

		done, err := a.ledger.IsProcessed(ctx, c.ID)
		if err != nil {
			a.logger.Warn("ledger lookup failed", "capture_id", c.ID, "error", err)
		}
		if done {
			// Pipeline already succeeded on an earlier cycle; the ack must
			// have been lost. Re-send it without reprocessing.
			return a.ack(ctx, c.ID)
		}
	}

	if err := a.pipeline.Process(ctx, c); err != nil {
		if ctx.Err() != nil {
			// Shutdown interrupted the pipeline; leave the capture pending
			// and unacked so the next run retries it.
			return false
		}
		a.recordFailure(ctx, c.ID, err)
		return false
	}

	if a.ledger != nil {
		if err := a.ledger.MarkProcessed(ctx, c.ID); err != nil {
			a.logger.Warn("ledger write failed", "capture_id", c.ID, "error", err)
		}
		if err := a.ledger.ClearFailure(ctx, c.ID); err != nil {
			a.logger.Warn("ledger clear failed", "capture_id", c.ID, "error", err)
		}
	}

	return a.ack(ctx, c.ID)
}

func (a *Agent) ack(ctx context.Context, captureID int64) bool {
	acked, err := a.client.Ack(ctx, captureID)
	if err != nil {
		// Transient network failure: the capture stays pending on the relay
		// and the ledger prevents reprocessing on the next cycle.
		a.logger.Warn("ack failed, will retry next cycle", "capture_id", captureID, "error", err)
		return false
	}
	if !acked {
		a.logger.Debug("capture already acknowledged", "capture_id", captureID)
		return false
	}
	a.logger.Info("capture processed and acknowledged", "capture_id", captureID)
	return true
}

func (a *Agent) recordFailure(ctx context.Context, captureID int64, cause error) {
	if a.ledger == nil {
		a.logger.Error("pipeline failed", "capture_id", captureID, "error", cause)
		return
	}

	attempts, err := a.ledger.RecordFailure(ctx, captureID, cause.Error())
	if err != nil {
		a.logger.Warn("ledger write failed", "capture_id", captureID, "error", err)
		a.logger.Error("pipeline failed", "capture_id", captureID, "error", cause)
		return
	}

	if a.maxAttempts > 0 && attempts >= a.maxAttempts {
		if err := a.ledger.MarkDead(ctx, captureID); err != nil {
			a.logger.Warn("ledger write failed", "capture_id", captureID, "error", err)
		}
		a.logger.Warn("capture dead-lettered after repeated pipeline failures",
			"capture_id", captureID, "attempts", attempts, "error", cause)
		return
	}

	a.logger.Error("pipeline failed", "capture_id", captureID, "attempts", attempts, "error", cause)
}
