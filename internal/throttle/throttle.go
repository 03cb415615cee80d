// Package throttle paces region writes against the live server's TPS signal.
// The policy is additive-increase/multiplicative-decrease: grow the batch one
// region at a time while the server is healthy, hold and delay when it
// degrades, halve and cool down when it goes critical. AIMD self-stabilizes
// under a noisy signal without needing a feedback loop faster than the
// sampling interval.
package throttle

import (
	"context"
	"time"

	"hotimportd/internal/config"
	"hotimportd/internal/perf"
)

// Health buckets for the last sample.
const (
	StateHealthy  = "healthy"
	StateDegraded = "degraded"
	StateCritical = "critical"
	StateUnknown  = "unknown"
)

// State is a read-only snapshot of the controller, exposed in job status.
type State struct {
	BatchSize  int     `json:"batch_size"`
	DelayMs    int     `json:"delay_ms"`
	LastTPS    float64 `json:"last_tps"`
	LastSample string  `json:"last_sample"` // healthy | degraded | critical | unknown
}

type Controller struct {
	cfg      config.Tuning
	src      perf.Source
	serverID string

	batch int
	delay time.Duration
	last  State

	// test seam
	sleep func(ctx context.Context, d time.Duration)
}

func NewController(cfg config.Tuning, src perf.Source, serverID string) *Controller {
	return &Controller{
		cfg:      cfg,
		src:      src,
		serverID: serverID,
		batch:    cfg.BatchInitial,
		sleep:    sleepCtx,
	}
}

// Next samples the performance signal, adjusts pacing and blocks for any
// required delay or cooldown. It returns the batch size the caller may
// release to the writer. A missing signal is treated as degraded, never as
// permission to speed up.
func (c *Controller) Next(ctx context.Context) (int, error) {
	sctx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.ProbeTimeoutMs)*time.Millisecond)
	tps, err := c.src.CurrentTPS(sctx, c.serverID)
	cancel()

	switch {
	case err != nil:
		c.last = State{BatchSize: c.batch, LastSample: StateUnknown}
		c.delay = time.Duration(c.cfg.InterBatchDelayMs) * time.Millisecond

	case tps >= c.cfg.TPSHealthy:
		// Additive increase.
		if c.batch < c.cfg.BatchMax {
			c.batch++
		}
		c.delay = 0
		c.last = State{BatchSize: c.batch, LastTPS: tps, LastSample: StateHealthy}

	case tps >= c.cfg.TPSCritical:
		// Hold batch size, delay proportional to the deficit.
		deficit := (c.cfg.TPSHealthy - tps) / (c.cfg.TPSHealthy - c.cfg.TPSCritical)
		c.delay = time.Duration(float64(c.cfg.InterBatchDelayMs)*deficit) * time.Millisecond
		c.last = State{BatchSize: c.batch, LastTPS: tps, LastSample: StateDegraded}

	default:
		// Multiplicative decrease with a floor of one region, then cool down.
		c.batch /= 2
		if c.batch < 1 {
			c.batch = 1
		}
		c.delay = time.Duration(c.cfg.CooldownMs) * time.Millisecond
		c.last = State{BatchSize: c.batch, LastTPS: tps, LastSample: StateCritical}
	}
	c.last.DelayMs = int(c.delay / time.Millisecond)

	if c.delay > 0 {
		c.sleep(ctx, c.delay)
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
	}
	return c.batch, nil
}

// Snapshot returns the pacing state after the most recent sample.
func (c *Controller) Snapshot() State { return c.last }

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
