package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"nudge/internal/config"
	"nudge/internal/engine"
	"nudge/internal/events"
	"nudge/internal/notify"
)

// Runner is the cycle clock: it invokes the engine's batch computations on a
// schedule and hands the rendered payloads to the dispatcher. The engine
// stays agnostic to whether triggers are periodic-short (interval mode, for
// testing) or calendar-based (production weekday/hour slots).
type Runner struct {
	Engine     *engine.Engine
	Dispatcher notify.Dispatcher
	Config     *config.Config
	Now        func() time.Time

	fired map[string]bool
}

func New(e *engine.Engine, d notify.Dispatcher, cfg *config.Config) *Runner {
	return &Runner{Engine: e, Dispatcher: d, Config: cfg, Now: time.Now, fired: make(map[string]bool)}
}

// BatchResult summarizes one batch run.
type BatchResult struct {
	Kind       string            `json:"kind"`
	Payloads   int               `json:"payloads"`
	Deliveries []notify.Delivery `json:"deliveries,omitempty"`
	Reset      int64             `json:"reset,omitempty"`
}

func (r BatchResult) Failed() int {
	n := 0
	for _, d := range r.Deliveries {
		if !d.OK() {
			n++
		}
	}
	return n
}

// RunBatch computes one batch and dispatches every payload. Delivery failures
// are collected per address and never abort the rest of the batch; the
// roster state was already settled before any send started.
func (r *Runner) RunBatch(ctx context.Context, kind string) (BatchResult, error) {
	res := BatchResult{Kind: kind}
	if kind == "reset" {
		n, err := r.Engine.BulkReset(ctx, "scheduler")
		if err != nil {
			return res, err
		}
		res.Reset = n
		return res, nil
	}
	payloads, err := r.compute(ctx, kind)
	if err != nil {
		return res, err
	}
	res.Payloads = len(payloads)
	for _, p := range payloads {
		deliveries := r.Dispatcher.Send(ctx, p.Record.Emails, p.Subject, p.BodyHTML)
		res.Deliveries = append(res.Deliveries, deliveries...)
		failed := 0
		for _, d := range deliveries {
			if !d.OK() {
				failed++
			}
		}
		if err := r.Engine.RecordDispatch(ctx, kind, p.Record.ID, "scheduler", events.EventPayload{
			"subject":   p.Subject,
			"addresses": len(p.Record.Emails),
			"failed":    failed,
		}); err != nil {
			log.Printf("scheduler: record dispatch for %s failed: %v", p.Record.ID, err)
		}
	}
	return res, nil
}

// Preview computes a batch without dispatching anything.
func (r *Runner) Preview(ctx context.Context, kind string) ([]engine.Payload, error) {
	return r.compute(ctx, kind)
}

func (r *Runner) compute(ctx context.Context, kind string) ([]engine.Payload, error) {
	switch kind {
	case "reminder":
		return r.Engine.ComputeReminderBatch(ctx)
	case "chase":
		return r.Engine.ComputeChaseBatch(ctx)
	case "review":
		return r.Engine.ComputeReviewBatch(ctx)
	case "final":
		return r.Engine.ComputeFinalBatch(ctx)
	default:
		return nil, fmt.Errorf("unknown batch kind %q", kind)
	}
}

// Run blocks, firing batches per the configured schedule until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	if r.Config.Schedule.Mode == "interval" {
		return r.runInterval(ctx)
	}
	return r.runCalendar(ctx)
}

// runInterval fires the whole notification sequence on a short fixed period.
// Test mode only; resets stay manual here.
func (r *Runner) runInterval(ctx context.Context) error {
	interval := time.Duration(r.Config.Schedule.IntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for _, kind := range []string{"reminder", "chase", "review", "final"} {
			res, err := r.RunBatch(ctx, kind)
			if err != nil {
				log.Printf("scheduler: %s batch failed: %v", kind, err)
				continue
			}
			if res.Payloads > 0 {
				log.Printf("scheduler: %s batch sent %d payloads (%d failed deliveries)", kind, res.Payloads, res.Failed())
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runCalendar checks once a minute whether a configured weekday/hour slot has
// arrived, firing each trigger at most once per slot.
func (r *Runner) runCalendar(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		r.fireDue(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Runner) fireDue(ctx context.Context) {
	now := r.Now()
	for _, t := range r.Config.Schedule.Triggers {
		wd, err := t.WeekdayOf()
		if err != nil {
			continue
		}
		if now.Weekday() != wd || now.Hour() != t.Hour {
			continue
		}
		key := fmt.Sprintf("%s|%s", t.Batch, now.Format("2006-01-02T15"))
		if r.fired[key] {
			continue
		}
		r.fired[key] = true
		res, err := r.RunBatch(ctx, t.Batch)
		if err != nil {
			log.Printf("scheduler: %s batch failed: %v", t.Batch, err)
			continue
		}
		log.Printf("scheduler: %s batch fired (%d payloads, %d reset, %d failed deliveries)",
			t.Batch, res.Payloads, res.Reset, res.Failed())
	}
	// Keep the dedupe map from growing across weeks.
	if len(r.fired) > 512 {
		r.fired = map[string]bool{}
	}
}
