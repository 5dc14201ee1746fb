package resolver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jmylchreest/alita/internal/browser"
	"github.com/jmylchreest/alita/internal/cookies"
	"github.com/jmylchreest/alita/internal/failure"
	"github.com/jmylchreest/alita/internal/metrics"
)

const (
	// DefaultPollInterval is the period between DOM checks.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultBudget applies when a job carries no wait budget.
	DefaultBudget = 10 * time.Second

	extractTimeout = 10 * time.Second
)

// Job describes one resolution.
type Job struct {
	URL string
	// WaitFor is the selector whose presence means the challenge cleared.
	// Empty skips the selector phase.
	WaitFor string
	// Budget is measured from navigation start and covers both waits.
	Budget time.Duration
	// Target is the ready-state the document must reach.
	Target browser.ReadyState
	// Cookies are injected before navigating.
	Cookies []cookies.Cookie
	// Replay, when set, is served for the first document request.
	Replay *browser.Snapshot
}

// Result is what a successful resolution extracts from the tab.
type Result struct {
	URL         string
	HTML        string
	Cookies     []cookies.Cookie
	Document    browser.Document
	HasDocument bool
	Elapsed     time.Duration
}

// Config configures a Resolver.
type Config struct {
	PollInterval time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Resolver runs jobs. It never retries; a failed run ends in Failed.
type Resolver struct {
	poll    time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Resolver.
func New(cfg Config) *Resolver {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Resolver{
		poll:    cfg.PollInterval,
		logger:  cfg.Logger.With("component", "resolver"),
		metrics: cfg.Metrics,
	}
}

// Run drives tab through job.
func (r *Resolver) Run(ctx context.Context, tab browser.Tab, job Job) (*Result, error) {
	if job.Budget <= 0 {
		job.Budget = DefaultBudget
	}
	if job.Target == browser.ReadyStateUnknown {
		job.Target = browser.ReadyStateComplete
	}
	logger := r.logger.With("url", job.URL, "tab_id", tab.ID())

	if err := tab.SetCookies(ctx, job.URL, job.Cookies); err != nil {
		logger.Warn("failed to inject cookies", "error", err)
	}

	start := time.Now()
	runCtx, cancel := context.WithDeadline(ctx, start.Add(job.Budget))
	defer cancel()

	state := Navigating
	var (
		ev      Event
		lastErr error
	)

	if err := tab.Navigate(runCtx, job.URL, job.Replay); err != nil {
		lastErr = err
		ev = EventNavigationFailed
		if runCtx.Err() != nil {
			ev = EventDeadline
		}
	} else {
		ev = EventNavigated
	}

	for {
		if ctx.Err() != nil {
			r.observe(failure.KindCanceled, start)
			return nil, failure.Wrap(failure.KindCanceled, ctx.Err(), "browser resolution canceled")
		}

		tr := Step(state, ev, time.Since(start), job.Budget)
		if tr.Next != state {
			logger.Debug("resolver transition", "from", state.String(), "to", tr.Next.String(), "event", ev.String())
		}
		state = tr.Next

		switch state {
		case Failed:
			r.observe(tr.Failure, start)
			logger.Info("browser resolution failed", "kind", tr.Failure, "elapsed", time.Since(start).Round(time.Millisecond))
			return nil, r.failureFor(tr.Failure, job, lastErr)

		case Extracted:
			res, err := r.extract(ctx, tab, job, start)
			if err != nil {
				r.observe(failure.KindOf(err), start)
				return nil, err
			}
			r.observe("Extracted", start)
			logger.Info("browser resolution complete", "elapsed", res.Elapsed.Round(time.Millisecond))
			return res, nil

		case ReadyStateWait:
			rs, err := tab.ReadyState(runCtx)
			switch {
			case runCtx.Err() != nil:
				ev = EventDeadline
				continue
			case err == nil && rs.Reached(job.Target):
				ev = EventReadyStateReached
				// Empty WaitFor goes straight through the selector phase.
				if job.WaitFor == "" {
					state, ev = SelectorWait, EventSelectorFound
				}
				continue
			default:
				// Evaluation fails while the document is being replaced.
				ev = EventReadyStatePending
			}

		case SelectorWait:
			found, err := tab.Has(runCtx, job.WaitFor)
			switch {
			case runCtx.Err() != nil:
				ev = EventDeadline
				continue
			case err == nil && found:
				ev = EventSelectorFound
				continue
			default:
				ev = EventSelectorMissing
			}
		}

		if !r.sleep(runCtx) {
			ev = EventDeadline
		}
	}
}

// sleep waits one poll interval. It returns false if ctx ended first.
func (r *Resolver) sleep(ctx context.Context) bool {
	t := time.NewTimer(r.poll)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Resolver) extract(ctx context.Context, tab browser.Tab, job Job, start time.Time) (*Result, error) {
	ectx, cancel := context.WithTimeout(ctx, extractTimeout)
	defer cancel()

	html, err := tab.HTML(ectx)
	if err != nil {
		return nil, failure.Wrap(failure.KindInternal, err, "reading rendered document")
	}
	ck, err := tab.Cookies(ectx, job.URL)
	if err != nil {
		return nil, failure.Wrap(failure.KindInternal, err, "reading tab cookies")
	}
	doc, ok := tab.Document()

	return &Result{
		URL:         job.URL,
		HTML:        html,
		Cookies:     ck,
		Document:    doc,
		HasDocument: ok,
		Elapsed:     time.Since(start),
	}, nil
}

func (r *Resolver) failureFor(kind failure.Kind, job Job, cause error) error {
	switch kind {
	case failure.KindNetwork:
		return failure.Wrap(kind, cause, "browser navigation failed")
	case failure.KindReadyStateTimeout:
		return failure.New(kind, "document did not reach "+job.Target.String()+" within "+job.Budget.String())
	case failure.KindSelectorTimeout:
		return failure.New(kind, "selector "+job.WaitFor+" did not appear within "+job.Budget.String())
	}
	if cause == nil {
		cause = errors.New("unexpected resolver event")
	}
	return failure.Wrap(kind, cause, "")
}

func (r *Resolver) observe(outcome failure.Kind, start time.Time) {
	r.metrics.ObserveResolver(string(outcome), time.Since(start))
}
