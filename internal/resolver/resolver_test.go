package resolver

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/alita/internal/browser"
	"github.com/jmylchreest/alita/internal/browser/browsertest"
	"github.com/jmylchreest/alita/internal/cookies"
	"github.com/jmylchreest/alita/internal/failure"
)

func TestStep(t *testing.T) {
	const budget = 10 * time.Second
	in := 2 * time.Second
	over := 11 * time.Second

	tests := []struct {
		name    string
		state   State
		event   Event
		elapsed time.Duration
		want    State
		kind    failure.Kind
	}{
		{"navigated", Navigating, EventNavigated, in, ReadyStateWait, ""},
		{"navigated too late", Navigating, EventNavigated, over, Failed, failure.KindReadyStateTimeout},
		{"navigation failed", Navigating, EventNavigationFailed, in, Failed, failure.KindNetwork},
		{"deadline while navigating", Navigating, EventDeadline, over, Failed, failure.KindReadyStateTimeout},
		{"ready reached", ReadyStateWait, EventReadyStateReached, in, SelectorWait, ""},
		{"ready reached at budget", ReadyStateWait, EventReadyStateReached, over, SelectorWait, ""},
		{"ready pending", ReadyStateWait, EventReadyStatePending, in, ReadyStateWait, ""},
		{"ready pending past budget", ReadyStateWait, EventReadyStatePending, budget, Failed, failure.KindReadyStateTimeout},
		{"deadline in ready wait", ReadyStateWait, EventDeadline, over, Failed, failure.KindReadyStateTimeout},
		{"selector found", SelectorWait, EventSelectorFound, in, Extracted, ""},
		{"selector missing", SelectorWait, EventSelectorMissing, in, SelectorWait, ""},
		{"selector missing past budget", SelectorWait, EventSelectorMissing, over, Failed, failure.KindSelectorTimeout},
		{"deadline in selector wait", SelectorWait, EventDeadline, over, Failed, failure.KindSelectorTimeout},
		{"extracted is terminal", Extracted, EventDeadline, over, Extracted, ""},
		{"failed is terminal", Failed, EventSelectorFound, in, Failed, ""},
		{"unexpected event", ReadyStateWait, EventSelectorFound, in, Failed, failure.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Step(tt.state, tt.event, tt.elapsed, budget)
			assert.Equal(t, tt.want, got.Next)
			assert.Equal(t, tt.kind, got.Failure)
		})
	}
}

func testResolver() *Resolver {
	return New(Config{
		PollInterval: 5 * time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})),
	})
}

func openTab(t *testing.T, eng *browsertest.Engine) browser.Tab {
	t.Helper()
	proc, err := eng.Start(context.Background())
	require.NoError(t, err)
	tab, err := proc.NewTab(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tab.Close() })
	return tab
}

const target = "https://example.com/article"

func TestRun_Extracted(t *testing.T) {
	eng := browsertest.New()
	eng.Handle(target, &browsertest.Site{
		LoadDelay: 20 * time.Millisecond,
		Appear:    map[string]time.Duration{".post-data": 40 * time.Millisecond},
		HTML:      `<article class="post-data">hi</article>`,
		Status:    200,
		Headers:   map[string]string{"content-type": "text/html"},
		Cookies:   []cookies.Cookie{{Name: "cf_clearance", Value: "ok"}},
	})
	tab := openTab(t, eng)

	injected := []cookies.Cookie{{Name: "__cf_bm", Value: "seed"}}
	replay := &browser.Snapshot{StatusCode: 403, Body: "challenge"}

	res, err := testResolver().Run(context.Background(), tab, Job{
		URL:     target,
		WaitFor: ".post-data",
		Budget:  time.Second,
		Cookies: injected,
		Replay:  replay,
	})
	require.NoError(t, err)

	assert.Equal(t, `<article class="post-data">hi</article>`, res.HTML)
	assert.Equal(t, "cf_clearance", res.Cookies[0].Name)
	assert.True(t, res.HasDocument)
	assert.Equal(t, 200, res.Document.StatusCode)
	assert.GreaterOrEqual(t, res.Elapsed, 40*time.Millisecond)

	assert.Equal(t, 1, eng.Navigations(target))
	assert.Equal(t, injected, eng.Injected(target))
	assert.Same(t, replay, eng.Replay(target))
}

func TestRun_ReadyStateTimeout(t *testing.T) {
	eng := browsertest.New()
	eng.Handle(target, &browsertest.Site{LoadDelay: time.Hour})
	tab := openTab(t, eng)

	start := time.Now()
	_, err := testResolver().Run(context.Background(), tab, Job{URL: target, WaitFor: "body", Budget: 60 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, failure.KindReadyStateTimeout, failure.KindOf(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRun_InteractiveTarget(t *testing.T) {
	eng := browsertest.New()
	eng.Handle(target, &browsertest.Site{
		FinalState: browser.ReadyStateInteractive,
		Appear:     map[string]time.Duration{"body": 0},
		HTML:       "<body></body>",
	})
	tab := openTab(t, eng)

	_, err := testResolver().Run(context.Background(), tab, Job{
		URL: target, WaitFor: "body", Budget: 60 * time.Millisecond, Target: browser.ReadyStateInteractive,
	})
	require.NoError(t, err)

	tab2 := openTab(t, eng)
	_, err = testResolver().Run(context.Background(), tab2, Job{
		URL: target, WaitFor: "body", Budget: 60 * time.Millisecond, Target: browser.ReadyStateComplete,
	})
	assert.Equal(t, failure.KindReadyStateTimeout, failure.KindOf(err))
}

func TestRun_SelectorTimeout(t *testing.T) {
	eng := browsertest.New()
	eng.Handle(target, &browsertest.Site{
		LoadDelay: 10 * time.Millisecond,
		Appear:    map[string]time.Duration{".post-data": time.Hour},
	})
	tab := openTab(t, eng)

	_, err := testResolver().Run(context.Background(), tab, Job{URL: target, WaitFor: ".post-data", Budget: 80 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, failure.KindSelectorTimeout, failure.KindOf(err))
}

// The budget is shared: time spent waiting for the document counts against
// the selector wait.
func TestRun_BudgetSharedAcrossPhases(t *testing.T) {
	eng := browsertest.New()
	eng.Handle(target, &browsertest.Site{
		LoadDelay: 60 * time.Millisecond,
		Appear:    map[string]time.Duration{".post-data": 120 * time.Millisecond},
	})
	tab := openTab(t, eng)

	_, err := testResolver().Run(context.Background(), tab, Job{URL: target, WaitFor: ".post-data", Budget: 100 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, failure.KindSelectorTimeout, failure.KindOf(err))
}

func TestRun_NavigationError(t *testing.T) {
	eng := browsertest.New()
	eng.Handle(target, &browsertest.Site{NavigateErr: errors.New("net::ERR_CONNECTION_RESET")})
	tab := openTab(t, eng)

	_, err := testResolver().Run(context.Background(), tab, Job{URL: target, WaitFor: "body", Budget: time.Second})
	require.Error(t, err)
	assert.Equal(t, failure.KindNetwork, failure.KindOf(err))
	assert.Contains(t, err.Error(), "ERR_CONNECTION_RESET")
}

func TestRun_NavigationHangsPastBudget(t *testing.T) {
	eng := browsertest.New()
	eng.Handle(target, &browsertest.Site{Gate: make(chan struct{})})
	tab := openTab(t, eng)

	_, err := testResolver().Run(context.Background(), tab, Job{URL: target, WaitFor: "body", Budget: 40 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, failure.KindReadyStateTimeout, failure.KindOf(err))
}

func TestRun_Canceled(t *testing.T) {
	eng := browsertest.New()
	eng.Handle(target, &browsertest.Site{LoadDelay: time.Hour})
	tab := openTab(t, eng)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := testResolver().Run(ctx, tab, Job{URL: target, WaitFor: "body", Budget: time.Second})
	require.Error(t, err)
	assert.Equal(t, failure.KindCanceled, failure.KindOf(err))
}

func TestRun_EmptyWaitForSkipsSelectorPhase(t *testing.T) {
	eng := browsertest.New()
	eng.Handle(target, &browsertest.Site{HTML: "<p>done</p>"})
	tab := openTab(t, eng)

	res, err := testResolver().Run(context.Background(), tab, Job{URL: target, Budget: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "<p>done</p>", res.HTML)
	assert.False(t, res.HasDocument)
}
