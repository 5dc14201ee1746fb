package browser_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/alita/internal/browser"
	"github.com/jmylchreest/alita/internal/browser/browsertest"
	"github.com/jmylchreest/alita/internal/failure"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newSupervisor(e browser.Engine, idle time.Duration) *browser.Supervisor {
	return browser.NewSupervisor(e, browser.SupervisorConfig{
		IdleTimeout:    idle,
		StartupTimeout: time.Second,
		Logger:         testLogger(),
	})
}

func TestSupervisor_LazyStart(t *testing.T) {
	eng := browsertest.New()
	s := newSupervisor(eng, time.Minute)
	defer s.Close()

	assert.Equal(t, browser.StateAbsent, s.State())
	assert.Equal(t, 0, eng.Starts())

	tab, err := s.NewTab(context.Background())
	require.NoError(t, err)
	assert.Equal(t, browser.StateReady, s.State())
	assert.Equal(t, 1, eng.Starts())
	assert.Equal(t, 1, s.ActiveTabs())

	require.NoError(t, tab.Close())
	require.NoError(t, tab.Close())
	assert.Equal(t, 0, s.ActiveTabs())
	assert.Equal(t, browser.StateIdlePending, s.State())
}

func TestSupervisor_ConcurrentCallersShareOneLaunch(t *testing.T) {
	eng := browsertest.New()
	eng.SlowStart(50 * time.Millisecond)
	s := newSupervisor(eng, time.Minute)
	defer s.Close()

	var wg sync.WaitGroup
	tabs := make(chan browser.Tab, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tab, err := s.NewTab(context.Background())
			if assert.NoError(t, err) {
				tabs <- tab
			}
		}()
	}
	wg.Wait()
	close(tabs)

	assert.Equal(t, 1, eng.Starts())
	for tab := range tabs {
		_ = tab.Close()
	}
}

func TestSupervisor_IdleShutdownAndRelaunch(t *testing.T) {
	eng := browsertest.New()
	s := newSupervisor(eng, 40*time.Millisecond)
	defer s.Close()

	tab, err := s.NewTab(context.Background())
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, eng.Stops(), "open tab must keep the process alive")

	require.NoError(t, tab.Close())
	assert.Eventually(t, func() bool {
		return eng.Stops() == 1 && s.State() == browser.StateAbsent
	}, time.Second, 5*time.Millisecond)

	tab, err = s.NewTab(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, eng.Starts())
	_ = tab.Close()
}

func TestSupervisor_ActivityCancelsIdleShutdown(t *testing.T) {
	eng := browsertest.New()
	s := newSupervisor(eng, 60*time.Millisecond)
	defer s.Close()

	tab, err := s.NewTab(context.Background())
	require.NoError(t, err)
	require.NoError(t, tab.Close())

	time.Sleep(30 * time.Millisecond)
	tab, err = s.NewTab(context.Background())
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, eng.Stops())
	assert.Equal(t, 1, eng.Starts())
	assert.Equal(t, browser.StateReady, s.State())
	_ = tab.Close()
}

func TestSupervisor_LaunchFailure(t *testing.T) {
	eng := browsertest.New()
	eng.FailStart(errors.New("chrome not found"))
	s := newSupervisor(eng, time.Minute)
	defer s.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.NewTab(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.Error(t, err)
		assert.Equal(t, failure.KindBrowserUnavailable, failure.KindOf(err))
	}
	assert.Equal(t, browser.StateAbsent, s.State())
	assert.Equal(t, 0, s.ActiveTabs())

	eng.FailStart(nil)
	tab, err := s.NewTab(context.Background())
	require.NoError(t, err, "a later request should retry the launch")
	_ = tab.Close()
}

func TestSupervisor_StartupTimeout(t *testing.T) {
	eng := browsertest.New()
	eng.SlowStart(time.Second)
	s := browser.NewSupervisor(eng, browser.SupervisorConfig{
		IdleTimeout:    time.Minute,
		StartupTimeout: 30 * time.Millisecond,
		Logger:         testLogger(),
	})
	defer s.Close()

	_, err := s.NewTab(context.Background())
	require.Error(t, err)
	assert.Equal(t, failure.KindBrowserUnavailable, failure.KindOf(err))
	assert.Equal(t, browser.StateAbsent, s.State())
}

func TestSupervisor_CallerCancelWhileStarting(t *testing.T) {
	eng := browsertest.New()
	eng.SlowStart(100 * time.Millisecond)
	s := newSupervisor(eng, 30*time.Millisecond)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.NewTab(ctx)
	require.Error(t, err)
	assert.Equal(t, failure.KindCanceled, failure.KindOf(err))
	assert.Equal(t, 0, s.ActiveTabs())

	// The launch completes with nobody waiting and is torn down after the
	// idle window.
	assert.Eventually(t, func() bool {
		return eng.Starts() == 1 && eng.Stops() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSupervisor_Close(t *testing.T) {
	eng := browsertest.New()
	s := newSupervisor(eng, time.Minute)

	tab, err := s.NewTab(context.Background())
	require.NoError(t, err)
	_ = tab.Close()

	require.NoError(t, s.Close())
	assert.Equal(t, 1, eng.Stops())

	_, err = s.NewTab(context.Background())
	assert.ErrorIs(t, err, browser.ErrSupervisorClosed)
}

func TestReadyState(t *testing.T) {
	tests := []struct {
		in      string
		want    browser.ReadyState
		wantErr bool
	}{
		{"loading", browser.ReadyStateLoading, false},
		{"interactive", browser.ReadyStateInteractive, false},
		{" Complete ", browser.ReadyStateComplete, false},
		{"bogus", browser.ReadyStateUnknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := browser.ParseReadyState(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantErr, err != nil)
		})
	}

	assert.True(t, browser.ReadyStateComplete.Reached(browser.ReadyStateInteractive))
	assert.True(t, browser.ReadyStateInteractive.Reached(browser.ReadyStateInteractive))
	assert.False(t, browser.ReadyStateLoading.Reached(browser.ReadyStateInteractive))
	assert.False(t, browser.ReadyStateUnknown.Reached(browser.ReadyStateUnknown))
	assert.Equal(t, "complete", browser.ReadyStateComplete.String())
}
