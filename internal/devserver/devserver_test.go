package devserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/devloop/internal/assets"
	"github.com/hupe1980/devloop/internal/classify"
	"github.com/hupe1980/devloop/internal/metrics"
	"github.com/hupe1980/devloop/internal/port"
	"github.com/hupe1980/devloop/internal/process"
	"github.com/hupe1980/devloop/internal/watch"
)

const waitFor = 2 * time.Second

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// journal records launches and printed lines in one ordered list.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		j.add(line)
	}

	return len(p), nil
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries = append(j.entries, entry)
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	return append([]string(nil), j.entries...)
}

func (j *journal) count(entry string) int {
	n := 0

	for _, e := range j.snapshot() {
		if strings.Contains(e, entry) {
			n++
		}
	}

	return n
}

type fakeProcess struct {
	spec     process.Spec
	messages chan process.Message
	done     chan struct{}

	mu     sync.Mutex
	exit   process.Exit
	killed int
	once   sync.Once
}

func (p *fakeProcess) ID() string                       { return "fake" }
func (p *fakeProcess) Pid() int                         { return 1000 }
func (p *fakeProcess) Messages() <-chan process.Message { return p.messages }
func (p *fakeProcess) Done() <-chan struct{}            { return p.done }

func (p *fakeProcess) Exit() process.Exit {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.exit
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed++
	p.mu.Unlock()
	p.finish(process.Exit{Code: 137})

	return nil
}

func (p *fakeProcess) finish(exit process.Exit) {
	p.once.Do(func() {
		p.mu.Lock()
		p.exit = exit
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) killCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.killed
}

type fakeLauncher struct {
	journal *journal

	mu    sync.Mutex
	procs []*fakeProcess
	err   error
}

func (l *fakeLauncher) Launch(_ context.Context, spec process.Spec) (process.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.err != nil {
		return nil, l.err
	}

	l.journal.add("launch")

	p := &fakeProcess{
		spec:     spec,
		messages: make(chan process.Message, 4),
		done:     make(chan struct{}),
	}
	l.procs = append(l.procs, p)

	return p, nil
}

func (l *fakeLauncher) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.err = err
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.procs)
}

func (l *fakeLauncher) proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.procs[i]
}

type fakeWatcher struct {
	events chan watch.Event
	closes atomic.Int32
}

func (w *fakeWatcher) Events() <-chan watch.Event { return w.events }

func (w *fakeWatcher) Close() error {
	w.closes.Add(1)
	return nil
}

type fakeAssets struct {
	starts atomic.Int32
	stops  atomic.Int32
}

func (a *fakeAssets) Start(context.Context) error { a.starts.Add(1); return nil }
func (a *fakeAssets) Stop() error                 { a.stops.Add(1); return nil }
func (a *fakeAssets) SetLogger(*slog.Logger)      {}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	t        *testing.T
	server   *Server
	journal  *journal
	launcher *fakeLauncher
	watcher  *fakeWatcher
	assets   *fakeAssets

	watcherErr   error
	watcherCalls atomic.Int32

	closeCodes chan int
	errs       chan error
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()

	j := &journal{}
	h := &harness{
		t:          t,
		journal:    j,
		launcher:   &fakeLauncher{journal: j},
		watcher:    &fakeWatcher{events: make(chan watch.Event)},
		assets:     &fakeAssets{},
		closeCodes: make(chan int, 4),
		errs:       make(chan error, 4),
	}

	opts := Options{
		ProjectRoot: t.TempDir(),
		Out:         j,
		NoColor:     true,
		Launcher:    h.launcher,
		Assets:      assets.Options{Serve: true, Binary: "vite"},
		PortResolver: port.ResolverFunc(func(context.Context, port.Options) (int, error) {
			return 4000, nil
		}),
		WatcherFactory: func(WatcherConfig) (Watcher, error) {
			h.watcherCalls.Add(1)

			if h.watcherErr != nil {
				return nil, h.watcherErr
			}

			return h.watcher, nil
		},
		AssetsFactory: func(assets.Options) AssetServer { return h.assets },
	}

	if mutate != nil {
		mutate(&opts)
	}

	s, err := New(opts)
	require.NoError(t, err)

	s.OnClose(func(code int) { h.closeCodes <- code }).
		OnError(func(err error) { h.errs <- err })

	h.server = s

	t.Cleanup(func() { _ = s.Close() })

	return h
}

func (h *harness) waitLaunches(n int) {
	h.t.Helper()

	require.Eventually(h.t, func() bool { return h.launcher.count() == n }, waitFor, 5*time.Millisecond,
		"expected %d launches", n)
}

func (h *harness) waitState(state State) {
	h.t.Helper()

	require.Eventually(h.t, func() bool { return h.server.State() == state }, waitFor, 5*time.Millisecond,
		"expected state %s", state)
}

// send delivers a watcher event. The loop has handled every earlier
// watcher event once it accepts this one.
func (h *harness) send(ev watch.Event) {
	h.t.Helper()

	select {
	case h.watcher.events <- ev:
	case <-time.After(waitFor):
		h.t.Fatalf("watcher event %v not consumed", ev.Type)
	}
}

func (h *harness) change(kind classify.Kind, rel string) {
	h.t.Helper()
	h.send(watch.Event{Type: watch.Changed, Change: classify.Event{Kind: kind, RelativePath: rel}})
}

// sync waits until all previously sent watcher events are handled.
func (h *harness) sync() {
	h.t.Helper()
	h.send(watch.Event{Type: watch.Ready})
}

func (h *harness) startWatching() {
	h.t.Helper()

	require.NoError(h.t, h.server.StartAndWatch(context.Background()))
	h.waitState(RunningWatching)
	h.waitLaunches(1)
}

func (h *harness) waitDone() {
	h.t.Helper()

	select {
	case <-h.server.Done():
	case <-time.After(waitFor):
		h.t.Fatal("server did not finish")
	}
}

func publicAssetsRule() []classify.Rule {
	return []classify.Rule{{Pattern: "public/**/*.(js|css)", ReloadServer: false}}
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestServer_LogOnlyChangeDoesNotRestart(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MetaFiles = publicAssetsRule() })
	h.startWatching()

	h.change(classify.Change, "public/styles/main.css")
	h.sync()

	assert.Equal(t, 1, h.launcher.count())
	assert.Equal(t, 1, h.journal.count("update public/styles/main.css"))
	assert.Equal(t, RunningWatching, h.server.State())
}

func TestServer_SourceChangeRestartsOnceWithPort(t *testing.T) {
	h := newHarness(t, nil)
	h.startWatching()

	h.change(classify.SourceChange, "src/foo.ts")
	h.sync()

	require.Equal(t, 2, h.launcher.count())
	assert.Equal(t, "4000", h.launcher.proc(1).spec.Env["PORT"])
	assert.Equal(t, 1, h.launcher.proc(0).killCount())
	assert.Equal(t, 0, h.launcher.proc(1).killCount())
}

func TestServer_OneShotExitClosesWithExitCode(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.server.Start(context.Background()))
	h.waitState(RunningOneShot)
	h.waitLaunches(1)

	h.launcher.proc(0).finish(process.Exit{Code: 1})

	select {
	case code := <-h.closeCodes:
		assert.Equal(t, 1, code)
	case <-time.After(waitFor):
		t.Fatal("close callback not invoked")
	}

	h.waitDone()

	require.NoError(t, h.server.Close())
	assert.Equal(t, int32(1), h.assets.stops.Load())
	assert.Empty(t, h.closeCodes)
	assert.Empty(t, h.errs)
	assert.Equal(t, Closed, h.server.State())
}

func TestServer_WatcherConstructionFailureKeepsProcess(t *testing.T) {
	h := newHarness(t, nil)
	h.watcherErr = errors.New("no include roots")

	require.NoError(t, h.server.StartAndWatch(context.Background()))

	select {
	case code := <-h.closeCodes:
		assert.Equal(t, WatcherFailureCode, code)
	case <-time.After(waitFor):
		t.Fatal("close callback not invoked")
	}

	h.waitDone()

	require.Equal(t, 1, h.launcher.count())
	assert.Equal(t, 0, h.launcher.proc(0).killCount(), "process keeps running")
	assert.Equal(t, int32(1), h.watcherCalls.Load())
	assert.Equal(t, int32(0), h.watcher.closes.Load(), "no watcher was created")

	require.NoError(t, h.server.Close())
	assert.Equal(t, 1, h.launcher.proc(0).killCount())
}

func TestServer_NonWebReadyMessageIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.startWatching()

	p := h.launcher.proc(0)
	p.messages <- process.Message{"isReady": true, "environment": "api", "host": "localhost", "port": float64(4000)}
	p.messages <- process.Message{"isReady": true, "environment": "web", "host": "localhost", "port": float64(4000)}

	require.Eventually(t, func() bool {
		return h.journal.count("Server address: http://localhost:4000") == 1
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, 1, h.journal.count("Server address"))
	assert.Equal(t, 1, h.journal.count("File system watcher: enabled"))
	assert.Equal(t, RunningWatching, h.server.State())
}

// ---------------------------------------------------------------------------
// Ordering and process guarantees
// ---------------------------------------------------------------------------

func TestServer_EventsHandledInOrder(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MetaFiles = publicAssetsRule() })
	h.startWatching()

	h.change(classify.SourceChange, "app/a.ts")
	h.change(classify.Change, "public/b.css")
	h.change(classify.SourceChange, "app/c.ts")
	h.sync()

	assert.Equal(t, []string{
		"launch",
		"update app/a.ts",
		"launch",
		"update public/b.css",
		"update app/c.ts",
		"launch",
	}, h.journal.snapshot())
}

func TestServer_AtMostOneLiveProcess(t *testing.T) {
	const restarts = 5

	h := newHarness(t, nil)
	h.startWatching()

	for i := 0; i < restarts; i++ {
		h.change(classify.SourceChange, "app/a.ts")
	}

	h.sync()

	require.Equal(t, restarts+1, h.launcher.count())

	for i := 0; i < restarts; i++ {
		assert.Equal(t, 1, h.launcher.proc(i).killCount(), "process %d", i)
	}

	assert.Equal(t, 0, h.launcher.proc(restarts).killCount())
}

func TestServer_StaleProcessEventsDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.startWatching()

	old := h.launcher.proc(0)

	h.change(classify.SourceChange, "app/a.ts")
	h.sync()

	// Messages of a detached process are never delivered.
	old.messages <- process.Message{"isReady": true, "environment": "web", "host": "localhost", "port": float64(4000)}
	h.sync()

	assert.Zero(t, h.journal.count("Server address"))
}

// ---------------------------------------------------------------------------
// Failures
// ---------------------------------------------------------------------------

func TestServer_PortFailureReportsError(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.PortResolver = port.ResolverFunc(func(context.Context, port.Options) (int, error) {
			return 0, errors.New("no ports left")
		})
	})

	require.NoError(t, h.server.StartAndWatch(context.Background()))

	select {
	case err := <-h.errs:
		assert.ErrorIs(t, err, ErrPortResolution)
	case <-time.After(waitFor):
		t.Fatal("error callback not invoked")
	}

	h.waitDone()

	assert.Zero(t, h.launcher.count())
	assert.Zero(t, h.assets.starts.Load())
	assert.Zero(t, h.watcherCalls.Load())
}

func TestServer_WatcherRuntimeErrorTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	h.startWatching()

	h.send(watch.Event{Type: watch.Failed, Err: errors.New("inotify overflow")})

	select {
	case err := <-h.errs:
		assert.ErrorIs(t, err, ErrWatcherRuntime)
	case <-time.After(waitFor):
		t.Fatal("error callback not invoked")
	}

	h.waitDone()

	assert.Equal(t, int32(1), h.watcher.closes.Load())
	assert.Equal(t, int32(1), h.assets.stops.Load())

	require.NoError(t, h.server.Close())
	assert.Equal(t, int32(1), h.watcher.closes.Load())
	assert.Equal(t, int32(1), h.assets.stops.Load())
	assert.Equal(t, 1, h.launcher.proc(0).killCount())
}

func TestServer_OneShotLaunchFailureReportsError(t *testing.T) {
	h := newHarness(t, nil)
	h.launcher.setErr(errors.New("node: not found"))

	require.NoError(t, h.server.Start(context.Background()))

	select {
	case err := <-h.errs:
		assert.ErrorIs(t, err, ErrProcessLaunch)
	case <-time.After(waitFor):
		t.Fatal("error callback not invoked")
	}

	h.waitDone()
}

func TestServer_WatchLaunchFailureRetriedOnChange(t *testing.T) {
	h := newHarness(t, nil)
	h.launcher.setErr(errors.New("node: not found"))

	require.NoError(t, h.server.StartAndWatch(context.Background()))
	h.waitState(RunningWatching)
	assert.Zero(t, h.launcher.count())

	h.launcher.setErr(nil)
	h.change(classify.SourceChange, "app/a.ts")
	h.sync()

	assert.Equal(t, 1, h.launcher.count())
	assert.Empty(t, h.errs)
}

func TestServer_WatchModeExitIsOnlyLogged(t *testing.T) {
	h := newHarness(t, nil)
	h.startWatching()

	h.launcher.proc(0).finish(process.Exit{Code: 1})

	assert.Never(t, func() bool { return len(h.closeCodes) > 0 || len(h.errs) > 0 },
		200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, RunningWatching, h.server.State())

	h.change(classify.SourceChange, "app/a.ts")
	h.sync()
	assert.Equal(t, 2, h.launcher.count())
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestServer_CloseIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.startWatching()

	require.NoError(t, h.server.Close())
	require.NoError(t, h.server.Close())

	h.waitDone()

	assert.Equal(t, Closed, h.server.State())
	assert.Equal(t, int32(1), h.watcher.closes.Load())
	assert.Equal(t, int32(1), h.assets.stops.Load())
	assert.Equal(t, 1, h.launcher.proc(0).killCount())
	assert.Empty(t, h.closeCodes)
	assert.Empty(t, h.errs)
}

func TestServer_SetLoggerWhileRunning(t *testing.T) {
	h := newHarness(t, nil)
	h.startWatching()

	discard := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		for i := 0; i < 50; i++ {
			h.server.SetLogger(discard)
		}
	}()

	for i := 0; i < 5; i++ {
		h.change(classify.SourceChange, "src/foo.ts")
	}

	wg.Wait()
	h.sync()

	var logs journal

	h.server.SetLogger(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})))
	h.change(classify.Change, "src/readme.txt")
	h.sync()

	assert.Equal(t, 1, logs.count("file changed"))
}

func TestServer_CloseFromCallback(t *testing.T) {
	h := newHarness(t, nil)

	h.server.OnClose(func(int) {
		assert.NoError(t, h.server.Close())
	})

	require.NoError(t, h.server.Start(context.Background()))
	h.waitLaunches(1)
	h.launcher.proc(0).finish(process.Exit{Code: 0})

	h.waitDone()
	assert.Equal(t, int32(1), h.assets.stops.Load())
}

func TestServer_CloseBeforeStart(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.server.Close())
	h.waitDone()

	assert.ErrorIs(t, h.server.Start(context.Background()), ErrAlreadyStarted)
	assert.Zero(t, h.launcher.count())
}

func TestServer_StartTwice(t *testing.T) {
	h := newHarness(t, nil)
	h.startWatching()

	assert.ErrorIs(t, h.server.Start(context.Background()), ErrAlreadyStarted)
	assert.ErrorIs(t, h.server.StartAndWatch(context.Background()), ErrAlreadyStarted)
}

func TestServer_ContextCancelEndsSession(t *testing.T) {
	h := newHarness(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.server.StartAndWatch(ctx))
	h.waitState(RunningWatching)

	cancel()
	h.waitDone()

	assert.Equal(t, 1, h.launcher.proc(0).killCount())
	assert.Empty(t, h.closeCodes)
}

func TestServer_InvalidRule(t *testing.T) {
	_, err := New(Options{MetaFiles: []classify.Rule{{Pattern: "public/[a-"}}})
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// Opt-in extensions
// ---------------------------------------------------------------------------

func TestServer_DebounceCoalescesRestarts(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Debounce = 50 * time.Millisecond })
	h.startWatching()

	h.change(classify.SourceChange, "app/a.ts")
	h.change(classify.SourceChange, "app/b.ts")
	h.change(classify.SourceChange, "app/c.ts")

	h.waitLaunches(2)
	assert.Never(t, func() bool { return h.launcher.count() > 2 }, 200*time.Millisecond, 10*time.Millisecond)

	// Every change is still reported.
	assert.Equal(t, 1, h.journal.count("update app/b.ts"))
}

func TestServer_CrashBackoffRestarts(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.CrashBackoff = true })
	h.startWatching()

	h.launcher.proc(0).finish(process.Exit{Code: 1})

	h.waitLaunches(2)
	assert.Equal(t, RunningWatching, h.server.State())
}

func TestServer_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()

	h := newHarness(t, func(o *Options) { o.Metrics = metrics.NewRecorder(reg) })
	h.startWatching()

	h.change(classify.SourceChange, "app/a.ts")
	h.sync()

	rec := httptest.NewRecorder()
	metrics.NewRouter(reg, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, "devloop_restarts_total 1")
	assert.Contains(t, body, `devloop_changes_total{category="restart"} 1`)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "running:watching", RunningWatching.String())
	assert.Equal(t, "closed", Closed.String())
	assert.True(t, RunningOneShot.Running())
	assert.False(t, Restarting.Running())
}
