package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ehrlich-b/shellbridge/internal/backend"
	"github.com/ehrlich-b/shellbridge/internal/config"
	"github.com/ehrlich-b/shellbridge/internal/tools"
	"github.com/ehrlich-b/shellbridge/internal/ws"
)

// fakeBackend is a scriptable backend.Backend.
type fakeBackend struct {
	kind string

	mu        sync.Mutex
	connected bool
	connectFn func(ctx context.Context) error
	probeErr  error
	inputs    []string
	sizes     [][2]int
	onOutput  func([]byte)
	onExit    func(ws.ExitData)
	onError   func(error)
	onDrop    func(error)

	connects    atomic.Int32
	disconnects atomic.Int32
	probes      atomic.Int32
}

func newFake(kind string) *fakeBackend {
	return &fakeBackend{kind: kind}
}

func (f *fakeBackend) Kind() string { return f.kind }

func (f *fakeBackend) Connect(ctx context.Context) error {
	f.connects.Add(1)
	f.mu.Lock()
	fn := f.connectFn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) setConnect(fn func(ctx context.Context) error) {
	f.mu.Lock()
	f.connectFn = fn
	f.mu.Unlock()
}

func (f *fakeBackend) setProbe(err error) {
	f.mu.Lock()
	f.probeErr = err
	f.mu.Unlock()
}

func (f *fakeBackend) SendInput(p []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		f.inputs = append(f.inputs, string(p))
	}
}

func (f *fakeBackend) Resize(cols, rows int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sizes = append(f.sizes, [2]int{cols, rows})
}

func (f *fakeBackend) Kill() {
	f.mu.Lock()
	fn := f.onExit
	f.connected = false
	f.mu.Unlock()
	if fn != nil {
		fn(ws.ExitData{Code: 137, Signal: "killed"})
	}
}

func (f *fakeBackend) OnOutput(fn func([]byte))    { f.mu.Lock(); f.onOutput = fn; f.mu.Unlock() }
func (f *fakeBackend) OnExit(fn func(ws.ExitData)) { f.mu.Lock(); f.onExit = fn; f.mu.Unlock() }
func (f *fakeBackend) OnError(fn func(error))      { f.mu.Lock(); f.onError = fn; f.mu.Unlock() }
func (f *fakeBackend) OnDisconnect(fn func(error)) { f.mu.Lock(); f.onDrop = fn; f.mu.Unlock() }

func (f *fakeBackend) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBackend) Disconnect() {
	f.disconnects.Add(1)
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeBackend) Probe(ctx context.Context) error {
	f.probes.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeErr
}

func (f *fakeBackend) Exec(ctx context.Context, command, cwd string) (tools.Result, error) {
	if command == "hang" {
		<-ctx.Done()
		return tools.Result{}, ctx.Err()
	}
	return tools.Result{Output: f.kind + ":" + command}, nil
}

func (f *fakeBackend) emit(s string) {
	f.mu.Lock()
	fn := f.onOutput
	f.mu.Unlock()
	if fn != nil {
		fn([]byte(s))
	}
}

// drop simulates the transport failing under an established session.
func (f *fakeBackend) drop() {
	f.mu.Lock()
	f.connected = false
	fn := f.onDrop
	f.mu.Unlock()
	if fn != nil {
		fn(errors.New("connection reset"))
	}
}

func (f *fakeBackend) gotInputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inputs...)
}

var errRefused = errors.New("connection refused")

func refuse(context.Context) error { return errRefused }

func fastConfig() Config {
	return Config{
		Order:             []string{config.BackendRemote, config.BackendLocal},
		ConnectTimeout:    200 * time.Millisecond,
		ProbeTimeout:      100 * time.Millisecond,
		HealthInterval:    time.Hour,
		ProbeFailures:     3,
		BreakerThreshold:  5,
		BreakerCooldown:   time.Hour,
		ReconnectBase:     10 * time.Millisecond,
		ReconnectMax:      40 * time.Millisecond,
		ReconnectAttempts: 3,
		ExecTimeout:       time.Second,
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// stateLog records published state events.
type stateLog struct {
	mu     sync.Mutex
	events []StateEvent
}

func (l *stateLog) record(ev StateEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *stateLog) states() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, ev := range l.events {
		out = append(out, ev.State.String())
	}
	return out
}

func start(t *testing.T, cfg Config, backends ...backend.Backend) (*Bridge, *stateLog) {
	t.Helper()
	b := New(cfg, backends...)
	log := &stateLog{}
	if err := b.Events().Subscribe(TopicState, log.record); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(b.Stop)
	return b, log
}

func TestFallbackToLocal(t *testing.T) {
	remote := newFake(config.BackendRemote)
	remote.setConnect(refuse)
	b, log := start(t, fastConfig(), remote)

	var out strings.Builder
	var mu sync.Mutex
	b.OnOutput(func(p []byte) { mu.Lock(); out.Write(p); mu.Unlock() })

	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if b.ActiveKind() != config.BackendLocal || b.State() != Active {
		t.Fatalf("active = %q state = %s", b.ActiveKind(), b.State())
	}
	mu.Lock()
	banner := out.String()
	mu.Unlock()
	if !strings.Contains(banner, "local emulator") {
		t.Errorf("local banner not forwarded: %q", banner)
	}
	if got := log.states(); len(got) < 2 || got[0] != "selecting" || got[len(got)-1] != "active" {
		t.Errorf("states = %v", got)
	}

	b.SendInput([]byte("mkdir foo\rcd foo\rpwd\r"))
	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(out.String(), "/home/user/foo\r\n") {
		t.Errorf("local output = %q", out.String())
	}
}

func TestFallbackWhenRemoteHangs(t *testing.T) {
	remote := newFake(config.BackendRemote)
	remote.setConnect(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	b, _ := start(t, fastConfig(), remote)

	begin := time.Now()
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(begin); elapsed > 2*time.Second {
		t.Errorf("selection took %s", elapsed)
	}
	if b.ActiveKind() != config.BackendLocal {
		t.Errorf("active = %q", b.ActiveKind())
	}
}

func TestRemotePreferred(t *testing.T) {
	remote := newFake(config.BackendRemote)
	local := newFake(config.BackendLocal)
	// Given in the wrong order; Order decides.
	b, _ := start(t, fastConfig(), local, remote)

	var got []string
	var mu sync.Mutex
	b.OnOutput(func(p []byte) { mu.Lock(); got = append(got, string(p)); mu.Unlock() })

	if err := b.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if b.ActiveKind() != config.BackendRemote {
		t.Fatalf("active = %q", b.ActiveKind())
	}
	if local.connects.Load() != 0 {
		t.Error("local connected although remote succeeded")
	}

	b.Resize(120, 40)
	b.SendInput([]byte("ls\n"))
	remote.emit("file\n")
	local.emit("stale\n")

	if in := remote.gotInputs(); len(in) != 1 || in[0] != "ls\n" {
		t.Errorf("remote inputs = %v", in)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "file\n" {
		t.Errorf("forwarded output = %v", got)
	}
}

func TestReconnectSameBackend(t *testing.T) {
	remote := newFake(config.BackendRemote)
	b, log := start(t, fastConfig(), remote)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	b.Resize(100, 30)

	// The first retry fails, the second succeeds.
	var attempts atomic.Int32
	remote.setConnect(func(context.Context) error {
		if attempts.Add(1) == 1 {
			return errRefused
		}
		return nil
	})
	remote.drop()

	eventually(t, "reconnect", func() bool {
		return b.State() == Active && remote.IsConnected()
	})
	if b.ActiveKind() != config.BackendRemote {
		t.Errorf("active = %q", b.ActiveKind())
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
	states := strings.Join(log.states(), ",")
	if !strings.Contains(states, "recovering,active") {
		t.Errorf("states = %s", states)
	}
	remote.mu.Lock()
	last := remote.sizes[len(remote.sizes)-1]
	remote.mu.Unlock()
	if last != [2]int{100, 30} {
		t.Errorf("size not replayed after reconnect: %v", last)
	}
}

func TestReconnectExhaustedFallsBack(t *testing.T) {
	remote := newFake(config.BackendRemote)
	b, _ := start(t, fastConfig(), remote)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	remote.setConnect(refuse)
	remote.drop()

	eventually(t, "fallback", func() bool { return b.ActiveKind() == config.BackendLocal && b.State() == Active })
	// One initial connect plus three retries.
	if n := remote.connects.Load(); n != 4 {
		t.Errorf("remote connects = %d, want 4", n)
	}
}

func TestStopCancelsReconnect(t *testing.T) {
	remote := newFake(config.BackendRemote)
	cfg := fastConfig()
	cfg.ReconnectBase = 200 * time.Millisecond
	cfg.ReconnectMax = 200 * time.Millisecond
	b, log := start(t, cfg, remote)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	remote.drop()
	eventually(t, "recovering", func() bool { return b.State() == Recovering })

	b.Stop()
	if b.State() != Uninitialized || b.ActiveKind() != "" {
		t.Fatalf("after Stop: state=%s active=%q", b.State(), b.ActiveKind())
	}
	before := remote.connects.Load()
	time.Sleep(400 * time.Millisecond)
	if after := remote.connects.Load(); after != before {
		t.Errorf("reconnect ran after Stop: %d -> %d", before, after)
	}
	states := log.states()
	if states[len(states)-1] != "uninitialized" {
		t.Errorf("states = %v", states)
	}

	// The bridge can be started again.
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("re-Initialize: %v", err)
	}
	if b.ActiveKind() != config.BackendRemote {
		t.Errorf("active = %q", b.ActiveKind())
	}
}

func TestProbeFailuresTriggerRecovery(t *testing.T) {
	remote := newFake(config.BackendRemote)
	cfg := fastConfig()
	cfg.HealthInterval = 20 * time.Millisecond
	b, log := start(t, cfg, remote)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	remote.setProbe(errors.New("timeout"))
	eventually(t, "recovery", func() bool {
		return strings.Contains(strings.Join(log.states(), ","), "recovering")
	})
	if p := remote.probes.Load(); p < 3 {
		t.Errorf("recovered after %d probes, want >= 3", p)
	}
	if remote.disconnects.Load() == 0 {
		t.Error("unhealthy backend was not disconnected")
	}
	remote.setProbe(nil)
	eventually(t, "active again", func() bool { return b.State() == Active && remote.IsConnected() })
}

func TestTransientProbeFailureTolerated(t *testing.T) {
	remote := newFake(config.BackendRemote)
	cfg := fastConfig()
	cfg.HealthInterval = 15 * time.Millisecond
	cfg.ProbeFailures = 1000
	b, log := start(t, cfg, remote)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	remote.setProbe(errors.New("slow"))
	eventually(t, "probes", func() bool { return remote.probes.Load() >= 3 })
	remote.setProbe(nil)
	time.Sleep(50 * time.Millisecond)
	if strings.Contains(strings.Join(log.states(), ","), "recovering") {
		t.Error("transient probe failures triggered recovery")
	}
}

func TestHealthMonitorNoticesSilentDisconnect(t *testing.T) {
	remote := newFake(config.BackendRemote)
	cfg := fastConfig()
	cfg.HealthInterval = 20 * time.Millisecond
	b, log := start(t, cfg, remote)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	remote.mu.Lock()
	remote.connected = false
	remote.mu.Unlock()

	eventually(t, "reconnect", func() bool {
		return strings.Contains(strings.Join(log.states(), ","), "recovering") && remote.IsConnected()
	})
}

func TestExitedSessionNotResurrected(t *testing.T) {
	remote := newFake(config.BackendRemote)
	cfg := fastConfig()
	cfg.HealthInterval = 10 * time.Millisecond
	b, _ := start(t, cfg, remote)
	var exits atomic.Int32
	b.OnExit(func(ws.ExitData) { exits.Add(1) })
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	b.Kill()
	if exits.Load() != 1 {
		t.Fatalf("exits = %d", exits.Load())
	}
	time.Sleep(60 * time.Millisecond)
	if n := remote.connects.Load(); n != 1 {
		t.Errorf("exited session reconnected (%d connects)", n)
	}
}

func TestBreakerOpensAndStopResets(t *testing.T) {
	remote := newFake(config.BackendRemote)
	remote.setConnect(refuse)
	cfg := fastConfig()
	cfg.BreakerThreshold = 1
	b, _ := start(t, cfg, remote)

	if err := b.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	b.Stop()
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Reset by Stop, so the second selection tried the remote again.
	if n := remote.connects.Load(); n != 2 {
		t.Errorf("remote connects = %d, want 2", n)
	}

	// Without Stop the open breaker short-circuits the next attempt.
	remote2 := newFake(config.BackendRemote)
	remote2.setConnect(refuse)
	b2, _ := start(t, cfg, remote2)
	if err := b2.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	remote2.connects.Store(0)
	if _, err := b2.selectFrom(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if n := remote2.connects.Load(); n != 0 {
		t.Errorf("open breaker let %d connects through", n)
	}
}

func TestPromotion(t *testing.T) {
	remote := newFake(config.BackendRemote)
	remote.setConnect(refuse)
	cfg := fastConfig()
	cfg.Promote = true
	cfg.HealthInterval = 20 * time.Millisecond
	cfg.BreakerThreshold = 1000
	b, _ := start(t, cfg, remote)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if b.ActiveKind() != config.BackendLocal {
		t.Fatalf("active = %q", b.ActiveKind())
	}
	remote.setConnect(nil)
	eventually(t, "promotion", func() bool { return b.ActiveKind() == config.BackendRemote })
}

func TestBackendsExhausted(t *testing.T) {
	remote := newFake(config.BackendRemote)
	remote.setConnect(refuse)
	local := newFake(config.BackendLocal)
	local.setConnect(refuse)
	b, _ := start(t, fastConfig(), remote, local)

	err := b.Initialize(context.Background())
	if !errors.Is(err, ErrBackendsExhausted) {
		t.Fatalf("err = %v, want ErrBackendsExhausted", err)
	}
	if b.State() != Uninitialized {
		t.Errorf("state = %s", b.State())
	}
}

func TestInitializeTwice(t *testing.T) {
	b, _ := start(t, fastConfig())
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := b.Initialize(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("err = %v", err)
	}
}

func TestExec(t *testing.T) {
	remote := newFake(config.BackendRemote)
	cfg := fastConfig()
	cfg.ExecTimeout = 50 * time.Millisecond
	b, _ := start(t, cfg, remote)

	if _, err := b.Exec(context.Background(), "ls", ""); !errors.Is(err, backend.ErrNotConnected) {
		t.Errorf("exec before init: %v", err)
	}
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	res, err := b.Exec(context.Background(), "ls", "")
	if err != nil || res.Output != "remote-bridge:ls" {
		t.Errorf("exec = %+v, %v", res, err)
	}
	if _, err := b.Exec(context.Background(), "hang", ""); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("exec timeout: %v", err)
	}
}

func TestNewOrdering(t *testing.T) {
	a := newFake("custom")
	r := newFake(config.BackendRemote)
	b := New(Config{Order: []string{config.BackendRemote}}, a, r)
	var kinds []string
	for _, c := range b.cands {
		kinds = append(kinds, c.backend.Kind())
	}
	want := "remote-bridge,custom,local-emulator"
	if got := strings.Join(kinds, ","); got != want {
		t.Errorf("order = %s, want %s", got, want)
	}
}

func TestLocalReachableWhenOrderedFirst(t *testing.T) {
	cfg := fastConfig()
	cfg.Order = []string{config.BackendLocal, config.BackendRemote}
	cfg.BreakerThreshold = 2
	local := newFake(config.BackendLocal)
	remote := newFake(config.BackendRemote)
	remote.setConnect(refuse)
	b, _ := start(t, cfg, local, remote)

	if err := b.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if b.ActiveKind() != config.BackendLocal {
		t.Fatalf("active = %q", b.ActiveKind())
	}

	// Reconnects fail until the breaker opens; the remote is refused too.
	local.setConnect(func(context.Context) error {
		if local.connects.Load() <= 3 {
			return errRefused
		}
		return nil
	})
	local.drop()

	eventually(t, "local emulator reselected", func() bool {
		return b.State() == Active && b.ActiveKind() == config.BackendLocal && local.IsConnected()
	})
	if n := local.connects.Load(); n != 4 {
		t.Errorf("local connects = %d, want 4", n)
	}
	if remote.connects.Load() == 0 {
		t.Error("remote was not tried before falling back")
	}
	b.SendInput([]byte("ls\r"))
	if got := local.gotInputs(); len(got) != 1 || got[0] != "ls\r" {
		t.Errorf("inputs = %q", got)
	}
}

func TestEachRecoveryGetsFullAttempts(t *testing.T) {
	remote := newFake(config.BackendRemote)
	b, _ := start(t, fastConfig(), remote)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	remote.setConnect(func(context.Context) error {
		switch remote.connects.Load() {
		case 2, 3, 5, 6:
			return errRefused
		}
		return nil
	})

	remote.drop()
	eventually(t, "first recovery", func() bool {
		return remote.connects.Load() == 4 && b.State() == Active
	})
	remote.drop()
	eventually(t, "second recovery", func() bool {
		return remote.connects.Load() == 7 && b.State() == Active
	})
	if b.ActiveKind() != config.BackendRemote {
		t.Errorf("active = %q, want remote after second recovery", b.ActiveKind())
	}
}

func TestRunOnceDoesNotConnect(t *testing.T) {
	remote := newFake(config.BackendRemote)
	local := newFake(config.BackendLocal)
	b, _ := start(t, fastConfig(), remote, local)

	res, err := b.RunOnce(context.Background(), "uptime", "")
	if err != nil || res.Output != "remote-bridge:uptime" {
		t.Fatalf("RunOnce = %+v, %v", res, err)
	}

	remote.setProbe(errRefused)
	res, err = b.RunOnce(context.Background(), "uptime", "")
	if err != nil || res.Output != "local-emulator:uptime" {
		t.Fatalf("RunOnce with remote down = %+v, %v", res, err)
	}

	if remote.connects.Load() != 0 || local.connects.Load() != 0 {
		t.Errorf("connects: remote %d local %d, want none", remote.connects.Load(), local.connects.Load())
	}
	if b.State() != Uninitialized {
		t.Errorf("state = %s", b.State())
	}
}

func TestRunOnceExecFailureNotRetried(t *testing.T) {
	cfg := fastConfig()
	cfg.ExecTimeout = 50 * time.Millisecond
	remote := newFake(config.BackendRemote)
	local := newFake(config.BackendLocal)
	b, _ := start(t, cfg, remote, local)

	_, err := b.RunOnce(context.Background(), "hang", "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
