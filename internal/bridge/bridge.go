// Package bridge keeps a terminal session alive across backend failures. It
// picks the most preferred backend that connects, reconnects it with backoff
// when it drops, watches its health, and falls back to the local emulator
// when nothing else works.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"

	"github.com/ehrlich-b/shellbridge/internal/backend"
	"github.com/ehrlich-b/shellbridge/internal/breaker"
	"github.com/ehrlich-b/shellbridge/internal/config"
	"github.com/ehrlich-b/shellbridge/internal/logger"
	"github.com/ehrlich-b/shellbridge/internal/tools"
	"github.com/ehrlich-b/shellbridge/internal/ws"
)

// TopicState is published with a StateEvent on every state change.
const TopicState = "bridge:state"

var (
	// ErrBackendsExhausted means every backend failed selection. With the
	// local emulator present this cannot happen.
	ErrBackendsExhausted = errors.New("all backends failed to connect")
	ErrAlreadyStarted    = errors.New("bridge already initialized")
)

type State int

const (
	Uninitialized State = iota
	Selecting
	Active
	Recovering
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Selecting:
		return "selecting"
	case Active:
		return "active"
	case Recovering:
		return "recovering"
	}
	return "unknown"
}

// StateEvent is the payload of TopicState.
type StateEvent struct {
	State   State
	Backend string // kind of the active backend, if any
	Err     error  // what caused the change, if anything
}

type Config struct {
	Order             []string // backend kinds, most preferred first
	ConnectTimeout    time.Duration
	ProbeTimeout      time.Duration
	HealthInterval    time.Duration
	ProbeFailures     int
	BreakerThreshold  int
	BreakerCooldown   time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int
	ExecTimeout       time.Duration
	Promote           bool
}

// ConfigFrom maps the client section of the config file.
func ConfigFrom(c config.ClientConfig) Config {
	return Config{
		Order:             c.Backends,
		ConnectTimeout:    c.ConnectTimeout,
		ProbeTimeout:      c.ProbeTimeout,
		HealthInterval:    c.HealthInterval,
		ProbeFailures:     c.ProbeFailures,
		BreakerThreshold:  c.BreakerThreshold,
		BreakerCooldown:   c.BreakerCooldown,
		ReconnectBase:     c.ReconnectBase,
		ReconnectMax:      c.ReconnectMax,
		ReconnectAttempts: c.ReconnectAttempts,
		ExecTimeout:       c.ExecTimeout,
		Promote:           c.Promote,
	}
}

func (c *Config) setDefaults() {
	d := config.Default().Client
	if len(c.Order) == 0 {
		c.Order = d.Backends
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.ProbeFailures <= 0 {
		c.ProbeFailures = d.ProbeFailures
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = d.BreakerCooldown
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = d.ReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = d.ReconnectMax
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = d.ReconnectAttempts
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = d.ExecTimeout
	}
}

type candidate struct {
	backend backend.Backend
	breaker *breaker.Breaker
	index   int
}

// Bridge owns the active backend. All state lives behind mu; every
// goroutine it starts is bound to the lifecycle context that Stop cancels.
type Bridge struct {
	cfg   Config
	cands []*candidate
	bus   EventBus.Bus

	mu         sync.Mutex
	state      State
	active     *candidate
	connecting *candidate // output from it is forwarded before activation
	lifecycle  context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	probeFails int
	exited     bool
	cols, rows int
	backoff    *ws.Backoff // used only by the single recover goroutine

	hmu    sync.RWMutex
	output func([]byte)
	exit   func(ws.ExitData)
	errFn  func(error)
}

// New orders backends by cfg.Order (unlisted kinds keep their relative order
// after the listed ones) and appends a local emulator when none is given.
func New(cfg Config, backends ...backend.Backend) *Bridge {
	cfg.setDefaults()

	rank := make(map[string]int, len(cfg.Order))
	for i, kind := range cfg.Order {
		if _, ok := rank[kind]; !ok {
			rank[kind] = i
		}
	}
	var listed, rest []backend.Backend
	hasLocal := false
	for _, be := range backends {
		if be.Kind() == config.BackendLocal {
			hasLocal = true
		}
		if _, ok := rank[be.Kind()]; ok {
			listed = append(listed, be)
		} else {
			rest = append(rest, be)
		}
	}
	sortByRank(listed, rank)
	ordered := append(listed, rest...)
	if !hasLocal {
		ordered = append(ordered, backend.NewLocal())
	}

	b := &Bridge{
		cfg:     cfg,
		bus:     EventBus.New(),
		backoff: ws.NewBackoff(cfg.ReconnectBase, cfg.ReconnectMax, cfg.ReconnectAttempts),
	}
	for i, be := range ordered {
		c := &candidate{
			backend: be,
			breaker: breaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown),
			index:   i,
		}
		b.cands = append(b.cands, c)
		b.wire(c)
	}
	return b
}

// sortByRank is a stable insertion sort; the list is a handful of entries.
func sortByRank(bs []backend.Backend, rank map[string]int) {
	for i := 1; i < len(bs); i++ {
		for j := i; j > 0 && rank[bs[j].Kind()] < rank[bs[j-1].Kind()]; j-- {
			bs[j], bs[j-1] = bs[j-1], bs[j]
		}
	}
}

// wire forwards a candidate's events while it is the active backend.
// Events from any other backend are stale and dropped.
func (b *Bridge) wire(c *candidate) {
	be := c.backend
	be.OnOutput(func(p []byte) {
		b.mu.Lock()
		current := b.active == c || b.connecting == c
		b.mu.Unlock()
		if !current {
			return
		}
		b.hmu.RLock()
		fn := b.output
		b.hmu.RUnlock()
		if fn != nil {
			fn(p)
		}
	})
	be.OnExit(func(d ws.ExitData) {
		if !b.isActive(c) {
			return
		}
		b.mu.Lock()
		b.exited = true
		b.mu.Unlock()
		logger.Info("session exited", "backend", be.Kind(), "code", d.Code, "signal", d.Signal)
		b.hmu.RLock()
		fn := b.exit
		b.hmu.RUnlock()
		if fn != nil {
			fn(d)
		}
	})
	be.OnError(func(err error) {
		if !b.isActive(c) {
			return
		}
		logger.Warn("backend error", "backend", be.Kind(), "err", err)
		b.hmu.RLock()
		fn := b.errFn
		b.hmu.RUnlock()
		if fn != nil {
			fn(err)
		}
	})
	be.OnDisconnect(func(err error) {
		if !b.isActive(c) {
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if ctx := b.lifecycle; ctx != nil {
			b.spawnLocked(func() { b.recover(ctx, c, err) })
		}
	})
}

// spawnLocked runs fn on a goroutine that Stop waits for. b.mu must be held
// and the lifecycle must be live.
func (b *Bridge) spawnLocked(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

func (b *Bridge) isActive(c *candidate) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active == c
}

// Events returns the bus on which TopicState is published.
func (b *Bridge) Events() EventBus.Bus { return b.bus }

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ActiveKind returns the kind of the active backend, or "" if none.
func (b *Bridge) ActiveKind() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil {
		return ""
	}
	return b.active.backend.Kind()
}

func (b *Bridge) OnOutput(fn func([]byte)) {
	b.hmu.Lock()
	b.output = fn
	b.hmu.Unlock()
}

func (b *Bridge) OnExit(fn func(ws.ExitData)) {
	b.hmu.Lock()
	b.exit = fn
	b.hmu.Unlock()
}

func (b *Bridge) OnError(fn func(error)) {
	b.hmu.Lock()
	b.errFn = fn
	b.hmu.Unlock()
}

// setState changes state if the lifecycle is still ctx and publishes it.
func (b *Bridge) setState(ctx context.Context, s State, cause error) bool {
	b.mu.Lock()
	if b.lifecycle != ctx {
		b.mu.Unlock()
		return false
	}
	b.state = s
	kind := ""
	if b.active != nil {
		kind = b.active.backend.Kind()
	}
	b.mu.Unlock()
	b.publish(StateEvent{State: s, Backend: kind, Err: cause})
	return true
}

func (b *Bridge) publish(ev StateEvent) {
	logger.Debug("bridge state", "state", ev.State.String(), "backend", ev.Backend)
	b.bus.Publish(TopicState, ev)
}

// Initialize selects the first backend that connects, in preference order,
// and starts the health monitor. It returns once a backend is active.
func (b *Bridge) Initialize(ctx context.Context) error {
	b.mu.Lock()
	if b.lifecycle != nil {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	lctx, cancel := context.WithCancel(context.Background())
	b.lifecycle, b.cancel = lctx, cancel
	b.mu.Unlock()

	b.setState(lctx, Selecting, nil)

	// Selection stops if either the caller or Stop gives up.
	sctx, scancel := context.WithCancel(ctx)
	defer scancel()
	stopWatch := context.AfterFunc(lctx, scancel)
	defer stopWatch()

	c, err := b.selectFrom(sctx, 0)
	if err != nil {
		b.mu.Lock()
		if b.lifecycle == lctx {
			b.lifecycle, b.cancel = nil, nil
			b.state = Uninitialized
		}
		b.mu.Unlock()
		cancel()
		b.publish(StateEvent{State: Uninitialized, Err: err})
		return err
	}
	if !b.activate(lctx, c) {
		return context.Canceled
	}
	b.mu.Lock()
	if b.lifecycle == lctx {
		b.spawnLocked(func() { b.monitor(lctx) })
	}
	b.mu.Unlock()
	return nil
}

// connect makes one breaker-guarded, time-limited connect attempt.
// On success c stays the connecting candidate until activate or release.
func (b *Bridge) connect(ctx context.Context, c *candidate) error {
	b.mu.Lock()
	b.connecting = c
	b.mu.Unlock()
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
		defer cancel()
		return c.backend.Connect(cctx)
	})
	if err != nil {
		b.mu.Lock()
		if b.connecting == c {
			b.connecting = nil
		}
		b.mu.Unlock()
	}
	return err
}

// release drops a connected candidate that will not become active.
func (b *Bridge) release(c *candidate) {
	b.mu.Lock()
	if b.connecting == c {
		b.connecting = nil
	}
	b.mu.Unlock()
	c.backend.Disconnect()
}

// selectFrom tries candidates from index start onward and returns the first
// that connects.
func (b *Bridge) selectFrom(ctx context.Context, start int) (*candidate, error) {
	for _, c := range b.cands[start:] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		kind := c.backend.Kind()
		err := b.connect(ctx, c)
		if err == nil {
			return c, nil
		}
		if errors.Is(err, breaker.ErrOpen) {
			logger.Info("backend cooling down, skipping", "backend", kind)
		} else {
			logger.Warn("backend connect failed", "backend", kind, "err", err, "failures", c.breaker.Failures())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrBackendsExhausted
}

// activate makes c the active backend under lifecycle ctx. It reports false
// (and releases c) if the bridge was stopped in the meantime.
func (b *Bridge) activate(ctx context.Context, c *candidate) bool {
	b.mu.Lock()
	if b.connecting == c {
		b.connecting = nil
	}
	if b.lifecycle != ctx {
		b.mu.Unlock()
		c.backend.Disconnect()
		return false
	}
	prev := b.active
	b.active = c
	b.state = Active
	b.probeFails = 0
	b.exited = false
	cols, rows := b.cols, b.rows
	b.mu.Unlock()

	if prev != nil && prev != c {
		prev.backend.Disconnect()
	}
	if cols > 0 && rows > 0 {
		c.backend.Resize(cols, rows)
	}
	logger.Info("backend active", "backend", c.backend.Kind())
	b.publish(StateEvent{State: Active, Backend: c.backend.Kind()})
	return true
}

// recover reconnects c with backoff; once attempts run out it reselects
// from the next preferred backend.
func (b *Bridge) recover(ctx context.Context, c *candidate, cause error) {
	b.mu.Lock()
	if b.lifecycle != ctx || b.state != Active || b.active != c {
		b.mu.Unlock()
		return
	}
	b.state = Recovering
	b.mu.Unlock()
	b.publish(StateEvent{State: Recovering, Backend: c.backend.Kind(), Err: cause})
	logger.Warn("backend lost, reconnecting", "backend", c.backend.Kind(), "err", cause)

	bo := b.backoff
	bo.Reset()
	for {
		delay, ok := bo.Next()
		if !ok {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		err := b.connect(ctx, c)
		if ctx.Err() != nil {
			if err == nil {
				b.release(c)
			}
			return
		}
		if err == nil {
			b.activate(ctx, c)
			return
		}
		logger.Debug("reconnect failed", "backend", c.backend.Kind(), "attempt", bo.Attempt(), "err", err)
	}

	logger.Warn("reconnect attempts exhausted, selecting next backend", "backend", c.backend.Kind(), "attempts", b.cfg.ReconnectAttempts)
	if !b.setState(ctx, Selecting, cause) {
		return
	}
	next, err := b.selectFrom(ctx, c.index+1)
	if err != nil && ctx.Err() == nil {
		logger.Warn("fallback backends failed, using local emulator", "err", err)
		next, err = b.fallbackLocal(ctx)
	}
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("no backend available", "err", err)
			b.setState(ctx, Recovering, err)
		}
		return
	}
	b.activate(ctx, next)
}

// fallbackLocal connects the local emulator regardless of its position in
// the order or the state of its breaker.
func (b *Bridge) fallbackLocal(ctx context.Context) (*candidate, error) {
	for i := len(b.cands) - 1; i >= 0; i-- {
		c := b.cands[i]
		if c.backend.Kind() != config.BackendLocal {
			continue
		}
		c.breaker.Reset()
		if err := b.connect(ctx, c); err != nil {
			return nil, fmt.Errorf("local emulator: %w", err)
		}
		return c, nil
	}
	return nil, ErrBackendsExhausted
}

func (b *Bridge) monitor(ctx context.Context) {
	t := time.NewTicker(b.cfg.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.checkHealth(ctx)
		}
	}
}

func (b *Bridge) checkHealth(ctx context.Context) {
	b.mu.Lock()
	if b.lifecycle != ctx || b.state != Active || b.exited {
		b.mu.Unlock()
		return
	}
	c := b.active
	b.mu.Unlock()

	if !c.backend.IsConnected() {
		b.recover(ctx, c, backend.ErrNotConnected)
		return
	}

	if p, ok := c.backend.(backend.Prober); ok {
		pctx, cancel := context.WithTimeout(ctx, b.cfg.ProbeTimeout)
		err := p.Probe(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		b.mu.Lock()
		if err != nil {
			b.probeFails++
		} else {
			b.probeFails = 0
		}
		fails := b.probeFails
		b.mu.Unlock()
		if err != nil {
			logger.Debug("health probe failed", "backend", c.backend.Kind(), "consecutive", fails, "err", err)
			if fails >= b.cfg.ProbeFailures {
				logger.Warn("backend unhealthy", "backend", c.backend.Kind(), "consecutive", fails)
				c.backend.Disconnect()
				b.recover(ctx, c, fmt.Errorf("%d consecutive probe failures: %w", fails, err))
			}
			return
		}
	}

	if b.cfg.Promote && c.index > 0 {
		b.promote(ctx, c)
	}
}

// promote tries the backends preferred over the active one and switches to
// the first that connects.
func (b *Bridge) promote(ctx context.Context, cur *candidate) {
	for _, c := range b.cands[:cur.index] {
		if err := b.connect(ctx, c); err != nil {
			continue
		}
		if !b.isActive(cur) {
			b.release(c)
			return
		}
		logger.Info("promoting backend", "from", cur.backend.Kind(), "to", c.backend.Kind())
		b.activate(ctx, c)
		return
	}
}

// Stop cancels every timer and goroutine, disconnects the active backend,
// resets the breakers and returns the bridge to uninitialized.
func (b *Bridge) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	active := b.active
	b.lifecycle, b.cancel = nil, nil
	b.active = nil
	b.connecting = nil
	b.state = Uninitialized
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	if active != nil {
		active.backend.Disconnect()
	}
	for _, c := range b.cands {
		c.breaker.Reset()
	}
	if cancel != nil {
		b.publish(StateEvent{State: Uninitialized})
	}
}

func (b *Bridge) current() backend.Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil || b.state != Active {
		return nil
	}
	return b.active.backend
}

// SendInput forwards to the active backend. Input typed while recovering
// is dropped.
func (b *Bridge) SendInput(p []byte) {
	if be := b.current(); be != nil {
		be.SendInput(p)
	}
}

// Resize forwards to the active backend and is replayed on backend swaps.
func (b *Bridge) Resize(cols, rows int) {
	b.mu.Lock()
	b.cols, b.rows = cols, rows
	b.mu.Unlock()
	if be := b.current(); be != nil {
		be.Resize(cols, rows)
	}
}

func (b *Bridge) Kill() {
	if be := b.current(); be != nil {
		be.Kill()
	}
}

// Exec runs a one-shot command on the active backend.
func (b *Bridge) Exec(ctx context.Context, command, cwd string) (tools.Result, error) {
	be := b.current()
	if be == nil {
		return tools.Result{}, backend.ErrNotConnected
	}
	ex, ok := be.(backend.Executor)
	if !ok {
		return tools.Result{}, fmt.Errorf("backend %s cannot exec", be.Kind())
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.ExecTimeout)
	defer cancel()
	return ex.Exec(ctx, command, cwd)
}

// RunOnce runs a one-shot command without opening a session. The first
// backend in preference order whose probe passes runs it; backends without
// a probe count as available. A failed exec is returned rather than retried
// elsewhere, since the command may already have run.
func (b *Bridge) RunOnce(ctx context.Context, command, cwd string) (tools.Result, error) {
	lastErr := ErrBackendsExhausted
	for _, c := range b.cands {
		ex, ok := c.backend.(backend.Executor)
		if !ok {
			continue
		}
		kind := c.backend.Kind()
		if p, ok := c.backend.(backend.Prober); ok {
			err := c.breaker.Do(ctx, func(ctx context.Context) error {
				pctx, cancel := context.WithTimeout(ctx, b.cfg.ProbeTimeout)
				defer cancel()
				return p.Probe(pctx)
			})
			if err != nil {
				if ctx.Err() != nil {
					return tools.Result{}, ctx.Err()
				}
				logger.Debug("backend unavailable for exec", "backend", kind, "err", err)
				lastErr = err
				continue
			}
		}
		ectx, cancel := context.WithTimeout(ctx, b.cfg.ExecTimeout)
		res, err := ex.Exec(ectx, command, cwd)
		cancel()
		if err != nil {
			return tools.Result{}, fmt.Errorf("%s: %w", kind, err)
		}
		logger.Debug("exec ran", "backend", kind, "exit", res.ExitCode)
		return res, nil
	}
	return tools.Result{}, lastErr
}
