// Package loader fetches puppet assets off the render goroutine. Requests
// settle for a debounce window, carry a strictly increasing generation
// token, and only the newest request may hand its result to the renderer.
package loader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/normanking/cortexpuppet/internal/assets"
	"github.com/normanking/cortexpuppet/internal/metrics"
	"github.com/normanking/cortexpuppet/internal/puppet"
	"github.com/rs/zerolog"
)

type Options struct {
	// BundledSettle and RemoteSettle are the debounce windows per origin.
	BundledSettle time.Duration
	RemoteSettle  time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

func DefaultOptions() Options {
	return Options{
		BundledSettle: 100 * time.Millisecond,
		RemoteSettle:  400 * time.Millisecond,
		Logger:        zerolog.Nop(),
	}
}

// Result is a resolved load handed to the render goroutine. Exactly one of
// Asset and Err is set.
type Result struct {
	Token      uint64
	Descriptor puppet.Descriptor
	Asset      *puppet.Asset
	Err        error
}

type request struct {
	token  uint64
	desc   puppet.Descriptor
	ctx    context.Context
	cancel context.CancelFunc
}

type stateKind int

const (
	stateIdle stateKind = iota
	stateSettling
	stateFetching
	stateResolved
)

func (k stateKind) String() string {
	switch k {
	case stateSettling:
		return "settling"
	case stateFetching:
		return "fetching"
	case stateResolved:
		return "resolved"
	default:
		return "idle"
	}
}

// state is idle, settling{req}, fetching{req} or resolved{req, result}.
type state struct {
	kind   stateKind
	req    *request
	result *Result
}

type Loader struct {
	mu      sync.Mutex
	fetcher assets.Fetcher
	opts    Options
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	next  uint64
	state state

	applied      *puppet.Descriptor
	appliedToken uint64
	errPending   bool

	debouncers map[puppet.Origin]func(func())
	closed     bool
}

func New(fetcher assets.Fetcher, opts Options) *Loader {
	d := DefaultOptions()
	if opts.BundledSettle <= 0 {
		opts.BundledSettle = d.BundledSettle
	}
	if opts.RemoteSettle <= 0 {
		opts.RemoteSettle = d.RemoteSettle
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		fetcher: fetcher,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "loader").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		debouncers: map[puppet.Origin]func(func()){
			puppet.OriginBundled: debounce.New(opts.BundledSettle),
			puppet.OriginRemote:  debounce.New(opts.RemoteSettle),
		},
	}
}

// RequestLoad enqueues desc and returns its generation token. Any earlier
// request is abandoned. Asking for the model already on screen, with no
// error pending, is a no-op that returns the token it was loaded with.
func (l *Loader) RequestLoad(desc puppet.Descriptor) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0
	}

	if l.applied != nil && l.applied.Equal(desc) && !l.errPending {
		if l.state.kind != stateIdle {
			l.log.Debug().
				Str("model", desc.ID).
				Stringer("abandoned", l.state.kind).
				Msg("Requested model already shown, dropping in-flight load")
			l.abandonLocked()
		}
		l.opts.Metrics.LoadOutcome("short_circuit")
		return l.appliedToken
	}

	l.abandonLocked()

	l.next++
	ctx, cancel := context.WithCancel(l.ctx)
	req := &request{token: l.next, desc: desc, ctx: ctx, cancel: cancel}
	l.state = state{kind: stateSettling, req: req}

	settle := l.opts.BundledSettle
	if desc.Origin == puppet.OriginRemote {
		settle = l.opts.RemoteSettle
	}
	l.log.Debug().
		Str("model", desc.ID).
		Uint64("token", req.token).
		Dur("settle", settle).
		Msg("Load requested")
	l.opts.Metrics.LoadOutcome("requested")

	token := req.token
	l.debouncers[desc.Origin](func() { l.begin(token) })
	return token
}

// abandonLocked drops whatever is in flight. A resolved but unpolled asset
// is released here; a fetch still running releases its asset when it
// resolves and finds itself stale.
func (l *Loader) abandonLocked() {
	switch l.state.kind {
	case stateIdle:
		return
	case stateResolved:
		if l.state.result != nil && l.state.result.Asset != nil {
			l.state.result.Asset.Release()
		}
	}
	if l.state.req != nil {
		l.state.req.cancel()
		l.opts.Metrics.LoadOutcome("superseded")
	}
	l.state = state{kind: stateIdle}
}

func (l *Loader) current(token uint64) bool {
	return l.state.req != nil && l.state.req.token == token
}

// begin runs on the debounce timer goroutine once the settle window closes.
func (l *Loader) begin(token uint64) {
	l.mu.Lock()
	if l.closed || !l.current(token) || l.state.kind != stateSettling {
		l.mu.Unlock()
		return
	}
	req := l.state.req
	l.state.kind = stateFetching
	l.wg.Add(1)
	l.mu.Unlock()
	defer l.wg.Done()

	asset, err := l.fetch(req)

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.current(token) || l.state.kind != stateFetching || req.ctx.Err() != nil {
		if asset != nil {
			asset.Release()
		}
		l.opts.Metrics.LoadOutcome("stale")
		l.log.Debug().Str("model", req.desc.ID).Uint64("token", token).Msg("Discarding stale load")
		return
	}

	res := &Result{Token: token, Descriptor: req.desc, Asset: asset, Err: err}
	if err != nil {
		res.Asset = nil
		if asset != nil {
			asset.Release()
		}
		l.errPending = true
		l.opts.Metrics.LoadOutcome("failed")
		l.log.Warn().Err(err).Str("model", req.desc.ID).Msg("Load failed")
	}
	l.state.kind = stateResolved
	l.state.result = res
}

// fetch turns a panicking fetcher into a failed load.
func (l *Loader) fetch(req *request) (asset *puppet.Asset, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Str("model", req.desc.ID).Msg("Fetcher panicked")
			asset = nil
			err = &assets.FetchError{Model: req.desc.ID, URL: req.desc.Source, Err: fmt.Errorf("fetcher panic: %v", r)}
		}
	}()
	return l.fetcher.Fetch(req.ctx, req.desc)
}

// Poll hands the resolved result, if any, to the caller, which then owns
// its asset.
func (l *Loader) Poll() (Result, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.kind != stateResolved || l.state.result == nil {
		return Result{}, false
	}
	res := *l.state.result
	l.state.req.cancel()
	l.state = state{kind: stateIdle}
	return res, true
}

// Commit records that res is now on screen.
func (l *Loader) Commit(res Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	desc := res.Descriptor
	l.applied = &desc
	l.appliedToken = res.Token
	l.errPending = false
	l.opts.Metrics.LoadOutcome("loaded")
	l.log.Info().Str("model", desc.ID).Uint64("token", res.Token).Msg("Model applied")
}

// Fail records that res could not be shown. The next request for any
// model, including the current one, goes through.
func (l *Loader) Fail(res Result, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errPending = true
	l.opts.Metrics.LoadOutcome("failed")
	l.log.Warn().Err(err).Str("model", res.Descriptor.ID).Msg("Model could not be applied")
}

// Cancel abandons in-flight work without touching what is on screen.
func (l *Loader) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.kind != stateIdle {
		l.log.Debug().Stringer("state", l.state.kind).Msg("Cancelling in-flight load")
	}
	l.abandonLocked()
}

// Busy reports whether a request is settling, fetching or waiting to be
// polled.
func (l *Loader) Busy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.kind != stateIdle
}

// Close abandons everything and waits for running fetches to return.
func (l *Loader) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.abandonLocked()
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
}
