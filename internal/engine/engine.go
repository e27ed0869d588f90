// Package engine is the host-facing facade. It owns one render session, the
// loader, the motion mapper, the emotion dispatcher and the interaction
// controller, and drives them from a single Tick on the render goroutine.
package engine

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/normanking/cortexpuppet/internal/assets"
	"github.com/normanking/cortexpuppet/internal/bus"
	"github.com/normanking/cortexpuppet/internal/emotion"
	"github.com/normanking/cortexpuppet/internal/interaction"
	"github.com/normanking/cortexpuppet/internal/loader"
	"github.com/normanking/cortexpuppet/internal/metrics"
	"github.com/normanking/cortexpuppet/internal/motion"
	"github.com/normanking/cortexpuppet/internal/puppet"
	"github.com/normanking/cortexpuppet/internal/render"
	"github.com/normanking/cortexpuppet/internal/speech"
	"github.com/normanking/cortexpuppet/internal/tracking"
	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("engine: closed")

type Options struct {
	Backend render.Backend
	Surface render.SurfaceSpec
	Fetcher assets.Fetcher

	// Tracking and Speech are optional providers polled once per tick.
	Tracking tracking.Provider
	Speech   speech.Provider

	Mapper  motion.Config
	Groups  emotion.Groups
	Session render.Options
	Loader  loader.Options
	Rand    *rand.Rand

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	// Bus receives every engine event. A private bus is created when nil.
	Bus *bus.EventBus
}

type motionRequest struct {
	group string
	index int
}

// Engine hosts one puppet on one surface.
type Engine struct {
	mu sync.Mutex

	log     zerolog.Logger
	bus     *bus.EventBus
	metrics *metrics.Metrics

	session    *render.Session
	loader     *loader.Loader
	mapper     *motion.Mapper
	dispatcher *emotion.Dispatcher
	controller *interaction.Controller

	tracking tracking.Provider
	speech   speech.Provider

	emotions []string
	motions  []motionRequest
	speaking bool
	closed   bool

	cbMu       sync.RWMutex
	onLoaded   func(puppet.Descriptor)
	onError    func(error)
	onSpeaking func(bool)
}

// New creates the render session and everything around it. A surface that
// cannot be created is returned as a *render.ResourceError.
func New(opts Options) (*Engine, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("engine: backend is required")
	}
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("engine: fetcher is required")
	}
	if opts.Bus == nil {
		opts.Bus = bus.NewEventBus()
	}
	if opts.Groups == (emotion.Groups{}) {
		opts.Groups = emotion.DefaultGroups()
	}
	if opts.Mapper.Rand == nil {
		opts.Mapper.Rand = opts.Rand
	}

	e := &Engine{
		log:        opts.Logger.With().Str("component", "engine").Logger(),
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		mapper:     motion.NewMapper(opts.Mapper),
		controller: interaction.NewController(),
		tracking:   opts.Tracking,
		speech:     opts.Speech,
	}

	e.bus.Subscribe(bus.EventTypeContextLost, e.handleContextLost)
	e.bus.Subscribe(bus.EventTypeContextRestored, e.handleContextRestored)
	e.bus.Subscribe(bus.EventTypeError, e.handleError)

	sopts := opts.Session
	sopts.Logger = opts.Logger
	sopts.Metrics = opts.Metrics
	sopts.Bus = opts.Bus
	sopts.IdleGroup = opts.Groups.Idle
	session, err := render.New(opts.Backend, opts.Surface, sopts)
	if err != nil {
		return nil, err
	}
	e.session = session

	lopts := opts.Loader
	lopts.Logger = opts.Logger
	lopts.Metrics = opts.Metrics
	e.loader = loader.New(opts.Fetcher, lopts)

	e.dispatcher = emotion.NewDispatcher(e.target, opts.Groups, opts.Rand, opts.Logger, opts.Metrics)

	e.controller.SetOnChange(func(t interaction.Transform) {
		e.bus.PublishSync(bus.Event{
			Type: bus.EventTypeTransformChanged,
			Data: map[string]any{"position": t.Position, "scale": t.Scale},
		})
	})

	e.log.Info().Str("session", session.ID()).Msg("Engine started")
	return e, nil
}

// OnLoaded registers the callback fired when a model goes on screen.
func (e *Engine) OnLoaded(fn func(puppet.Descriptor)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onLoaded = fn
}

// OnError registers the callback for every error surfaced to the host.
func (e *Engine) OnError(fn func(error)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onError = fn
}

func (e *Engine) OnSpeakingChange(fn func(speaking bool)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onSpeaking = fn
}

func (e *Engine) Bus() *bus.EventBus { return e.bus }

func (e *Engine) Session() *render.Session { return e.session }

// Interaction returns the gesture controller the host feeds pointer, touch
// and wheel events into.
func (e *Engine) Interaction() *interaction.Controller { return e.controller }

// LoadModel requests desc and returns the request's generation token.
func (e *Engine) LoadModel(desc puppet.Descriptor) (uint64, error) {
	if err := desc.Validate(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	return e.loader.RequestLoad(desc), nil
}

// SetEmotion queues label; it is applied on the next Tick.
func (e *Engine) SetEmotion(label string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.emotions = append(e.emotions, label)
}

// PlayMotion queues a user-triggered clip. It plays at PriorityForce on the
// next Tick, so emotion clips cannot interrupt it.
func (e *Engine) PlayMotion(group string, index int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.motions = append(e.motions, motionRequest{group: group, index: index})
}

func (e *Engine) SetTrackingMode(mode motion.TrackingMode) {
	e.mapper.SetMode(mode)
	e.log.Info().Stringer("mode", mode).Msg("Tracking mode changed")
}

func (e *Engine) Resize(width, height int, pixelRatio float32) error {
	return e.session.Resize(width, height, pixelRatio)
}

// ContextLost forwards the driver's loss signal.
func (e *Engine) ContextLost() error {
	return e.session.ContextLost()
}

// ContextRestored forwards the driver's restore signal.
func (e *Engine) ContextRestored() error {
	return e.session.ContextRestored()
}

// Tick runs one frame: apply a finished load, advance the session, dispatch
// queued emotions, map tracking and speech onto the model, draw.
func (e *Engine) Tick(now time.Time, dt time.Duration) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	labels := e.emotions
	e.emotions = nil
	motions := e.motions
	e.motions = nil
	e.mu.Unlock()

	e.applyLoad()
	e.session.Tick(now, dt)

	for _, label := range labels {
		e.dispatcher.Dispatch(label)
	}
	for _, mr := range motions {
		e.playMotion(mr)
	}

	secs := float32(dt.Seconds())

	var mouth *motion.MouthState
	if e.speech != nil {
		m := e.speech.Mouth(now, secs)
		mouth = &m
		e.setSpeaking(m.IsSpeaking)
	}

	if model := e.session.Model(); model != nil {
		st := e.controller.State()
		model.SetOverlay(st.Offset, st.Scale)

		var sample *motion.Sample
		if e.tracking != nil {
			if s, ok := e.tracking.Latest(); ok {
				sample = s
			}
		}
		frame := e.mapper.Map(secs, sample, mouth, model.Capabilities())
		e.session.ApplyFrame(&frame)
	}

	err := e.session.Render()
	if errors.Is(err, render.ErrContextLost) {
		return nil
	}
	return err
}

// applyLoad hands a resolved load to the session. Results wait in the
// loader while the session is not Ready.
func (e *Engine) applyLoad() {
	if e.session.Status() != render.StatusReady {
		return
	}
	res, ok := e.loader.Poll()
	if !ok {
		return
	}

	if res.Err != nil {
		e.bus.PublishSync(bus.Event{
			Type: bus.EventTypeModelFailed,
			Data: map[string]any{"model": res.Descriptor.ID, "token": res.Token, "error": res.Err},
		})
		e.bus.PublishSync(bus.Event{
			Type: bus.EventTypeError,
			Data: map[string]any{"error": res.Err, "model": res.Descriptor.ID},
		})
		return
	}

	// The session publishes its own error event when the upload fails.
	model, err := e.session.Swap(res.Asset)
	if err != nil {
		e.loader.Fail(res, err)
		e.bus.PublishSync(bus.Event{
			Type: bus.EventTypeModelFailed,
			Data: map[string]any{"model": res.Descriptor.ID, "token": res.Token, "error": err},
		})
		return
	}

	e.loader.Commit(res)
	e.mapper.Reset()
	e.controller.SetNominal(interaction.Nominal{
		Anchor:    res.Descriptor.Anchor,
		BaseScale: res.Descriptor.Scale(),
	})
	e.controller.Reset()

	e.log.Info().
		Str("model", res.Descriptor.ID).
		Uint64("token", res.Token).
		Int("parameters", model.Capabilities().Count()).
		Msg("Model loaded")

	e.bus.PublishSync(bus.Event{
		Type: bus.EventTypeModelLoaded,
		Data: map[string]any{"model": res.Descriptor.ID, "token": res.Token},
	})

	e.cbMu.RLock()
	fn := e.onLoaded
	e.cbMu.RUnlock()
	if fn != nil {
		fn(res.Descriptor)
	}
}

func (e *Engine) playMotion(mr motionRequest) {
	model := e.session.Model()
	if model == nil || !model.StartMotion(mr.group, mr.index, emotion.PriorityForce) {
		e.log.Warn().Str("group", mr.group).Int("index", mr.index).Msg("Motion not played")
		return
	}
	e.log.Debug().Str("group", mr.group).Int("index", mr.index).Msg("Motion started")
}

// target returns the live model for the dispatcher, or nil.
func (e *Engine) target() emotion.Target {
	if m := e.session.Model(); m != nil {
		return m
	}
	return nil
}

func (e *Engine) setSpeaking(speaking bool) {
	e.mu.Lock()
	if e.speaking == speaking {
		e.mu.Unlock()
		return
	}
	e.speaking = speaking
	e.mu.Unlock()

	e.bus.PublishSync(bus.Event{
		Type: bus.EventTypeSpeakingChanged,
		Data: map[string]any{"speaking": speaking},
	})

	e.cbMu.RLock()
	fn := e.onSpeaking
	e.cbMu.RUnlock()
	if fn != nil {
		fn(speaking)
	}
}

func (e *Engine) handleContextLost(bus.Event) {
	if e.loader != nil {
		e.loader.Cancel()
	}
	e.emitError(render.ErrContextLost)
}

func (e *Engine) handleContextRestored(bus.Event) {
	e.mapper.Reset()
}

func (e *Engine) handleError(ev bus.Event) {
	err, _ := ev.Data["error"].(error)
	if err == nil {
		return
	}
	e.emitError(err)
}

func (e *Engine) emitError(err error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}

	e.cbMu.RLock()
	fn := e.onError
	e.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// Teardown stops the loader and destroys the session. Calling it again has
// no effect.
func (e *Engine) Teardown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.emotions = nil
	e.motions = nil
	e.mu.Unlock()

	e.loader.Close()
	e.session.Teardown()
	e.log.Info().Msg("Engine stopped")
}
