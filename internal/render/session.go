package render

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/normanking/cortexpuppet/internal/bus"
	"github.com/normanking/cortexpuppet/internal/emotion"
	"github.com/normanking/cortexpuppet/internal/metrics"
	"github.com/normanking/cortexpuppet/internal/puppet"
	"github.com/rs/zerolog"
)

// Options tune a session. Zero values fall back to DefaultOptions.
type Options struct {
	// RestoreDelay is how long the session waits after a restore signal
	// before rebuilding. Failed rebuilds retry after the same delay.
	RestoreDelay    time.Duration
	RestoreAttempts int
	// IdleGroup is replayed whenever no clip is running.
	IdleGroup string

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Bus     *bus.EventBus
	Now     func() time.Time
}

func DefaultOptions() Options {
	return Options{
		RestoreDelay:    500 * time.Millisecond,
		RestoreAttempts: 3,
		IdleGroup:       emotion.DefaultGroups().Idle,
		Logger:          zerolog.Nop(),
		Now:             time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RestoreDelay <= 0 {
		o.RestoreDelay = d.RestoreDelay
	}
	if o.RestoreAttempts <= 0 {
		o.RestoreAttempts = d.RestoreAttempts
	}
	if o.IdleGroup == "" {
		o.IdleGroup = d.IdleGroup
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// Session owns one surface, its GPU context and at most one live model.
// Everything except the signal methods is expected to run on the render
// goroutine.
type Session struct {
	mu sync.Mutex

	id      string
	backend Backend
	spec    SurfaceSpec
	opts    Options
	log     zerolog.Logger

	status  Status
	surface Surface
	model   *Model
	// asset is the decoded asset of the current model. It outlives the
	// model across a context loss so the restore can rebuild from it.
	asset *puppet.Asset
	// expression is carried from the lost model to its rebuilt copy.
	expression int
	err        error

	restoreAt    time.Time
	restoreTries int
	idleNext     int

	pending []bus.Event
}

// New creates the surface and brings the session to Ready. A surface that
// cannot be created yields a *ResourceError and a Destroyed session.
func New(backend Backend, spec SurfaceSpec, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	s := &Session{
		id:         uuid.NewString(),
		backend:    backend,
		spec:       spec,
		opts:       opts,
		status:     StatusUninitialized,
		expression: -1,
	}
	s.log = opts.Logger.With().Str("session", s.id).Logger()

	s.mu.Lock()
	s.transitionLocked(StatusInitializing)
	surface, err := backend.CreateSurface(spec)
	if err != nil {
		rerr := &ResourceError{Op: "create surface", Err: err}
		s.err = rerr
		s.transitionLocked(StatusDestroyed)
		s.queueLocked(bus.EventTypeError, map[string]any{"error": rerr})
		s.mu.Unlock()
		s.flush()
		s.log.Error().Err(err).Msg("Surface creation failed")
		return nil, rerr
	}
	s.surface = surface
	s.transitionLocked(StatusReady)
	s.mu.Unlock()
	s.flush()

	s.log.Info().
		Int("width", spec.Width).
		Int("height", spec.Height).
		Float32("pixel_ratio", spec.PixelRatio).
		Bool("transparent", spec.Transparent).
		Msg("Render session ready")
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Model returns the live model, or nil.
func (s *Session) Model() *Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// Err returns the flagged error state, cleared by the next successful swap
// or restore.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) SurfaceSpec() SurfaceSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}

// Swap tears the current model down and then constructs one from asset.
// The session takes ownership of asset in every case, releasing it when the
// swap cannot happen.
func (s *Session) Swap(asset *puppet.Asset) (*Model, error) {
	s.mu.Lock()
	switch s.status {
	case StatusReady:
	case StatusDestroyed:
		s.mu.Unlock()
		asset.Release()
		return nil, ErrDestroyed
	case StatusContextLost, StatusRestoring:
		s.mu.Unlock()
		asset.Release()
		return nil, ErrContextLost
	default:
		s.mu.Unlock()
		asset.Release()
		return nil, ErrNotReady
	}

	s.dropModelLocked(true)

	res, err := s.surface.Upload(asset)
	if err != nil {
		rerr := &ResourceError{Op: "upload " + asset.Descriptor.ID, Err: err}
		asset.Release()
		s.err = rerr
		s.queueLocked(bus.EventTypeError, map[string]any{"error": rerr, "model": asset.Descriptor.ID})
		s.mu.Unlock()
		s.flush()
		s.log.Error().Err(err).Str("model", asset.Descriptor.ID).Msg("Model upload failed")
		return nil, rerr
	}

	m := newModel(asset, res)
	s.model = m
	s.asset = asset
	s.err = nil
	s.idleNext = 0
	s.startIdleLocked()
	s.mu.Unlock()

	s.log.Info().
		Str("model", asset.Descriptor.ID).
		Int("parameters", m.caps.Count()).
		Msg("Model constructed")
	return m, nil
}

// ApplyFrame writes each present field to the live model and returns how
// many were applied. Fields the model lacks are skipped one by one.
func (s *Session) ApplyFrame(frame *puppet.Frame) int {
	start := s.opts.Now()

	s.mu.Lock()
	m := s.model
	ready := s.status == StatusReady
	s.mu.Unlock()
	if !ready || m == nil || frame == nil {
		return 0
	}

	applied := 0
	var skipped []puppet.Param
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return 0
	}
	frame.Each(func(p puppet.Param, v float32) {
		if m.setParameter(p, v) {
			applied++
			return
		}
		skipped = append(skipped, p)
	})
	m.mu.Unlock()

	for _, p := range skipped {
		perr := &puppet.ParameterApplyError{Model: m.desc.ID, Param: p}
		s.log.Debug().Err(perr).Msg("Parameter skipped")
		s.opts.Metrics.SkippedParam(p.String())
	}
	s.opts.Metrics.ObserveFrameApply(s.opts.Now().Sub(start))
	return applied
}

func (s *Session) Resize(width, height int, pixelRatio float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusDestroyed {
		return ErrDestroyed
	}
	s.spec.Width = width
	s.spec.Height = height
	if pixelRatio > 0 {
		s.spec.PixelRatio = pixelRatio
	}
	// A lost session picks the new size up on restore.
	if s.surface == nil || s.status != StatusReady {
		return nil
	}
	if err := s.surface.Resize(width, height, s.spec.PixelRatio); err != nil {
		return &ResourceError{Op: "resize", Err: err}
	}
	return nil
}

// Tick advances the session by dt. It rebuilds a restoring session once its
// delay has passed and advances the running clip.
func (s *Session) Tick(now time.Time, dt time.Duration) {
	s.mu.Lock()
	if s.status == StatusRestoring && !now.Before(s.restoreAt) {
		s.restoreLocked(now)
	}
	if s.status == StatusReady && s.model != nil {
		if s.model.update(dt) {
			s.startIdleLocked()
		}
	}
	s.mu.Unlock()
	s.flush()
}

// Render draws the live model.
func (s *Session) Render() error {
	s.mu.Lock()
	status := s.status
	surface := s.surface
	m := s.model
	s.mu.Unlock()

	switch status {
	case StatusReady:
	case StatusDestroyed:
		return ErrDestroyed
	case StatusContextLost, StatusRestoring:
		return ErrContextLost
	default:
		return ErrNotReady
	}

	surface.BeginFrame()
	defer surface.EndFrame()
	if m == nil {
		return nil
	}
	return m.draw()
}

// ContextLost handles the driver's loss signal. Every GPU handle is
// invalid from here on; the decoded asset is kept for the restore.
func (s *Session) ContextLost() error {
	s.mu.Lock()
	if !CanTransition(s.status, StatusContextLost) {
		from := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, StatusContextLost)
	}
	s.expression = -1
	if s.model != nil {
		s.expression = s.model.expressionIndex()
	}
	s.dropModelLocked(false)
	s.releaseSurfaceLocked()
	s.transitionLocked(StatusContextLost)
	s.queueLocked(bus.EventTypeContextLost, map[string]any{"error": ErrContextLost})
	s.mu.Unlock()

	s.opts.Metrics.ContextLost()
	s.log.Warn().Msg("GPU context lost")
	s.flush()
	return nil
}

// ContextRestored handles the driver's restore signal. The rebuild happens
// on the first Tick after RestoreDelay.
func (s *Session) ContextRestored() error {
	s.mu.Lock()
	if !CanTransition(s.status, StatusRestoring) {
		from := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, StatusRestoring)
	}
	s.restoreAt = s.opts.Now().Add(s.opts.RestoreDelay)
	s.restoreTries = 0
	s.transitionLocked(StatusRestoring)
	s.mu.Unlock()

	s.log.Info().Dur("delay", s.opts.RestoreDelay).Msg("GPU context restored, rebuilding after delay")
	s.flush()
	return nil
}

// Teardown releases the model, its asset and the surface. Calling it again
// has no effect.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.status == StatusDestroyed {
		s.mu.Unlock()
		return
	}
	s.dropModelLocked(true)
	s.releaseSurfaceLocked()
	s.transitionLocked(StatusDestroyed)
	s.queueLocked(bus.EventTypeSessionDestroyed, nil)
	s.mu.Unlock()

	s.log.Info().Msg("Render session destroyed")
	s.flush()
}

// restoreLocked performs one full re-initialization attempt: a fresh
// surface and a fresh model from the retained asset.
func (s *Session) restoreLocked(now time.Time) {
	s.restoreTries++
	err := s.rebuildLocked()
	if err == nil {
		s.err = nil
		s.transitionLocked(StatusReady)
		s.queueLocked(bus.EventTypeContextRestored, nil)
		s.opts.Metrics.RestoreAttempt("success")
		s.log.Info().Int("attempt", s.restoreTries).Msg("Session rebuilt")
		return
	}

	s.opts.Metrics.RestoreAttempt("failure")
	s.log.Warn().Err(err).Int("attempt", s.restoreTries).Msg("Session rebuild failed")
	if s.restoreTries < s.opts.RestoreAttempts {
		s.restoreAt = now.Add(s.opts.RestoreDelay)
		return
	}

	rerr := &ResourceError{Op: "restore", Err: err}
	s.err = rerr
	s.transitionLocked(StatusContextLost)
	s.queueLocked(bus.EventTypeError, map[string]any{"error": rerr})
	s.log.Error().Err(err).Int("attempts", s.restoreTries).Msg("Giving up on restore")
}

func (s *Session) rebuildLocked() error {
	surface, err := s.backend.CreateSurface(s.spec)
	if err != nil {
		return fmt.Errorf("create surface: %w", err)
	}
	if s.asset == nil || s.asset.Released() {
		s.asset = nil
		s.surface = surface
		return nil
	}
	res, err := surface.Upload(s.asset)
	if err != nil {
		surface.Release()
		return fmt.Errorf("upload %s: %w", s.asset.Descriptor.ID, err)
	}
	s.surface = surface
	s.model = newModel(s.asset, res)
	s.model.SetExpressionIndex(s.expression)
	s.idleNext = 0
	s.startIdleLocked()
	return nil
}

func (s *Session) dropModelLocked(releaseAsset bool) {
	if s.model != nil {
		s.model.destroy(releaseAsset)
		s.model = nil
	}
	if releaseAsset && s.asset != nil {
		s.asset.Release()
		s.asset = nil
	}
}

func (s *Session) releaseSurfaceLocked() {
	if s.surface == nil {
		return
	}
	s.surface.Release()
	s.surface = nil
}

func (s *Session) startIdleLocked() {
	m := s.model
	if m == nil {
		return
	}
	n := m.MotionCount(s.opts.IdleGroup)
	if n == 0 {
		return
	}
	if m.StartMotion(s.opts.IdleGroup, s.idleNext%n, emotion.PriorityIdle) {
		s.idleNext++
	}
}

// transitionLocked moves to the target status. Callers check legality
// first; an illegal move here is a programming error and is logged.
func (s *Session) transitionLocked(to Status) {
	from := s.status
	if !CanTransition(from, to) {
		s.log.Error().Err(ErrInvalidTransition).Stringer("from", from).Stringer("to", to).Msg("Rejected status change")
		return
	}
	s.status = to
	s.opts.Metrics.SetSessionStatus(s.id, to.String(), StatusNames())
	s.queueLocked(bus.EventTypeStatusChanged, map[string]any{
		"from": from.String(),
		"to":   to.String(),
	})
}

func (s *Session) queueLocked(t bus.EventType, data map[string]any) {
	if s.opts.Bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["session"] = s.id
	s.pending = append(s.pending, bus.Event{Type: t, Data: data})
}

// flush publishes queued events outside the lock so handlers may call back
// into the session.
func (s *Session) flush() {
	s.mu.Lock()
	events := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, e := range events {
		s.opts.Bus.PublishSync(e)
	}
}

// IsResourceError reports whether err carries a *ResourceError.
func IsResourceError(err error) bool {
	var rerr *ResourceError
	return errors.As(err, &rerr)
}
