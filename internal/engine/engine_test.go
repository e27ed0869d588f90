package engine_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/normanking/cortexpuppet/internal/assets"
	"github.com/normanking/cortexpuppet/internal/bus"
	"github.com/normanking/cortexpuppet/internal/emotion"
	"github.com/normanking/cortexpuppet/internal/engine"
	"github.com/normanking/cortexpuppet/internal/loader"
	"github.com/normanking/cortexpuppet/internal/metrics"
	"github.com/normanking/cortexpuppet/internal/motion"
	"github.com/normanking/cortexpuppet/internal/puppet"
	"github.com/normanking/cortexpuppet/internal/render"
	"github.com/normanking/cortexpuppet/internal/render/headless"
	"github.com/normanking/cortexpuppet/internal/tracking"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

type fetcher struct {
	mu      sync.Mutex
	calls   []string
	made    map[string][]*puppet.Asset
	params  map[string][]string
	fail    map[string]error
	gates   map[string]chan struct{}
	started chan string
}

func newFetcher() *fetcher {
	return &fetcher{
		made:    make(map[string][]*puppet.Asset),
		params:  make(map[string][]string),
		fail:    make(map[string]error),
		gates:   make(map[string]chan struct{}),
		started: make(chan string, 16),
	}
}

func (f *fetcher) Fetch(ctx context.Context, desc puppet.Descriptor) (*puppet.Asset, error) {
	f.mu.Lock()
	f.calls = append(f.calls, desc.ID)
	err := f.fail[desc.ID]
	gate := f.gates[desc.ID]
	params, ok := f.params[desc.ID]
	f.mu.Unlock()

	f.started <- desc.ID
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		params = puppet.ParamNames[:]
	}
	a := &puppet.Asset{
		Descriptor: desc,
		Textures:   []puppet.TextureData{{Name: "texture_00.png"}},
		Parameters: params,
	}
	f.mu.Lock()
	f.made[desc.ID] = append(f.made[desc.ID], a)
	f.mu.Unlock()
	return a, nil
}

func (f *fetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fetcher) Made(id string) []*puppet.Asset {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*puppet.Asset(nil), f.made[id]...)
}

type fakeSpeech struct {
	mu    sync.Mutex
	state motion.MouthState
}

func (s *fakeSpeech) Set(m motion.MouthState) {
	s.mu.Lock()
	s.state = m
	s.mu.Unlock()
}

func (s *fakeSpeech) Mouth(time.Time, float32) motion.MouthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func descriptor(id string) puppet.Descriptor {
	return puppet.Descriptor{
		ID:          id,
		Source:      "mem://" + id,
		Anchor:      mgl32.Vec2{100, 200},
		Expressions: []puppet.ExpressionDef{{Name: "joy"}, {Name: "sadness"}},
		Motions: map[string][]puppet.MotionDef{
			"Idle":    {{Name: "idle_01", Duration: 1}},
			"TapBody": {{Name: "tap_01", Duration: 0.5}, {Name: "tap_02", Duration: 0.5}},
			"Flick":   {{Name: "flick_01", Duration: 0.5}},
		},
	}
}

type harness struct {
	eng     *engine.Engine
	backend *headless.Backend
	fetcher *fetcher
	clock   *fakeClock
	bus     *bus.EventBus
	store   *tracking.Store
	speech  *fakeSpeech
	metrics *metrics.Metrics

	mu     sync.Mutex
	loaded []string
	errs   []error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		backend: headless.New(),
		fetcher: newFetcher(),
		clock:   &fakeClock{t: time.Unix(1000, 0)},
		bus:     bus.NewEventBus(),
		store:   tracking.NewStore(time.Minute),
		speech:  &fakeSpeech{},
		metrics: metrics.New(prometheus.NewRegistry(), "test"),
	}
	eng, err := engine.New(engine.Options{
		Backend:  h.backend,
		Surface:  render.SurfaceSpec{Width: 640, Height: 480, PixelRatio: 1},
		Fetcher:  h.fetcher,
		Tracking: h.store,
		Speech:   h.speech,
		Mapper:   motion.Config{BlendFactor: 1, Mode: motion.ModeFace},
		Session: render.Options{
			RestoreDelay:    100 * time.Millisecond,
			RestoreAttempts: 2,
			Now:             h.clock.Now,
		},
		Loader: loader.Options{
			BundledSettle: 5 * time.Millisecond,
			RemoteSettle:  10 * time.Millisecond,
		},
		Rand:    rand.New(rand.NewSource(1)),
		Metrics: h.metrics,
		Bus:     h.bus,
	})
	require.NoError(t, err)
	eng.OnLoaded(func(d puppet.Descriptor) {
		h.mu.Lock()
		h.loaded = append(h.loaded, d.ID)
		h.mu.Unlock()
	})
	eng.OnError(func(err error) {
		h.mu.Lock()
		h.errs = append(h.errs, err)
		h.mu.Unlock()
	})
	h.eng = eng
	t.Cleanup(eng.Teardown)
	return h
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, h.eng.Tick(h.clock.Advance(16*time.Millisecond), 16*time.Millisecond))
}

func (h *harness) Loaded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.loaded...)
}

func (h *harness) Errors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

// load requests id and ticks until it is on screen.
func (h *harness) load(t *testing.T, id string) *render.Model {
	t.Helper()
	_, err := h.eng.LoadModel(descriptor(id))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		h.tick(t)
		m := h.eng.Session().Model()
		return m != nil && m.Descriptor().ID == id
	}, 2*time.Second, 5*time.Millisecond)
	return h.eng.Session().Model()
}

func TestRapidLoadsOnlyConstructLast(t *testing.T) {
	h := newHarness(t)

	for _, id := range []string{"a", "b", "c"} {
		_, err := h.eng.LoadModel(descriptor(id))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		h.tick(t)
		return len(h.Loaded()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"c"}, h.Loaded())
	assert.Equal(t, []string{"c"}, h.backend.Uploads())
	assert.Empty(t, h.fetcher.Made("a"), "a settled out before it was fetched")
	assert.Empty(t, h.fetcher.Made("b"))
	assert.Equal(t, 2+2, h.backend.LiveHandles(), "surface plus one model")
}

func TestSupersededInFlightLoadIsReleased(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.fetcher.mu.Lock()
	h.fetcher.gates["a"] = gate
	h.fetcher.mu.Unlock()

	_, err := h.eng.LoadModel(descriptor("a"))
	require.NoError(t, err)
	require.Equal(t, "a", <-h.fetcher.started)

	_, err = h.eng.LoadModel(descriptor("b"))
	require.NoError(t, err)
	close(gate)

	require.Eventually(t, func() bool {
		h.tick(t)
		return len(h.Loaded()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"b"}, h.Loaded())
	assert.Equal(t, []string{"b"}, h.backend.Uploads())
	require.Eventually(t, func() bool {
		made := h.fetcher.Made("a")
		return len(made) == 1 && made[0].Released()
	}, time.Second, 5*time.Millisecond)
}

func TestContextLossAndRestore(t *testing.T) {
	h := newHarness(t)
	h.load(t, "a")

	var events []bus.EventType
	h.bus.SubscribeMultiple([]bus.EventType{bus.EventTypeContextLost, bus.EventTypeContextRestored}, func(e bus.Event) {
		events = append(events, e.Type)
	})

	require.NoError(t, h.eng.ContextLost())
	assert.Equal(t, render.StatusContextLost, h.eng.Session().Status())
	assert.Nil(t, h.eng.Session().Model())
	assert.NoError(t, h.eng.Tick(h.clock.Advance(16*time.Millisecond), 16*time.Millisecond), "ticks while lost are quiet")
	require.NotEmpty(t, h.Errors())
	assert.ErrorIs(t, h.Errors()[0], render.ErrContextLost)

	require.NoError(t, h.eng.ContextRestored())
	h.tick(t)
	assert.Equal(t, render.StatusRestoring, h.eng.Session().Status(), "waits for the restore delay")

	require.NoError(t, h.eng.Tick(h.clock.Advance(100*time.Millisecond), 16*time.Millisecond))
	assert.Equal(t, render.StatusReady, h.eng.Session().Status())
	m := h.eng.Session().Model()
	require.NotNil(t, m)
	assert.Equal(t, "a", m.Descriptor().ID)
	assert.Equal(t, []string{"a", "a"}, h.backend.Uploads())
	assert.Equal(t, 2, h.backend.SurfacesCreated())
	assert.Equal(t, []bus.EventType{bus.EventTypeContextLost, bus.EventTypeContextRestored}, events)
}

func TestContextLossCancelsInFlightLoad(t *testing.T) {
	h := newHarness(t)
	h.load(t, "a")
	<-h.fetcher.started

	h.fetcher.mu.Lock()
	gate := make(chan struct{})
	h.fetcher.gates["b"] = gate
	h.fetcher.mu.Unlock()

	_, err := h.eng.LoadModel(descriptor("b"))
	require.NoError(t, err)
	require.Equal(t, "b", <-h.fetcher.started)

	require.NoError(t, h.eng.ContextLost())
	close(gate)

	require.Eventually(t, func() bool {
		made := h.fetcher.Made("b")
		return len(made) == 1 && made[0].Released()
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.eng.ContextRestored())
	require.NoError(t, h.eng.Tick(h.clock.Advance(200*time.Millisecond), 16*time.Millisecond))
	h.tick(t)

	require.NotNil(t, h.eng.Session().Model())
	assert.Equal(t, "a", h.eng.Session().Model().Descriptor().ID)
	assert.Equal(t, []string{"a"}, h.Loaded())
}

func TestSetEmotionHappy(t *testing.T) {
	h := newHarness(t)
	m := h.load(t, "a")

	group, _, _, ok := m.Motion()
	require.True(t, ok)
	assert.Equal(t, "Idle", group, "idle plays after a load")

	h.eng.SetEmotion("happy")
	h.tick(t)

	assert.Equal(t, "joy", m.Expression())
	group, _, prio, ok := m.Motion()
	require.True(t, ok)
	assert.Equal(t, "TapBody", group)
	assert.Equal(t, emotion.PriorityNormal, prio)
}

func TestUnknownEmotionIsHarmless(t *testing.T) {
	h := newHarness(t)
	h.load(t, "a")

	assert.NotPanics(t, func() {
		h.eng.SetEmotion("bewildered")
		h.tick(t)
	})
	assert.Empty(t, h.Errors())
}

func TestMissingParameterIsSkipped(t *testing.T) {
	h := newHarness(t)
	var params []string
	for _, n := range puppet.ParamNames {
		if n != puppet.ParamEyeBallX.String() {
			params = append(params, n)
		}
	}
	h.fetcher.mu.Lock()
	h.fetcher.params["a"] = params
	h.fetcher.mu.Unlock()
	h.store.Put(motion.Sample{Face: &motion.FaceSample{Yaw: 10, EyeLeft: 0.7, PupilX: 0.5}})

	h.load(t, "a")

	last := h.backend.LastValues()
	assert.InDelta(t, 10, last[puppet.ParamAngleX], 1e-6)
	assert.InDelta(t, 0.7, last[puppet.ParamEyeLOpen], 1e-6)
	assert.Zero(t, last[puppet.ParamEyeBallX])
	assert.Empty(t, h.Errors())
	assert.False(t, h.eng.Session().Model().Capabilities().Supports(puppet.ParamEyeBallX))
}

func TestSpeechOverridesTrackedMouth(t *testing.T) {
	h := newHarness(t)
	var speaking []bool
	h.eng.OnSpeakingChange(func(s bool) { speaking = append(speaking, s) })

	h.store.Put(motion.Sample{Face: &motion.FaceSample{A: 0.1, MouthOpen: 0.2}})
	h.speech.Set(motion.MouthState{A: 0.8, Open: 0.6, IsSpeaking: true})
	h.load(t, "a")

	last := h.backend.LastValues()
	assert.InDelta(t, 0.8, last[puppet.ParamA], 1e-6)
	assert.InDelta(t, 0.6, last[puppet.ParamMouthOpenY], 1e-6)

	h.speech.Set(motion.MouthState{})
	h.tick(t)

	last = h.backend.LastValues()
	assert.InDelta(t, 0.1, last[puppet.ParamA], 1e-6)
	assert.InDelta(t, 0.2, last[puppet.ParamMouthOpenY], 1e-6)
	assert.Equal(t, []bool{true, false}, speaking)
}

func TestFetchErrorKeepsPreviousModel(t *testing.T) {
	h := newHarness(t)
	h.load(t, "a")

	ferr := &assets.FetchError{Model: "b", URL: "mem://b", Err: errors.New("gone")}
	h.fetcher.mu.Lock()
	h.fetcher.fail["b"] = ferr
	h.fetcher.mu.Unlock()

	failed := 0
	h.bus.Subscribe(bus.EventTypeModelFailed, func(bus.Event) { failed++ })

	_, err := h.eng.LoadModel(descriptor("b"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		h.tick(t)
		return len(h.Errors()) > 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, assets.IsFetchError(h.Errors()[0]))
	assert.Equal(t, 1, failed)
	assert.Equal(t, "a", h.eng.Session().Model().Descriptor().ID)
	assert.Equal(t, []string{"a"}, h.Loaded())
}

func TestUploadFailureReportedOnce(t *testing.T) {
	h := newHarness(t)
	h.backend.FailNextUploads(1)

	_, err := h.eng.LoadModel(descriptor("a"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		h.tick(t)
		return len(h.Errors()) > 0
	}, 2*time.Second, 5*time.Millisecond)
	h.tick(t)

	require.Len(t, h.Errors(), 1)
	assert.True(t, render.IsResourceError(h.Errors()[0]))
	assert.Nil(t, h.eng.Session().Model())
	assert.Error(t, h.eng.Session().Err())

	// The same descriptor goes through again after a failure.
	h.load(t, "a")
	assert.NoError(t, h.eng.Session().Err())
}

func TestDragMovesModelOverNominalAnchor(t *testing.T) {
	h := newHarness(t)
	m := h.load(t, "a")

	var transforms int
	h.bus.Subscribe(bus.EventTypeTransformChanged, func(bus.Event) { transforms++ })

	ctrl := h.eng.Interaction()
	ctrl.PointerDown(mgl32.Vec2{0, 0})
	ctrl.PointerMove(mgl32.Vec2{10, 5})
	ctrl.PointerUp()
	ctrl.Wheel(-1)
	h.tick(t)

	tr := m.Transform()
	assert.Equal(t, mgl32.Vec2{110, 205}, tr.Position)
	assert.InDelta(t, 1.1, tr.Scale, 1e-6)
	assert.Equal(t, mgl32.Vec2{100, 200}, m.Descriptor().Anchor, "nominal anchor is untouched")
	assert.Equal(t, 2, transforms)

	// A new model starts from the identity overlay.
	m2 := h.load(t, "b")
	assert.Equal(t, mgl32.Vec2{100, 200}, m2.Transform().Position)
}

func TestSetTrackingModeGatesBody(t *testing.T) {
	h := newHarness(t)
	h.store.Put(motion.Sample{
		Face: &motion.FaceSample{},
		Body: &motion.BodySample{SpineX: 5},
	})
	h.load(t, "a")
	assert.Zero(t, h.backend.LastValues()[puppet.ParamBodyAngleX])

	h.eng.SetTrackingMode(motion.ModeUpperBody)
	h.tick(t)
	assert.InDelta(t, 5, h.backend.LastValues()[puppet.ParamBodyAngleX], 1e-6)
}

func TestTeardownIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.load(t, "a")

	assert.NotPanics(t, func() {
		h.eng.Teardown()
		h.eng.Teardown()
	})
	assert.Equal(t, 0, h.backend.LiveHandles())
	assert.Equal(t, render.StatusDestroyed, h.eng.Session().Status())
	assert.ErrorIs(t, h.eng.Tick(h.clock.Now(), 0), engine.ErrClosed)

	_, err := h.eng.LoadModel(descriptor("b"))
	assert.ErrorIs(t, err, engine.ErrClosed)
}

func TestPlayMotionIsNotInterruptedByEmotion(t *testing.T) {
	h := newHarness(t)
	m := h.load(t, "a")

	h.eng.PlayMotion("Flick", 0)
	h.tick(t)

	group, _, prio, ok := m.Motion()
	require.True(t, ok)
	assert.Equal(t, "Flick", group)
	assert.Equal(t, emotion.PriorityForce, prio)

	h.eng.SetEmotion("happy")
	h.tick(t)

	group, _, _, _ = m.Motion()
	assert.Equal(t, "Flick", group, "a user-triggered clip outranks emotion clips")
	assert.Equal(t, "joy", m.Expression())
}
