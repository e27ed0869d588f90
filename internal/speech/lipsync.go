package speech

import (
	"math"
	"sync"
	"time"

	"github.com/normanking/cortexpuppet/internal/motion"
)

type mouthShape struct {
	a, i, u, e, o float32
	open, form    float32
}

var visemeShapes = map[Viseme]mouthShape{
	VisemeSil: {},
	VisemePP:  {u: 0.2},
	VisemeFF:  {i: 0.2, open: 0.1},
	VisemeTH:  {e: 0.2, open: 0.2},
	VisemeDD:  {e: 0.3, open: 0.3},
	VisemeKK:  {a: 0.3, open: 0.35},
	VisemeCH:  {u: 0.4, open: 0.25},
	VisemeSS:  {i: 0.5, open: 0.15, form: 0.3},
	VisemeNN:  {e: 0.2, open: 0.2},
	VisemeRR:  {u: 0.5, o: 0.2, open: 0.3},
	VisemeAA:  {a: 1, open: 0.9},
	VisemeE:   {e: 1, open: 0.5, form: 0.3},
	VisemeIH:  {i: 1, open: 0.35, form: 0.5},
	VisemeOH:  {o: 1, open: 0.7, form: -0.2},
	VisemeOU:  {u: 1, open: 0.4, form: -0.4},
}

// Provider is anything the engine can pull speech-driven mouth state from.
type Provider interface {
	Mouth(now time.Time, dt float32) motion.MouthState
}

// LipSync plays one viseme timeline at a time.
type LipSync struct {
	mu sync.Mutex

	timeline *Timeline
	start    time.Time
	speaking bool
	current  mouthShape

	smoothing float32
	listeners []func(bool)
}

func NewLipSync() *LipSync {
	return &LipSync{smoothing: 12}
}

// OnSpeakingChange registers fn to be called whenever speaking starts or
// stops.
func (l *LipSync) OnSpeakingChange(fn func(speaking bool)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Play replaces the current timeline. start is when audio playback began.
func (l *LipSync) Play(tl Timeline, start time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timeline = &tl
	l.start = start
}

// Stop ends the current timeline immediately.
func (l *LipSync) Stop() {
	l.mu.Lock()
	l.timeline = nil
	l.current = mouthShape{}
	fire := l.setSpeakingLocked(false)
	l.mu.Unlock()
	fire()
}

func (l *LipSync) IsSpeaking() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.speaking
}

// Mouth advances the lip sync to now and returns the mouth state for this
// tick.
func (l *LipSync) Mouth(now time.Time, dt float32) motion.MouthState {
	l.mu.Lock()

	target := mouthShape{}
	active := false
	if tl := l.timeline; tl != nil {
		elapsed := now.Sub(l.start)
		switch {
		case elapsed < 0:
		case elapsed >= tl.Length():
			l.timeline = nil
		default:
			active = true
			target = tl.shapeAt(elapsed)
		}
	}

	k := float32(1 - math.Exp(float64(-l.smoothing*dt)))
	if dt <= 0 {
		k = 1
	}
	l.current = lerpShape(l.current, target, k)
	if !active {
		l.current = mouthShape{}
	}

	fire := l.setSpeakingLocked(active)
	state := motion.MouthState{
		A:          l.current.a,
		I:          l.current.i,
		U:          l.current.u,
		E:          l.current.e,
		O:          l.current.o,
		Open:       l.current.open,
		Form:       l.current.form,
		IsSpeaking: active,
	}
	l.mu.Unlock()

	fire()
	return state
}

func (l *LipSync) setSpeakingLocked(speaking bool) func() {
	if l.speaking == speaking {
		return func() {}
	}
	l.speaking = speaking
	listeners := append([]func(bool){}, l.listeners...)
	return func() {
		for _, fn := range listeners {
			fn(speaking)
		}
	}
}

// shapeAt finds the event active at elapsed and shapes it with an attack
// and release envelope over its span.
func (t *Timeline) shapeAt(elapsed time.Duration) mouthShape {
	idx := -1
	for i, e := range t.Events {
		if e.At() > elapsed {
			break
		}
		idx = i
	}
	if idx < 0 {
		return mouthShape{}
	}

	ev := t.Events[idx]
	end := t.Length()
	if idx+1 < len(t.Events) {
		end = t.Events[idx+1].At()
	}
	span := end - ev.At()
	progress := float32(1)
	if span > 0 {
		progress = float32(elapsed-ev.At()) / float32(span)
	}

	w := float32(ev.Weight) * envelope(progress)
	s := visemeShapes[ev.Viseme]
	return mouthShape{
		a: s.a * w, i: s.i * w, u: s.u * w, e: s.e * w, o: s.o * w,
		open: s.open * w, form: s.form * w,
	}
}

func envelope(progress float32) float32 {
	const attack, release = 0.1, 0.2
	switch {
	case progress < attack:
		return progress / attack
	case progress > 1-release:
		return (1 - progress) / release
	default:
		return 1
	}
}

func lerpShape(from, to mouthShape, k float32) mouthShape {
	lerp := func(a, b float32) float32 { return a + (b-a)*k }
	return mouthShape{
		a:    lerp(from.a, to.a),
		i:    lerp(from.i, to.i),
		u:    lerp(from.u, to.u),
		e:    lerp(from.e, to.e),
		o:    lerp(from.o, to.o),
		open: lerp(from.open, to.open),
		form: lerp(from.form, to.form),
	}
}
