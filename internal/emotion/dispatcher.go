// Package emotion maps free-text emotion labels onto puppet expressions and
// motion clips.
package emotion

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/normanking/cortexpuppet/internal/metrics"
	"github.com/normanking/cortexpuppet/internal/puppet"
	"github.com/rs/zerolog"
)

const (
	Joy      = "joy"
	Sadness  = "sadness"
	Anger    = "anger"
	Surprise = "surprise"
	Neutral  = "neutral"
)

var synonyms = map[string]string{
	"happy":     Joy,
	"smile":     Joy,
	"joy":       Joy,
	"cry":       Sadness,
	"sad":       Sadness,
	"sadness":   Sadness,
	"mad":       Anger,
	"angry":     Anger,
	"anger":     Anger,
	"fear":      Surprise,
	"scared":    Surprise,
	"surprised": Surprise,
	"surprise":  Surprise,
	"neutral":   Neutral,
	"calm":      Neutral,
}

// Canonicalize lower-cases label and resolves synonyms. known is false when
// the label is not in the synonym table.
func Canonicalize(label string) (canonical string, known bool) {
	l := strings.ToLower(strings.TrimSpace(label))
	if c, ok := synonyms[l]; ok {
		return c, true
	}
	return l, false
}

// Priority orders motion playback. A motion only starts when its priority is
// at least the running one.
type Priority int

const (
	PriorityNone Priority = iota
	PriorityIdle
	PriorityNormal
	PriorityForce
)

// Target is the expression/motion surface of the active model.
type Target interface {
	Descriptor() puppet.Descriptor
	SetExpressionIndex(index int) bool
	MotionCount(group string) int
	StartMotion(group string, index int, priority Priority) bool
}

// NamedExpressionTarget is implemented by models with a direct by-name
// expression API.
type NamedExpressionTarget interface {
	SetExpression(name string) bool
}

type Groups struct {
	Energetic string `mapstructure:"energetic"`
	Intense   string `mapstructure:"intense"`
	Idle      string `mapstructure:"idle"`
}

func DefaultGroups() Groups {
	return Groups{
		Energetic: "TapBody",
		Intense:   "Flick",
		Idle:      "Idle",
	}
}

// DispatchError describes a label that matched nothing on the model. It is
// logged and counted, never returned to the caller.
type DispatchError struct {
	Label string
	Model string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("emotion %q matches no expression or motion on model %q", e.Label, e.Model)
}

// Result reports what a dispatch did, for logging and tests.
type Result struct {
	Canonical  string
	Expression string
	Group      string
	Motion     int
	Err        error
}

type Dispatcher struct {
	mu     sync.Mutex
	rng    *rand.Rand
	groups Groups
	target func() Target

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewDispatcher builds a dispatcher over the active model returned by
// target. target may return nil when no model is loaded.
func NewDispatcher(target func() Target, groups Groups, rng *rand.Rand, logger zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if groups == (Groups{}) {
		groups = DefaultGroups()
	}
	return &Dispatcher{
		rng:     rng,
		groups:  groups,
		target:  target,
		logger:  logger.With().Str("component", "emotion").Logger(),
		metrics: m,
	}
}

// Dispatch applies label to the active model. It never panics and never
// returns an error.
func (d *Dispatcher) Dispatch(label string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Str("label", label).Msg("Emotion dispatch panicked")
		}
	}()
	d.dispatch(label)
}

func (d *Dispatcher) dispatch(label string) Result {
	canonical, known := Canonicalize(label)
	res := Result{Canonical: canonical, Motion: -1}

	// Free text never becomes a metric label.
	series := canonical
	if !known {
		series = "other"
	}

	var t Target
	if d.target != nil {
		t = d.target()
	}
	if t == nil {
		res.Err = &DispatchError{Label: canonical}
		d.logger.Warn().Str("label", label).Msg("No model loaded, emotion ignored")
		d.metrics.Dispatch(series, "no_model")
		return res
	}

	if d.setExpression(t, canonical) {
		res.Expression = canonical
	}

	if !known && res.Expression == "" {
		res.Err = &DispatchError{Label: canonical, Model: t.Descriptor().ID}
		d.logger.Warn().Err(res.Err).Msg("Unknown emotion")
		d.metrics.Dispatch(series, "unmatched")
		return res
	}

	group := d.groupFor(canonical)
	clips := t.MotionCount(group)
	if clips > 0 {
		d.mu.Lock()
		idx := d.rng.Intn(clips)
		d.mu.Unlock()
		if t.StartMotion(group, idx, PriorityNormal) {
			res.Group = group
			res.Motion = idx
		}
	}

	if res.Expression == "" && clips == 0 {
		res.Err = &DispatchError{Label: canonical, Model: t.Descriptor().ID}
		d.logger.Warn().Err(res.Err).Str("group", group).Msg("Emotion has no expression or motion on this model")
		d.metrics.Dispatch(series, "unmatched")
		return res
	}

	d.logger.Debug().
		Str("label", label).
		Str("canonical", canonical).
		Str("expression", res.Expression).
		Str("group", res.Group).
		Int("motion", res.Motion).
		Msg("Emotion dispatched")
	d.metrics.Dispatch(series, "ok")
	return res
}

func (d *Dispatcher) setExpression(t Target, name string) bool {
	if named, ok := t.(NamedExpressionTarget); ok && named.SetExpression(name) {
		return true
	}
	idx := t.Descriptor().ExpressionIndex(name)
	if idx < 0 {
		return false
	}
	return t.SetExpressionIndex(idx)
}

func (d *Dispatcher) groupFor(canonical string) string {
	switch canonical {
	case Joy, Surprise:
		return d.groups.Energetic
	case Sadness, Anger:
		return d.groups.Intense
	default:
		return d.groups.Idle
	}
}
