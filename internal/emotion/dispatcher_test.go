package emotion

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/normanking/cortexpuppet/internal/metrics"
	"github.com/normanking/cortexpuppet/internal/puppet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	desc       puppet.Descriptor
	expression int
	group      string
	motion     int
	running    Priority
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		desc: puppet.Descriptor{
			ID: "hiyori",
			Expressions: []puppet.ExpressionDef{
				{Name: "joy", File: "exp/joy.json"},
				{Name: "anger", File: "exp/anger.json"},
				{Name: "wink", File: "exp/wink.json"},
			},
			Motions: map[string][]puppet.MotionDef{
				"Idle":    {{Name: "idle_01"}, {Name: "idle_02"}},
				"TapBody": {{Name: "tap_01"}, {Name: "tap_02"}, {Name: "tap_03"}},
				"Flick":   {{Name: "flick_01"}},
			},
		},
		expression: -1,
		motion:     -1,
	}
}

func (f *fakeTarget) Descriptor() puppet.Descriptor { return f.desc }

func (f *fakeTarget) SetExpressionIndex(i int) bool {
	f.expression = i
	return true
}

func (f *fakeTarget) MotionCount(group string) int { return len(f.desc.Motions[group]) }

func (f *fakeTarget) StartMotion(group string, i int, p Priority) bool {
	if p < f.running {
		return false
	}
	f.group, f.motion, f.running = group, i, p
	return true
}

type namedTarget struct {
	*fakeTarget
	names []string
}

func (n *namedTarget) SetExpression(name string) bool {
	n.names = append(n.names, name)
	return name == "sadness"
}

func newDispatcher(t Target) *Dispatcher {
	return NewDispatcher(func() Target { return t }, DefaultGroups(), rand.New(rand.NewSource(3)), zerolog.Nop(), nil)
}

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		in    string
		want  string
		known bool
	}{
		{"happy", Joy, true},
		{"  SMILE ", Joy, true},
		{"cry", Sadness, true},
		{"Mad", Anger, true},
		{"fear", Surprise, true},
		{"surprised", Surprise, true},
		{"Wink", "wink", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, known := Canonicalize(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.known, known)
		})
	}
}

func TestDispatchHappyPlaysEnergeticClip(t *testing.T) {
	target := newFakeTarget()
	d := newDispatcher(target)

	res := d.dispatch("happy")

	require.NoError(t, res.Err)
	assert.Equal(t, Joy, res.Canonical)
	assert.Equal(t, 0, target.expression, "joy is the first expression")
	assert.Equal(t, "TapBody", target.group)
	assert.GreaterOrEqual(t, target.motion, 0)
	assert.Less(t, target.motion, 3)
	assert.Equal(t, PriorityNormal, target.running)
}

func TestDispatchNegativeUsesIntenseGroup(t *testing.T) {
	target := newFakeTarget()
	d := newDispatcher(target)

	d.dispatch("angry")
	assert.Equal(t, 1, target.expression)
	assert.Equal(t, "Flick", target.group)

	// no sadness expression on the model, motion still plays
	target.expression = -1
	d.dispatch("cry")
	assert.Equal(t, -1, target.expression)
	assert.Equal(t, "Flick", target.group)
}

func TestDispatchNeutralFallsBackToIdle(t *testing.T) {
	target := newFakeTarget()
	d := newDispatcher(target)

	d.dispatch("calm")
	assert.Equal(t, "Idle", target.group)
}

func TestDispatchPrefersNamedExpressionAPI(t *testing.T) {
	target := &namedTarget{fakeTarget: newFakeTarget()}
	d := newDispatcher(target)

	res := d.dispatch("sad")

	assert.Equal(t, []string{"sadness"}, target.names)
	assert.Equal(t, Sadness, res.Expression)
	assert.Equal(t, -1, target.expression, "by-index path not used when by-name succeeds")
}

func TestDispatchDoesNotOverrideForcedMotion(t *testing.T) {
	target := newFakeTarget()
	target.running = PriorityForce
	d := newDispatcher(target)

	res := d.dispatch("joy")

	assert.Equal(t, "", res.Group)
	assert.Equal(t, -1, target.motion)
}

func TestDispatchUnknownLabelIsNoop(t *testing.T) {
	target := newFakeTarget()
	d := newDispatcher(target)

	res := d.dispatch("bewildered")

	var derr *DispatchError
	require.ErrorAs(t, res.Err, &derr)
	assert.Equal(t, "bewildered", derr.Label)
	assert.Equal(t, -1, target.expression)
	assert.Equal(t, -1, target.motion)
}

func TestDispatchUnknownLabelWithMatchingExpression(t *testing.T) {
	target := newFakeTarget()
	d := newDispatcher(target)

	res := d.dispatch("WINK")

	assert.NoError(t, res.Err)
	assert.Equal(t, 2, target.expression)
	assert.Equal(t, "Idle", target.group)
}

func TestDispatchWithoutModelNeverPanics(t *testing.T) {
	d := NewDispatcher(func() Target { return nil }, Groups{}, nil, zerolog.Nop(), nil)
	assert.NotPanics(t, func() { d.Dispatch("happy") })

	nilFn := NewDispatcher(nil, Groups{}, nil, zerolog.Nop(), nil)
	assert.NotPanics(t, func() { nilFn.Dispatch("happy") })
}

func TestDispatchKnownLabelWithoutAssetsIsUnmatched(t *testing.T) {
	var logs bytes.Buffer
	bare := &fakeTarget{desc: puppet.Descriptor{ID: "bare"}, expression: -1, motion: -1}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "puppet")
	d := NewDispatcher(func() Target { return bare }, DefaultGroups(), rand.New(rand.NewSource(1)), zerolog.New(&logs), m)

	res := d.dispatch("happy")

	var derr *DispatchError
	require.ErrorAs(t, res.Err, &derr)
	assert.Equal(t, Joy, derr.Label)
	assert.Equal(t, "bare", derr.Model)
	assert.Contains(t, logs.String(), `"level":"warn"`)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Dispatches.WithLabelValues(Joy, "unmatched")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.Dispatches.WithLabelValues(Joy, "ok")))
}

func TestDispatchMetricLabelsAreBounded(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "puppet")
	d := NewDispatcher(func() Target { return newFakeTarget() }, DefaultGroups(), rand.New(rand.NewSource(1)), zerolog.Nop(), m)

	for i := 0; i < 200; i++ {
		d.Dispatch(fmt.Sprintf("mood-%d", i))
	}
	d.Dispatch("happy")

	assert.Equal(t, 2, testutil.CollectAndCount(m.Dispatches))
	assert.Equal(t, float64(200), testutil.ToFloat64(m.Dispatches.WithLabelValues("other", "unmatched")))
}
