package interaction

import (
	"math/rand"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDragMovesOffset(t *testing.T) {
	c := NewController()

	c.PointerDown(mgl32.Vec2{100, 100})
	c.PointerMove(mgl32.Vec2{130, 80})
	assert.Equal(t, mgl32.Vec2{30, -20}, c.State().Offset)

	c.PointerUp()
	assert.False(t, c.State().Dragging)

	// move without press is ignored
	c.PointerMove(mgl32.Vec2{500, 500})
	assert.Equal(t, mgl32.Vec2{30, -20}, c.State().Offset)

	// second drag continues from the current offset
	c.PointerDown(mgl32.Vec2{0, 0})
	c.PointerMove(mgl32.Vec2{10, 10})
	assert.Equal(t, mgl32.Vec2{40, -10}, c.State().Offset)
	c.PointerCancel()
	assert.False(t, c.State().Dragging)
}

func TestPinchScalesAndClamps(t *testing.T) {
	c := NewController()

	c.TouchStart([]mgl32.Vec2{{0, 0}, {100, 0}})
	c.TouchMove([]mgl32.Vec2{{0, 0}, {150, 0}})
	assert.InDelta(t, 1.5, c.State().Scale, 1e-5)

	c.TouchMove([]mgl32.Vec2{{0, 0}, {1000, 0}})
	assert.Equal(t, float32(MaxScale), c.State().Scale)

	c.TouchMove([]mgl32.Vec2{{0, 0}, {1, 0}})
	assert.Equal(t, float32(MinScale), c.State().Scale)

	c.TouchEnd()
	assert.False(t, c.State().Pinching)
}

func TestWheelSteps(t *testing.T) {
	c := NewController()

	c.Wheel(-1)
	assert.InDelta(t, 1.1, c.State().Scale, 1e-5)
	c.Wheel(1)
	assert.InDelta(t, 0.99, c.State().Scale, 1e-5)
	c.Wheel(0)
	assert.InDelta(t, 0.99, c.State().Scale, 1e-5)
}

func TestScaleAlwaysWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	c := NewController()

	for i := 0; i < 2000; i++ {
		switch rng.Intn(3) {
		case 0:
			c.Wheel(rng.Float32()*2 - 1)
		case 1:
			c.TouchStart([]mgl32.Vec2{{0, 0}, {rng.Float32()*300 + 1, 0}})
		case 2:
			c.TouchMove([]mgl32.Vec2{{0, 0}, {rng.Float32() * 5000, rng.Float32() * 5000}})
		}
		s := c.State().Scale
		require.GreaterOrEqual(t, s, float32(MinScale), "step %d", i)
		require.LessOrEqual(t, s, float32(MaxScale), "step %d", i)
	}
}

func TestTransformLayersOnNominal(t *testing.T) {
	c := NewController()
	var got []Transform
	c.SetOnChange(func(tr Transform) { got = append(got, tr) })

	nominal := Nominal{Anchor: mgl32.Vec2{0.5, 0.9}, BaseScale: 0.25}
	c.SetNominal(nominal)
	c.PointerDown(mgl32.Vec2{0, 0})
	c.PointerMove(mgl32.Vec2{0.1, -0.1})
	c.Wheel(-1)

	tr := c.Transform()
	assert.InDelta(t, 0.6, tr.Position.X(), 1e-5)
	assert.InDelta(t, 0.8, tr.Position.Y(), 1e-5)
	assert.InDelta(t, 0.275, tr.Scale, 1e-5)
	assert.Len(t, got, 3)

	// nominal values are untouched
	assert.Equal(t, nominal, c.nominal)

	c.Reset()
	tr = c.Transform()
	assert.Equal(t, nominal.Anchor, tr.Position)
	assert.Equal(t, float32(0.25), tr.Scale)
}
