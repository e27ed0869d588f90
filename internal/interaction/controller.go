// Package interaction turns pointer, touch and wheel gestures into a
// transform overlay on top of the model's nominal placement.
package interaction

import (
	"sync"

	"github.com/go-gl/mathgl/mgl32"
)

const (
	MinScale = 0.1
	MaxScale = 3.0

	wheelZoomIn  = 1.1
	wheelZoomOut = 0.9
)

// State is the live gesture state. It is owned by the Controller.
type State struct {
	Dragging bool
	Origin   mgl32.Vec2
	Offset   mgl32.Vec2
	Scale    float32

	Pinching       bool
	PinchDistance  float32
	PinchBaseScale float32
}

// Nominal is the placement declared by the model descriptor.
type Nominal struct {
	Anchor    mgl32.Vec2
	BaseScale float32
}

// Transform is the absolute placement handed to the renderer.
type Transform struct {
	Position mgl32.Vec2
	Scale    float32
}

// Compose layers an overlay on a nominal placement without changing it.
func Compose(n Nominal, offset mgl32.Vec2, scale float32) Transform {
	base := n.BaseScale
	if base <= 0 {
		base = 1
	}
	return Transform{
		Position: n.Anchor.Add(offset),
		Scale:    base * scale,
	}
}

type Controller struct {
	mu       sync.Mutex
	state    State
	nominal  Nominal
	onChange func(Transform)
}

func NewController() *Controller {
	return &Controller{
		state:   State{Scale: 1},
		nominal: Nominal{BaseScale: 1},
	}
}

// SetOnChange registers the transform listener.
func (c *Controller) SetOnChange(fn func(Transform)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// SetNominal replaces the nominal placement, e.g. after a model swap. The
// overlay is kept.
func (c *Controller) SetNominal(n Nominal) {
	c.mu.Lock()
	c.nominal = n
	c.mu.Unlock()
	c.emit()
}

// Reset clears the overlay back to identity.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.state = State{Scale: 1}
	c.mu.Unlock()
	c.emit()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Transform() Transform {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Compose(c.nominal, c.state.Offset, c.state.Scale)
}

func (c *Controller) PointerDown(pos mgl32.Vec2) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Dragging = true
	c.state.Origin = pos.Sub(c.state.Offset)
}

func (c *Controller) PointerMove(pos mgl32.Vec2) {
	c.mu.Lock()
	if !c.state.Dragging {
		c.mu.Unlock()
		return
	}
	c.state.Offset = pos.Sub(c.state.Origin)
	c.mu.Unlock()
	c.emit()
}

func (c *Controller) PointerUp() {
	c.endDrag()
}

func (c *Controller) PointerCancel() {
	c.endDrag()
}

func (c *Controller) endDrag() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Dragging = false
	c.state.Origin = mgl32.Vec2{}
}

// TouchStart starts a pinch when two touches are down; a single touch acts
// as a drag.
func (c *Controller) TouchStart(touches []mgl32.Vec2) {
	switch len(touches) {
	case 0:
		return
	case 1:
		c.PointerDown(touches[0])
	default:
		c.mu.Lock()
		c.state.Dragging = false
		c.state.Pinching = true
		c.state.PinchDistance = touches[0].Sub(touches[1]).Len()
		c.state.PinchBaseScale = c.state.Scale
		c.mu.Unlock()
	}
}

func (c *Controller) TouchMove(touches []mgl32.Vec2) {
	if len(touches) == 1 {
		c.PointerMove(touches[0])
		return
	}
	if len(touches) < 2 {
		return
	}

	c.mu.Lock()
	if !c.state.Pinching || c.state.PinchDistance <= 0 {
		c.mu.Unlock()
		return
	}
	dist := touches[0].Sub(touches[1]).Len()
	c.state.Scale = clampScale(c.state.PinchBaseScale * (dist / c.state.PinchDistance))
	c.mu.Unlock()
	c.emit()
}

func (c *Controller) TouchEnd() {
	c.mu.Lock()
	c.state.Pinching = false
	c.state.PinchDistance = 0
	c.state.PinchBaseScale = 0
	c.mu.Unlock()
	c.endDrag()
}

// Wheel zooms out for positive deltaY and in for negative deltaY.
func (c *Controller) Wheel(deltaY float32) {
	if deltaY == 0 {
		return
	}
	c.mu.Lock()
	factor := float32(wheelZoomIn)
	if deltaY > 0 {
		factor = wheelZoomOut
	}
	c.state.Scale = clampScale(c.state.Scale * factor)
	c.mu.Unlock()
	c.emit()
}

func (c *Controller) emit() {
	c.mu.Lock()
	fn := c.onChange
	t := Compose(c.nominal, c.state.Offset, c.state.Scale)
	c.mu.Unlock()

	if fn != nil {
		fn(t)
	}
}

func clampScale(s float32) float32 {
	return mgl32.Clamp(s, MinScale, MaxScale)
}
