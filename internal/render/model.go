package render

import (
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/normanking/cortexpuppet/internal/emotion"
	"github.com/normanking/cortexpuppet/internal/interaction"
	"github.com/normanking/cortexpuppet/internal/puppet"
)

const defaultMotionDuration = 2 * time.Second

type motionState struct {
	group    string
	index    int
	priority emotion.Priority
	elapsed  time.Duration
	duration time.Duration
}

// Model is a puppet that lives on a session's GPU. Its resources belong to
// that session and die with it.
type Model struct {
	mu sync.Mutex

	desc      puppet.Descriptor
	asset     *puppet.Asset
	caps      puppet.Capabilities
	resources Resources

	values [puppet.ParamCount]float32

	overlayOffset mgl32.Vec2
	overlayScale  float32

	expression int
	motion     *motionState
	destroyed  bool
}

func newModel(asset *puppet.Asset, res Resources) *Model {
	m := &Model{
		desc:         asset.Descriptor,
		asset:        asset,
		caps:         asset.Capabilities(),
		resources:    res,
		overlayScale: 1,
		expression:   -1,
	}
	return m
}

func (m *Model) Descriptor() puppet.Descriptor {
	return m.desc
}

func (m *Model) Capabilities() puppet.Capabilities {
	return m.caps
}

// Value returns the last written value of p.
func (m *Model) Value(p puppet.Param) float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !p.Valid() {
		return 0
	}
	return m.values[p]
}

// setParameter writes one value. It reports false when the model has no
// such parameter.
func (m *Model) setParameter(p puppet.Param, v float32) bool {
	if !m.caps.Supports(p) {
		return false
	}
	m.values[p] = v
	return true
}

// SetOverlay places the user interaction overlay on the nominal transform.
func (m *Model) SetOverlay(offset mgl32.Vec2, scale float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overlayOffset = offset
	m.overlayScale = scale
}

func (m *Model) Transform() interaction.Transform {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transformLocked()
}

func (m *Model) transformLocked() interaction.Transform {
	nominal := interaction.Nominal{Anchor: m.desc.Anchor, BaseScale: m.desc.Scale()}
	return interaction.Compose(nominal, m.overlayOffset, m.overlayScale)
}

func (m *Model) SetExpressionIndex(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.desc.Expressions) {
		return false
	}
	m.expression = index
	return true
}

func (m *Model) expressionIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expression
}

// Expression returns the active expression name, or "" when none is set.
func (m *Model) Expression() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expression < 0 {
		return ""
	}
	return m.desc.Expressions[m.expression].Name
}

func (m *Model) MotionCount(group string) int {
	return len(m.desc.Motions[group])
}

// StartMotion plays a clip unless a higher-priority one is running.
func (m *Model) StartMotion(group string, index int, priority emotion.Priority) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	clips := m.desc.Motions[group]
	if index < 0 || index >= len(clips) || m.destroyed {
		return false
	}
	if m.motion != nil && m.motion.priority > priority {
		return false
	}

	d := time.Duration(clips[index].Duration * float32(time.Second))
	if d <= 0 {
		d = defaultMotionDuration
	}
	m.motion = &motionState{group: group, index: index, priority: priority, duration: d}
	return true
}

// Motion reports the running clip. ok is false when nothing is playing.
func (m *Model) Motion() (group string, index int, priority emotion.Priority, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.motion == nil {
		return "", -1, emotion.PriorityNone, false
	}
	return m.motion.group, m.motion.index, m.motion.priority, true
}

// update advances the running clip and reports whether it finished.
func (m *Model) update(dt time.Duration) (finished bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.motion == nil {
		return false
	}
	m.motion.elapsed += dt
	if m.motion.elapsed >= m.motion.duration {
		m.motion = nil
		return true
	}
	return false
}

func (m *Model) draw() error {
	m.mu.Lock()
	values := m.values
	t := m.transformLocked()
	res := m.resources
	m.mu.Unlock()

	if res == nil {
		return nil
	}
	return res.Draw(&values, t)
}

// destroy releases GPU handles, the motion scheduler and, when releaseAsset
// is set, the decoded asset.
func (m *Model) destroy(releaseAsset bool) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	res := m.resources
	m.resources = nil
	m.motion = nil
	asset := m.asset
	if releaseAsset {
		m.asset = nil
	}
	m.mu.Unlock()

	if res != nil {
		res.Release()
	}
	if releaseAsset && asset != nil {
		asset.Release()
	}
}
