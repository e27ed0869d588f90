package motion

import (
	"math/rand"
	"sync"

	"github.com/normanking/cortexpuppet/internal/puppet"
)

const DefaultBlendFactor = 0.3

type Config struct {
	// BlendFactor is the exponential smoothing weight for spine, arm and
	// hand targets. 1 disables smoothing.
	BlendFactor float32
	Mode        TrackingMode
	IdleMotion  bool
	Rand        *rand.Rand
}

func DefaultConfig() Config {
	return Config{
		BlendFactor: DefaultBlendFactor,
		Mode:        ModeFace,
		IdleMotion:  true,
	}
}

// Mapper converts the latest tracking and speech samples into one frame per
// tick. It has no side effects beyond its own smoothing state.
type Mapper struct {
	mu sync.Mutex

	blend float32
	mode  TrackingMode

	smoothed [puppet.ParamCount]float32
	idle     *Idle
}

func NewMapper(cfg Config) *Mapper {
	blend := cfg.BlendFactor
	if blend <= 0 || blend > 1 {
		blend = DefaultBlendFactor
	}
	m := &Mapper{
		blend: blend,
		mode:  cfg.Mode,
		idle:  NewIdle(cfg.Rand),
	}
	m.idle.SetEnabled(cfg.IdleMotion)
	return m
}

func (m *Mapper) SetMode(mode TrackingMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}

func (m *Mapper) Mode() TrackingMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Reset drops smoothing history, e.g. after a model swap.
func (m *Mapper) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.smoothed {
		m.smoothed[i] = 0
	}
	m.idle.Reset()
}

// Map builds the frame for one tick. sample and mouth may be nil. Fields the
// model does not support are omitted.
func (m *Mapper) Map(dt float32, sample *Sample, mouth *MouthState, caps puppet.Capabilities) puppet.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()

	frame := puppet.NewFrame()
	mode := m.mode

	var face *FaceSample
	if sample != nil {
		face = sample.Face
	}

	if face != nil {
		mapFace(face, &frame)
	} else {
		m.idle.Update(dt, &frame, mode.Includes(puppet.RegionSpine) && (sample == nil || sample.Body == nil))
	}

	if sample != nil && mode.Includes(puppet.RegionSpine) && sample.Body != nil {
		frame.Set(puppet.ParamBodyAngleX, sample.Body.SpineX)
		frame.Set(puppet.ParamBodyAngleY, sample.Body.SpineY)
		frame.Set(puppet.ParamBodyAngleZ, sample.Body.SpineZ)
	}

	if sample != nil && mode.Includes(puppet.RegionArms) && sample.Hands != nil {
		frame.Set(puppet.ParamArmLA, sample.Hands.ArmLeft)
		frame.Set(puppet.ParamArmRA, sample.Hands.ArmRight)
		frame.Set(puppet.ParamHandL, sample.Hands.HandLeft)
		frame.Set(puppet.ParamHandR, sample.Hands.HandRight)
	}

	if mouth != nil && mouth.IsSpeaking {
		frame.OmitRegion(puppet.RegionMouth)
		mapMouth(mouth, &frame)
	}

	m.smooth(&frame)

	for _, r := range []puppet.Region{puppet.RegionSpine, puppet.RegionArms, puppet.RegionHands} {
		if !mode.Includes(r) {
			frame.OmitRegion(r)
		}
	}

	for p := puppet.Param(0); p < puppet.ParamCount; p++ {
		if frame.Has(p) && !caps.Supports(p) {
			frame.Omit(p)
		}
	}

	return frame
}

// smooth advances limb and spine values towards their targets:
// current = current + (target - current) * blend.
func (m *Mapper) smooth(frame *puppet.Frame) {
	frame.Each(func(p puppet.Param, target float32) {
		switch p.Region() {
		case puppet.RegionSpine, puppet.RegionArms, puppet.RegionHands:
			m.smoothed[p] += (target - m.smoothed[p]) * m.blend
			frame.Set(p, m.smoothed[p])
		}
	})
}

func mapFace(face *FaceSample, f *puppet.Frame) {
	f.Set(puppet.ParamAngleX, face.Yaw)
	f.Set(puppet.ParamAngleY, face.Pitch)
	f.Set(puppet.ParamAngleZ, face.Roll)
	f.Set(puppet.ParamEyeLOpen, face.EyeLeft)
	f.Set(puppet.ParamEyeROpen, face.EyeRight)
	f.Set(puppet.ParamEyeBallX, face.PupilX)
	f.Set(puppet.ParamEyeBallY, face.PupilY)
	f.Set(puppet.ParamBrowLY, face.BrowLeft)
	f.Set(puppet.ParamBrowRY, face.BrowRight)
	f.Set(puppet.ParamMouthOpenY, face.MouthOpen)
	f.Set(puppet.ParamMouthForm, face.MouthForm)
	f.Set(puppet.ParamA, face.A)
	f.Set(puppet.ParamI, face.I)
	f.Set(puppet.ParamU, face.U)
	f.Set(puppet.ParamE, face.E)
	f.Set(puppet.ParamO, face.O)
}

func mapMouth(mouth *MouthState, f *puppet.Frame) {
	f.Set(puppet.ParamMouthOpenY, mouth.Open)
	f.Set(puppet.ParamMouthForm, mouth.Form)
	f.Set(puppet.ParamA, mouth.A)
	f.Set(puppet.ParamI, mouth.I)
	f.Set(puppet.ParamU, mouth.U)
	f.Set(puppet.ParamE, mouth.E)
	f.Set(puppet.ParamO, mouth.O)
}
