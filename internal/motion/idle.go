package motion

import (
	"math"
	"math/rand"

	"github.com/normanking/cortexpuppet/internal/puppet"
)

// Idle produces a slow head sway and breathing drift for ticks without a
// face sample, so the puppet does not freeze when tracking is off.
type Idle struct {
	enabled   bool
	intensity float32
	time      float32

	breathingRate      float32
	breathingAmplitude float32

	swayRate      float32
	swayAmplitude float32

	noiseOffsets [4]float32
}

func NewIdle(rng *rand.Rand) *Idle {
	ia := &Idle{
		enabled:            true,
		intensity:          1.0,
		breathingRate:      0.2,
		breathingAmplitude: 2.0,
		swayRate:           0.1,
		swayAmplitude:      6.0,
	}

	for i := range ia.noiseOffsets {
		if rng != nil {
			ia.noiseOffsets[i] = rng.Float32() * 100
		} else {
			ia.noiseOffsets[i] = float32(i) * 17
		}
	}

	return ia
}

func (ia *Idle) SetEnabled(enabled bool) {
	ia.enabled = enabled
}

// Update writes idle head/eye values into f. Spine values are only written
// when includeSpine is set.
func (ia *Idle) Update(dt float32, f *puppet.Frame, includeSpine bool) {
	if !ia.enabled || ia.intensity <= 0 {
		return
	}

	ia.time += dt

	amp := ia.swayAmplitude * ia.intensity
	f.Set(puppet.ParamAngleX, ia.noise(ia.time*ia.swayRate, ia.noiseOffsets[0])*amp)
	f.Set(puppet.ParamAngleY, ia.noise(ia.time*ia.swayRate*0.8, ia.noiseOffsets[1])*amp*0.5)
	f.Set(puppet.ParamAngleZ, ia.noise(ia.time*ia.swayRate*0.6, ia.noiseOffsets[2])*amp*0.5)
	f.Set(puppet.ParamEyeLOpen, 1)
	f.Set(puppet.ParamEyeROpen, 1)

	if includeSpine {
		phase := ia.time * ia.breathingRate * 2 * math.Pi
		breath := float32(math.Sin(float64(phase))) * ia.breathingAmplitude * ia.intensity
		f.Set(puppet.ParamBodyAngleY, breath)
		f.Set(puppet.ParamBodyAngleX, ia.noise(ia.time*ia.swayRate, ia.noiseOffsets[3])*amp*0.3)
	}
}

func (ia *Idle) noise(t, offset float32) float32 {
	t += offset

	n1 := float32(math.Sin(float64(t * 1.0)))
	n2 := float32(math.Sin(float64(t*2.3+1.7))) * 0.5
	n3 := float32(math.Sin(float64(t*4.1+3.2))) * 0.25

	return (n1 + n2 + n3) / 1.75
}

func (ia *Idle) Reset() {
	ia.time = 0
}
