// Package puppet defines the animation parameter vocabulary shared by the
// mapper, the dispatcher and the rendering session.
package puppet

type Param int

const (
	ParamAngleX Param = iota
	ParamAngleY
	ParamAngleZ
	ParamEyeLOpen
	ParamEyeROpen
	ParamEyeBallX
	ParamEyeBallY
	ParamBrowLY
	ParamBrowRY
	ParamMouthOpenY
	ParamMouthForm
	ParamA
	ParamI
	ParamU
	ParamE
	ParamO
	ParamBodyAngleX
	ParamBodyAngleY
	ParamBodyAngleZ
	ParamArmLA
	ParamArmRA
	ParamHandL
	ParamHandR
	ParamCount
)

var ParamNames = [ParamCount]string{
	"ParamAngleX",
	"ParamAngleY",
	"ParamAngleZ",
	"ParamEyeLOpen",
	"ParamEyeROpen",
	"ParamEyeBallX",
	"ParamEyeBallY",
	"ParamBrowLY",
	"ParamBrowRY",
	"ParamMouthOpenY",
	"ParamMouthForm",
	"ParamA",
	"ParamI",
	"ParamU",
	"ParamE",
	"ParamO",
	"ParamBodyAngleX",
	"ParamBodyAngleY",
	"ParamBodyAngleZ",
	"ParamArmLA",
	"ParamArmRA",
	"ParamHandL",
	"ParamHandR",
}

// Region groups parameters by the body part that drives them.
type Region int

const (
	RegionHead Region = iota
	RegionEyes
	RegionBrows
	RegionMouth
	RegionSpine
	RegionArms
	RegionHands
)

// Range is the inclusive value domain of a parameter.
type Range struct {
	Min float32
	Max float32
}

var paramRegions = [ParamCount]Region{
	ParamAngleX:     RegionHead,
	ParamAngleY:     RegionHead,
	ParamAngleZ:     RegionHead,
	ParamEyeLOpen:   RegionEyes,
	ParamEyeROpen:   RegionEyes,
	ParamEyeBallX:   RegionEyes,
	ParamEyeBallY:   RegionEyes,
	ParamBrowLY:     RegionBrows,
	ParamBrowRY:     RegionBrows,
	ParamMouthOpenY: RegionMouth,
	ParamMouthForm:  RegionMouth,
	ParamA:          RegionMouth,
	ParamI:          RegionMouth,
	ParamU:          RegionMouth,
	ParamE:          RegionMouth,
	ParamO:          RegionMouth,
	ParamBodyAngleX: RegionSpine,
	ParamBodyAngleY: RegionSpine,
	ParamBodyAngleZ: RegionSpine,
	ParamArmLA:      RegionArms,
	ParamArmRA:      RegionArms,
	ParamHandL:      RegionHands,
	ParamHandR:      RegionHands,
}

var paramRanges = [ParamCount]Range{
	ParamAngleX:     {-30, 30},
	ParamAngleY:     {-30, 30},
	ParamAngleZ:     {-30, 30},
	ParamEyeLOpen:   {0, 1},
	ParamEyeROpen:   {0, 1},
	ParamEyeBallX:   {-1, 1},
	ParamEyeBallY:   {-1, 1},
	ParamBrowLY:     {-1, 1},
	ParamBrowRY:     {-1, 1},
	ParamMouthOpenY: {0, 1},
	ParamMouthForm:  {-1, 1},
	ParamA:          {0, 1},
	ParamI:          {0, 1},
	ParamU:          {0, 1},
	ParamE:          {0, 1},
	ParamO:          {0, 1},
	ParamBodyAngleX: {-10, 10},
	ParamBodyAngleY: {-10, 10},
	ParamBodyAngleZ: {-10, 10},
	ParamArmLA:      {-30, 30},
	ParamArmRA:      {-30, 30},
	ParamHandL:      {0, 1},
	ParamHandR:      {0, 1},
}

// MouthParams lists every parameter owned by the mouth region.
var MouthParams = []Param{ParamMouthOpenY, ParamMouthForm, ParamA, ParamI, ParamU, ParamE, ParamO}

func (p Param) Valid() bool {
	return p >= 0 && p < ParamCount
}

func (p Param) String() string {
	if !p.Valid() {
		return "ParamUnknown"
	}
	return ParamNames[p]
}

func (p Param) Region() Region {
	return paramRegions[p]
}

func (p Param) Range() Range {
	return paramRanges[p]
}

// Normalize maps a value in the parameter's range onto [0, 1].
func (p Param) Normalize(v float32) float32 {
	r := paramRanges[p]
	if r.Max == r.Min {
		return 0
	}
	return clamp((v-r.Min)/(r.Max-r.Min), 0, 1)
}

// ParamFromName resolves a model parameter name into the vocabulary.
func ParamFromName(name string) (Param, bool) {
	for i, n := range ParamNames {
		if n == name {
			return Param(i), true
		}
	}
	return -1, false
}

func clamp(v, min, max float32) float32 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
