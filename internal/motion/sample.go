// Package motion turns pose-estimation and speech samples into parameter
// frames.
package motion

import (
	"fmt"
	"strings"
	"time"

	"github.com/normanking/cortexpuppet/internal/puppet"
)

// TrackingMode selects which body regions produce pose data.
type TrackingMode int

const (
	ModeFace TrackingMode = iota
	ModeUpperBody
	ModeFullBody
)

func (m TrackingMode) String() string {
	switch m {
	case ModeUpperBody:
		return "upper-body"
	case ModeFullBody:
		return "full-body"
	default:
		return "face"
	}
}

func ParseTrackingMode(s string) (TrackingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "face", "face-only":
		return ModeFace, nil
	case "upper", "upper-body", "upperbody":
		return ModeUpperBody, nil
	case "full", "full-body", "fullbody", "holistic":
		return ModeFullBody, nil
	}
	return ModeFace, fmt.Errorf("unknown tracking mode %q", s)
}

// Includes reports whether the mode produces data for region r.
func (m TrackingMode) Includes(r puppet.Region) bool {
	switch r {
	case puppet.RegionSpine, puppet.RegionArms, puppet.RegionHands:
		return m == ModeUpperBody || m == ModeFullBody
	default:
		return true
	}
}

// FaceSample is already filtered upstream. Angles are in degrees, eye and
// mouth values in [0, 1], pupil and brow values in [-1, 1].
type FaceSample struct {
	Yaw   float32 `json:"yaw"`
	Pitch float32 `json:"pitch"`
	Roll  float32 `json:"roll"`

	EyeLeft  float32 `json:"eye_left"`
	EyeRight float32 `json:"eye_right"`
	PupilX   float32 `json:"pupil_x"`
	PupilY   float32 `json:"pupil_y"`

	BrowLeft  float32 `json:"brow_left"`
	BrowRight float32 `json:"brow_right"`

	MouthOpen float32 `json:"mouth_open"`
	MouthForm float32 `json:"mouth_form"`
	A         float32 `json:"a"`
	I         float32 `json:"i"`
	U         float32 `json:"u"`
	E         float32 `json:"e"`
	O         float32 `json:"o"`
}

// BodySample carries spine rotation in degrees.
type BodySample struct {
	SpineX float32 `json:"spine_x"`
	SpineY float32 `json:"spine_y"`
	SpineZ float32 `json:"spine_z"`
}

// HandsSample carries arm angles in degrees and hand curls in [0, 1].
type HandsSample struct {
	ArmLeft   float32 `json:"arm_left"`
	ArmRight  float32 `json:"arm_right"`
	HandLeft  float32 `json:"hand_left"`
	HandRight float32 `json:"hand_right"`
}

// Sample is one pose-estimation result. Sub-records are nil when the
// tracker did not produce them.
type Sample struct {
	Mode      TrackingMode `json:"-"`
	Face      *FaceSample  `json:"face,omitempty"`
	Body      *BodySample  `json:"body,omitempty"`
	Hands     *HandsSample `json:"hands,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// MouthState is speech-driven mouth data. While IsSpeaking is true it
// replaces every tracking-derived mouth field.
type MouthState struct {
	A          float32
	I          float32
	U          float32
	E          float32
	O          float32
	Open       float32
	Form       float32
	IsSpeaking bool
}
