package puppet

import (
	"fmt"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
)

// Origin tells where a descriptor came from. Remote descriptors settle
// longer before a load begins.
type Origin int

const (
	OriginBundled Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	switch o {
	case OriginRemote:
		return "remote"
	default:
		return "bundled"
	}
}

func (o Origin) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Origin) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "", "bundled", "static":
		*o = OriginBundled
	case "remote", "external":
		*o = OriginRemote
	default:
		return fmt.Errorf("unknown origin %q", string(b))
	}
	return nil
}

type ExpressionDef struct {
	Name string `yaml:"name" json:"name"`
	File string `yaml:"file" json:"file"`
}

// MotionDef is one clip. Duration is in seconds; zero means the player's
// default.
type MotionDef struct {
	Name     string  `yaml:"name" json:"name"`
	File     string  `yaml:"file" json:"file"`
	Duration float32 `yaml:"duration" json:"duration"`
}

// Descriptor is everything needed to fetch and place a puppet model.
// BaseScale and Anchor are nominal values; user interaction is layered on
// top and never overwrites them.
type Descriptor struct {
	ID          string                 `yaml:"id" json:"id"`
	Name        string                 `yaml:"name" json:"name"`
	Origin      Origin                 `yaml:"origin" json:"origin"`
	Source      string                 `yaml:"source" json:"source"`
	Textures    []string               `yaml:"textures" json:"textures"`
	BaseScale   float32                `yaml:"base_scale" json:"base_scale"`
	Anchor      mgl32.Vec2             `yaml:"anchor" json:"anchor"`
	Expressions []ExpressionDef        `yaml:"expressions" json:"expressions"`
	Motions     map[string][]MotionDef `yaml:"motions" json:"motions"`
}

// Key identifies the asset a descriptor points at.
func (d Descriptor) Key() string {
	return d.Origin.String() + ":" + d.ID + "@" + d.Source
}

func (d Descriptor) Equal(o Descriptor) bool {
	return d.Key() == o.Key()
}

func (d Descriptor) Scale() float32 {
	if d.BaseScale <= 0 {
		return 1
	}
	return d.BaseScale
}

// ExpressionIndex searches the expression table for name.
func (d Descriptor) ExpressionIndex(name string) int {
	for i, e := range d.Expressions {
		if strings.EqualFold(e.Name, name) {
			return i
		}
	}
	return -1
}

func (d Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("descriptor: missing id")
	}
	if d.Source == "" {
		return fmt.Errorf("descriptor %s: missing source", d.ID)
	}
	return nil
}
