package puppet

import (
	"sync"

	"github.com/go-gl/mathgl/mgl32"
)

// MorphTarget is a named vertex delta set. Targets named after a vocabulary
// parameter are driven by that parameter.
type MorphTarget struct {
	Name           string
	PositionDeltas []mgl32.Vec3
}

type MeshData struct {
	Positions    []mgl32.Vec3
	TexCoords    []mgl32.Vec2
	Indices      []uint32
	MorphTargets []MorphTarget
}

type TextureData struct {
	Name string
	Data []byte
}

// Asset is a fetched, decoded model that has not been uploaded to a GPU.
// It is owned by whoever holds it last and must be released exactly once.
type Asset struct {
	Descriptor Descriptor
	Mesh       *MeshData
	Textures   []TextureData
	Parameters []string

	mu       sync.Mutex
	released bool
	onClose  []func()
}

// OnRelease registers fn to run when the asset is released.
func (a *Asset) OnRelease(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onClose = append(a.onClose, fn)
}

// Release drops the decoded buffers. Safe to call more than once.
func (a *Asset) Release() {
	a.mu.Lock()
	if a.released {
		a.mu.Unlock()
		return
	}
	a.released = true
	hooks := a.onClose
	a.onClose = nil
	a.Mesh = nil
	a.Textures = nil
	a.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (a *Asset) Released() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}

// Capabilities builds the supported-parameter table once, at load time.
func (a *Asset) Capabilities() Capabilities {
	return NewCapabilities(a.Parameters)
}

// Capabilities is the set of vocabulary parameters a loaded model exposes.
type Capabilities struct {
	supported [ParamCount]bool
}

func NewCapabilities(names []string) Capabilities {
	var c Capabilities
	for _, n := range names {
		if p, ok := ParamFromName(n); ok {
			c.supported[p] = true
		}
	}
	return c
}

// AllCapabilities reports every parameter as supported.
func AllCapabilities() Capabilities {
	var c Capabilities
	for i := range c.supported {
		c.supported[i] = true
	}
	return c
}

func (c Capabilities) Supports(p Param) bool {
	return p.Valid() && c.supported[p]
}

func (c Capabilities) Count() int {
	n := 0
	for _, ok := range c.supported {
		if ok {
			n++
		}
	}
	return n
}
