// Package render owns the GPU surface and the puppet model living on it.
package render

import (
	"github.com/normanking/cortexpuppet/internal/interaction"
	"github.com/normanking/cortexpuppet/internal/puppet"
)

type SurfaceSpec struct {
	Title       string
	Width       int
	Height      int
	PixelRatio  float32
	Transparent bool
}

// Backend creates GPU surfaces. A surface owns its GPU context.
type Backend interface {
	CreateSurface(spec SurfaceSpec) (Surface, error)
}

// Surface is one GPU context plus its drawable. All methods run on the
// render goroutine.
type Surface interface {
	// Upload allocates textures and meshes for asset.
	Upload(asset *puppet.Asset) (Resources, error)
	Resize(width, height int, pixelRatio float32) error
	BeginFrame()
	EndFrame()
	// Release frees render targets and the context. It must tolerate being
	// called after the context was lost.
	Release()
}

// Resources are the GPU handles of one uploaded model.
type Resources interface {
	Draw(values *[puppet.ParamCount]float32, t interaction.Transform) error
	Release()
}
