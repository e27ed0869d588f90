// Package headless is an in-memory render backend. It draws nothing and
// counts every handle it hands out, so leaks show up as a non-zero
// LiveHandles after teardown.
package headless

import (
	"errors"
	"sync"

	"github.com/normanking/cortexpuppet/internal/interaction"
	"github.com/normanking/cortexpuppet/internal/puppet"
	"github.com/normanking/cortexpuppet/internal/render"
)

var (
	ErrInjected = errors.New("headless: injected failure")
	ErrReleased = errors.New("headless: surface released")
)

type Backend struct {
	mu sync.Mutex

	live     int
	created  int
	uploads  []string
	draws    int
	failNext struct {
		create int
		upload int
	}
	last [puppet.ParamCount]float32
}

func New() *Backend {
	return &Backend{}
}

// FailNextCreates makes the next n CreateSurface calls fail.
func (b *Backend) FailNextCreates(n int) {
	b.mu.Lock()
	b.failNext.create = n
	b.mu.Unlock()
}

// FailNextUploads makes the next n Upload calls fail.
func (b *Backend) FailNextUploads(n int) {
	b.mu.Lock()
	b.failNext.upload = n
	b.mu.Unlock()
}

// LiveHandles is the number of allocated, not yet released handles.
func (b *Backend) LiveHandles() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live
}

// SurfacesCreated counts successful CreateSurface calls.
func (b *Backend) SurfacesCreated() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created
}

// Uploads lists the model ids uploaded so far, in order.
func (b *Backend) Uploads() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.uploads))
	copy(out, b.uploads)
	return out
}

func (b *Backend) Draws() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.draws
}

// LastValues returns the parameter values of the most recent draw.
func (b *Backend) LastValues() [puppet.ParamCount]float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

func (b *Backend) alloc(n int) {
	b.mu.Lock()
	b.live += n
	b.mu.Unlock()
}

func (b *Backend) free(n int) {
	b.mu.Lock()
	b.live -= n
	b.mu.Unlock()
}

func (b *Backend) CreateSurface(spec render.SurfaceSpec) (render.Surface, error) {
	b.mu.Lock()
	if b.failNext.create > 0 {
		b.failNext.create--
		b.mu.Unlock()
		return nil, ErrInjected
	}
	b.created++
	b.mu.Unlock()

	// context + default render target
	b.alloc(2)
	return &Surface{backend: b, spec: spec}, nil
}

type Surface struct {
	mu       sync.Mutex
	backend  *Backend
	spec     render.SurfaceSpec
	frames   int
	released bool
}

func (s *Surface) Upload(asset *puppet.Asset) (render.Resources, error) {
	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if released {
		return nil, ErrReleased
	}

	b := s.backend
	b.mu.Lock()
	if b.failNext.upload > 0 {
		b.failNext.upload--
		b.mu.Unlock()
		return nil, ErrInjected
	}
	b.uploads = append(b.uploads, asset.Descriptor.ID)
	b.mu.Unlock()

	// one handle per texture plus the mesh
	n := len(asset.Textures) + 1
	b.alloc(n)
	return &Resources{backend: b, handles: n}, nil
}

func (s *Surface) Resize(width, height int, pixelRatio float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrReleased
	}
	s.spec.Width = width
	s.spec.Height = height
	s.spec.PixelRatio = pixelRatio
	return nil
}

func (s *Surface) BeginFrame() {}

func (s *Surface) EndFrame() {
	s.mu.Lock()
	s.frames++
	s.mu.Unlock()
}

func (s *Surface) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()
	s.backend.free(2)
}

type Resources struct {
	mu       sync.Mutex
	backend  *Backend
	handles  int
	released bool
}

func (r *Resources) Draw(values *[puppet.ParamCount]float32, _ interaction.Transform) error {
	r.mu.Lock()
	released := r.released
	r.mu.Unlock()
	if released {
		return ErrReleased
	}
	b := r.backend
	b.mu.Lock()
	b.draws++
	b.last = *values
	b.mu.Unlock()
	return nil
}

func (r *Resources) Release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	r.mu.Unlock()
	r.backend.free(r.handles)
}
