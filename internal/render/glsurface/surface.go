// Package glsurface draws puppets with OpenGL 4.1 into a GLFW window.
// Every call must happen on the goroutine that owns the window, which must
// be the main OS thread.
package glsurface

import (
	"errors"
	"fmt"

	"github.com/go-gl/gl/v4.1-core/gl"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/normanking/cortexpuppet/internal/interaction"
	"github.com/normanking/cortexpuppet/internal/puppet"
	"github.com/normanking/cortexpuppet/internal/render"
	"github.com/rs/zerolog"
)

var errReleased = errors.New("glsurface: surface released")

type Config struct {
	VSync bool
	MSAA  int
	// UnitsPerHeight is how many mesh units span the surface height at
	// scale 1.
	UnitsPerHeight float32
}

func DefaultConfig() Config {
	return Config{VSync: true, MSAA: 4, UnitsPerHeight: 2}
}

// Backend owns the window. Surfaces are the GL state created inside it and
// can be rebuilt after a context loss without closing the window.
type Backend struct {
	cfg    Config
	log    zerolog.Logger
	window *glfw.Window
	glInit bool
}

// NewBackend creates the window. glfw.Init must already have been called.
func NewBackend(spec render.SurfaceSpec, cfg Config, logger zerolog.Logger) (*Backend, error) {
	glfw.WindowHint(glfw.ContextVersionMajor, 4)
	glfw.WindowHint(glfw.ContextVersionMinor, 1)
	glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)
	glfw.WindowHint(glfw.OpenGLForwardCompatible, glfw.True)
	glfw.WindowHint(glfw.Resizable, glfw.True)
	if cfg.MSAA > 0 {
		glfw.WindowHint(glfw.Samples, cfg.MSAA)
	}
	if spec.Transparent {
		glfw.WindowHint(glfw.TransparentFramebuffer, glfw.True)
	}

	window, err := glfw.CreateWindow(spec.Width, spec.Height, spec.Title, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create window: %w", err)
	}
	if cfg.UnitsPerHeight <= 0 {
		cfg.UnitsPerHeight = DefaultConfig().UnitsPerHeight
	}
	return &Backend{
		cfg:    cfg,
		log:    logger.With().Str("component", "glsurface").Logger(),
		window: window,
	}, nil
}

func (b *Backend) Window() *glfw.Window {
	return b.window
}

// CreateSurface makes the window's context current and builds the shader
// program for one session lifetime.
func (b *Backend) CreateSurface(spec render.SurfaceSpec) (render.Surface, error) {
	b.window.MakeContextCurrent()
	if !b.glInit {
		if err := gl.Init(); err != nil {
			return nil, fmt.Errorf("gl init: %w", err)
		}
		b.glInit = true
		b.log.Info().Str("version", gl.GoStr(gl.GetString(gl.VERSION))).Msg("OpenGL initialized")
	}
	if b.cfg.VSync {
		glfw.SwapInterval(1)
	} else {
		glfw.SwapInterval(0)
	}

	prog, err := newProgram(puppetVertSrc, puppetFragSrc)
	if err != nil {
		return nil, fmt.Errorf("puppet shader: %w", err)
	}

	gl.Enable(gl.BLEND)
	gl.BlendFunc(gl.SRC_ALPHA, gl.ONE_MINUS_SRC_ALPHA)
	gl.Disable(gl.CULL_FACE)
	if b.cfg.MSAA > 0 {
		gl.Enable(gl.MULTISAMPLE)
	}

	s := &Surface{backend: b, spec: spec, program: prog}
	s.fbWidth, s.fbHeight = b.window.GetFramebufferSize()
	return s, nil
}

// Close destroys the window. Surfaces must be released first.
func (b *Backend) Close() {
	if b.window != nil {
		b.window.Destroy()
		b.window = nil
	}
}

type Surface struct {
	backend *Backend
	spec    render.SurfaceSpec
	program *program

	fbWidth, fbHeight int
	projection        mgl32.Mat4
	released          bool
}

func (s *Surface) Upload(asset *puppet.Asset) (render.Resources, error) {
	if s.released {
		return nil, errReleased
	}

	mesh, err := uploadMesh(asset.Mesh)
	if err != nil {
		return nil, err
	}
	res := &Resources{surface: s, mesh: mesh}
	for _, td := range asset.Textures {
		tex, err := uploadTexture(td.Data)
		if err != nil {
			res.Release()
			return nil, fmt.Errorf("texture %s: %w", td.Name, err)
		}
		res.textures = append(res.textures, tex)
	}
	return res, nil
}

// Resize records the new size; the viewport follows the framebuffer on the
// next frame.
func (s *Surface) Resize(width, height int, pixelRatio float32) error {
	if s.released {
		return errReleased
	}
	s.spec.Width = width
	s.spec.Height = height
	s.spec.PixelRatio = pixelRatio
	return nil
}

func (s *Surface) BeginFrame() {
	if s.released {
		return
	}
	s.fbWidth, s.fbHeight = s.backend.window.GetFramebufferSize()
	gl.Viewport(0, 0, int32(s.fbWidth), int32(s.fbHeight))

	if s.spec.Transparent {
		gl.ClearColor(0, 0, 0, 0)
	} else {
		gl.ClearColor(0.1, 0.1, 0.12, 1.0)
	}
	gl.Clear(gl.COLOR_BUFFER_BIT)

	// Logical pixels, origin top-left, y down.
	w, h := float32(s.spec.Width), float32(s.spec.Height)
	s.projection = mgl32.Ortho(0, w, h, 0, -1000, 1000)
}

func (s *Surface) EndFrame() {
	if s.released || s.backend.window == nil {
		return
	}
	s.backend.window.SwapBuffers()
}

func (s *Surface) Release() {
	if s.released {
		return
	}
	s.released = true
	if s.program != nil {
		s.program.delete()
		s.program = nil
	}
}

// Resources are the VAO and textures of one uploaded puppet.
type Resources struct {
	surface  *Surface
	mesh     *gpuMesh
	textures []uint32
	released bool
}

func (r *Resources) Draw(values *[puppet.ParamCount]float32, t interaction.Transform) error {
	if r.released || r.surface.released {
		return errReleased
	}
	r.mesh.applyMorphs(values)

	prog := r.surface.program
	prog.use()
	prog.setMat4("uProjection", r.surface.projection)
	prog.setMat4("uModel", modelMatrix(values, t, float32(r.surface.spec.Height)/r.surface.backend.cfg.UnitsPerHeight))

	if len(r.textures) > 0 {
		gl.ActiveTexture(gl.TEXTURE0)
		gl.BindTexture(gl.TEXTURE_2D, r.textures[0])
		prog.setInt("uTexture", 0)
		prog.setFloat("uHasTexture", 1)
	} else {
		prog.setFloat("uHasTexture", 0)
	}

	r.mesh.draw()
	if code := gl.GetError(); code != gl.NO_ERROR {
		return fmt.Errorf("draw: gl error 0x%x", code)
	}
	return nil
}

// modelMatrix places the mesh at the transform position, turns it by the
// head and body angles and flips y into screen space.
func modelMatrix(values *[puppet.ParamCount]float32, t interaction.Transform, pixelsPerUnit float32) mgl32.Mat4 {
	roll := mgl32.DegToRad(values[puppet.ParamAngleZ] + values[puppet.ParamBodyAngleZ])
	yaw := mgl32.DegToRad(values[puppet.ParamAngleX]+values[puppet.ParamBodyAngleX]) * 0.5
	pitch := mgl32.DegToRad(values[puppet.ParamAngleY]+values[puppet.ParamBodyAngleY]) * 0.5
	s := t.Scale * pixelsPerUnit

	return mgl32.Translate3D(t.Position.X(), t.Position.Y(), 0).
		Mul4(mgl32.HomogRotate3DZ(-roll)).
		Mul4(mgl32.HomogRotate3DY(yaw)).
		Mul4(mgl32.HomogRotate3DX(pitch)).
		Mul4(mgl32.Scale3D(s, -s, s))
}

func (r *Resources) Release() {
	if r.released {
		return
	}
	r.released = true
	// A lost context already took the handles with it.
	if r.surface.released {
		return
	}
	if r.mesh != nil {
		r.mesh.delete()
	}
	if len(r.textures) > 0 {
		gl.DeleteTextures(int32(len(r.textures)), &r.textures[0])
	}
}
