package glsurface

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"

	"github.com/go-gl/gl/v4.1-core/gl"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/normanking/cortexpuppet/internal/puppet"
)

const floatsPerVertex = 5

// morph is a target driven by one vocabulary parameter.
type morph struct {
	param  puppet.Param
	deltas []mgl32.Vec3
}

type gpuMesh struct {
	vao, vbo, ebo uint32
	vertexCount   int32
	indexCount    int32

	base   []mgl32.Vec3
	uvs    []mgl32.Vec2
	morphs []morph

	scratch []float32
	weights [puppet.ParamCount]float32
}

// uploadMesh copies md into a VAO. Morph targets whose name is not in the
// vocabulary are dropped.
func uploadMesh(md *puppet.MeshData) (*gpuMesh, error) {
	if md == nil || len(md.Positions) == 0 {
		return nil, fmt.Errorf("mesh has no vertices")
	}

	m := &gpuMesh{
		base:        md.Positions,
		uvs:         md.TexCoords,
		vertexCount: int32(len(md.Positions)),
		indexCount:  int32(len(md.Indices)),
		scratch:     make([]float32, 0, len(md.Positions)*floatsPerVertex),
	}
	for _, t := range md.MorphTargets {
		p, ok := puppet.ParamFromName(t.Name)
		if !ok {
			continue
		}
		m.morphs = append(m.morphs, morph{param: p, deltas: t.PositionDeltas})
	}
	for i := range m.weights {
		m.weights[i] = -1
	}

	gl.GenVertexArrays(1, &m.vao)
	gl.GenBuffers(1, &m.vbo)
	gl.BindVertexArray(m.vao)
	gl.BindBuffer(gl.ARRAY_BUFFER, m.vbo)

	data := m.vertexData(nil)
	gl.BufferData(gl.ARRAY_BUFFER, len(data)*4, gl.Ptr(data), gl.DYNAMIC_DRAW)

	stride := int32(floatsPerVertex * 4)
	gl.VertexAttribPointerWithOffset(0, 3, gl.FLOAT, false, stride, 0)
	gl.EnableVertexAttribArray(0)
	gl.VertexAttribPointerWithOffset(1, 2, gl.FLOAT, false, stride, 3*4)
	gl.EnableVertexAttribArray(1)

	if m.indexCount > 0 {
		gl.GenBuffers(1, &m.ebo)
		gl.BindBuffer(gl.ELEMENT_ARRAY_BUFFER, m.ebo)
		gl.BufferData(gl.ELEMENT_ARRAY_BUFFER, len(md.Indices)*4, gl.Ptr(md.Indices), gl.STATIC_DRAW)
	}
	gl.BindVertexArray(0)

	if code := gl.GetError(); code != gl.NO_ERROR {
		m.delete()
		return nil, fmt.Errorf("mesh upload: gl error 0x%x", code)
	}
	return m, nil
}

// vertexData interleaves position and uv, with morph deltas applied when
// weights is set.
func (m *gpuMesh) vertexData(weights *[puppet.ParamCount]float32) []float32 {
	data := m.scratch[:0]
	for i, pos := range m.base {
		if weights != nil {
			for _, mt := range m.morphs {
				w := weights[mt.param]
				if w == 0 || i >= len(mt.deltas) {
					continue
				}
				pos = pos.Add(mt.deltas[i].Mul(w))
			}
		}
		var uv mgl32.Vec2
		if i < len(m.uvs) {
			uv = m.uvs[i]
		}
		data = append(data, pos[0], pos[1], pos[2], uv[0], uv[1])
	}
	m.scratch = data
	return data
}

// applyMorphs rewrites the vertex buffer when a driving parameter changed.
func (m *gpuMesh) applyMorphs(values *[puppet.ParamCount]float32) {
	if len(m.morphs) == 0 {
		return
	}
	var weights [puppet.ParamCount]float32
	changed := false
	for _, mt := range m.morphs {
		w := morphWeight(mt.param, values[mt.param])
		weights[mt.param] = w
		if w != m.weights[mt.param] {
			changed = true
		}
	}
	if !changed {
		return
	}
	m.weights = weights

	data := m.vertexData(&weights)
	gl.BindBuffer(gl.ARRAY_BUFFER, m.vbo)
	gl.BufferSubData(gl.ARRAY_BUFFER, 0, len(data)*4, gl.Ptr(data))
}

// morphWeight maps a parameter value onto a blend weight: [0, 1] for
// one-sided parameters, [-1, 1] for symmetric ones.
func morphWeight(p puppet.Param, v float32) float32 {
	r := p.Range()
	limit := r.Max
	if -r.Min > limit {
		limit = -r.Min
	}
	if limit == 0 {
		return 0
	}
	return mgl32.Clamp(v/limit, -1, 1)
}

func (m *gpuMesh) draw() {
	gl.BindVertexArray(m.vao)
	if m.indexCount > 0 {
		gl.DrawElements(gl.TRIANGLES, m.indexCount, gl.UNSIGNED_INT, nil)
	} else {
		gl.DrawArrays(gl.TRIANGLES, 0, m.vertexCount)
	}
	gl.BindVertexArray(0)
}

func (m *gpuMesh) delete() {
	gl.DeleteVertexArrays(1, &m.vao)
	gl.DeleteBuffers(1, &m.vbo)
	if m.ebo != 0 {
		gl.DeleteBuffers(1, &m.ebo)
	}
}

// uploadTexture decodes PNG or JPEG bytes into an RGBA texture.
func uploadTexture(data []byte) (uint32, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("decode texture: %w", err)
	}
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)

	var tex uint32
	gl.GenTextures(1, &tex)
	gl.BindTexture(gl.TEXTURE_2D, tex)
	gl.TexImage2D(gl.TEXTURE_2D, 0, gl.RGBA,
		int32(rgba.Bounds().Dx()), int32(rgba.Bounds().Dy()),
		0, gl.RGBA, gl.UNSIGNED_BYTE, gl.Ptr(rgba.Pix))
	gl.GenerateMipmap(gl.TEXTURE_2D)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.LINEAR_MIPMAP_LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_EDGE)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_T, gl.CLAMP_TO_EDGE)
	gl.BindTexture(gl.TEXTURE_2D, 0)
	return tex, nil
}
