package assets

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/normanking/cortexpuppet/internal/puppet"
	"github.com/qmuntal/gltf"
)

// rigParams are driven by the model transform rather than a morph target,
// so every mesh supports them.
var rigParams = []puppet.Param{
	puppet.ParamAngleX, puppet.ParamAngleY, puppet.ParamAngleZ,
	puppet.ParamBodyAngleX, puppet.ParamBodyAngleY, puppet.ParamBodyAngleZ,
}

// decodeDocument pulls the first primitive of the first mesh out of doc.
// Morph targets named after vocabulary parameters become the model's
// parameter list.
func decodeDocument(doc *gltf.Document) (*puppet.MeshData, []puppet.TextureData, []string, error) {
	if len(doc.Meshes) == 0 {
		return nil, nil, nil, fmt.Errorf("no meshes in file")
	}
	gm := doc.Meshes[0]
	if gm == nil || len(gm.Primitives) == 0 || gm.Primitives[0] == nil {
		return nil, nil, nil, fmt.Errorf("no primitives in mesh")
	}
	prim := gm.Primitives[0]

	posIdx, ok := prim.Attributes[gltf.POSITION]
	if !ok {
		return nil, nil, nil, fmt.Errorf("primitive has no POSITION")
	}
	positions, err := readVec3(doc, int(posIdx))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read positions: %w", err)
	}

	mesh := &puppet.MeshData{Positions: positions}

	if tcIdx, ok := prim.Attributes[gltf.TEXCOORD_0]; ok {
		mesh.TexCoords, err = readVec2(doc, int(tcIdx))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("read texcoords: %w", err)
		}
	} else {
		mesh.TexCoords = make([]mgl32.Vec2, len(positions))
	}

	if prim.Indices != nil {
		mesh.Indices, err = readIndices(doc, int(*prim.Indices))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("read indices: %w", err)
		}
	}

	for i, target := range prim.Targets {
		mt := puppet.MorphTarget{Name: fmt.Sprintf("target_%d", i)}
		if idx, ok := target[gltf.POSITION]; ok {
			mt.PositionDeltas, err = readVec3(doc, int(idx))
			if err != nil {
				return nil, nil, nil, fmt.Errorf("read morph target %d: %w", i, err)
			}
		}
		mesh.MorphTargets = append(mesh.MorphTargets, mt)
	}

	if extras, ok := gm.Extras.(map[string]any); ok {
		if names, ok := extras["targetNames"].([]any); ok {
			for i, n := range names {
				if s, ok := n.(string); ok && i < len(mesh.MorphTargets) {
					mesh.MorphTargets[i].Name = s
				}
			}
		}
	}

	if err := checkMesh(mesh); err != nil {
		return nil, nil, nil, err
	}

	var textures []puppet.TextureData
	if tex, ok := embeddedBaseColor(doc, prim); ok {
		textures = append(textures, tex)
	}

	return mesh, textures, parameterNames(mesh), nil
}

// checkMesh rejects attribute arrays that disagree on the vertex count and
// indices that point past the last vertex.
func checkMesh(mesh *puppet.MeshData) error {
	n := len(mesh.Positions)
	if len(mesh.TexCoords) != n {
		return fmt.Errorf("%d texcoords for %d vertices", len(mesh.TexCoords), n)
	}
	for _, mt := range mesh.MorphTargets {
		if mt.PositionDeltas != nil && len(mt.PositionDeltas) != n {
			return fmt.Errorf("morph target %s has %d deltas for %d vertices", mt.Name, len(mt.PositionDeltas), n)
		}
	}
	for i, idx := range mesh.Indices {
		if int(idx) >= n {
			return fmt.Errorf("index %d references vertex %d of %d", i, idx, n)
		}
	}
	return nil
}

func parameterNames(mesh *puppet.MeshData) []string {
	seen := make(map[puppet.Param]bool)
	var out []string
	add := func(p puppet.Param) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p.String())
		}
	}
	for _, p := range rigParams {
		add(p)
	}
	for _, mt := range mesh.MorphTargets {
		if p, ok := puppet.ParamFromName(mt.Name); ok {
			add(p)
		}
	}
	return out
}

func embeddedBaseColor(doc *gltf.Document, prim *gltf.Primitive) (puppet.TextureData, bool) {
	if prim.Material == nil || !inRange(int(*prim.Material), len(doc.Materials)) {
		return puppet.TextureData{}, false
	}
	mat := doc.Materials[*prim.Material]
	if mat == nil || mat.PBRMetallicRoughness == nil || mat.PBRMetallicRoughness.BaseColorTexture == nil {
		return puppet.TextureData{}, false
	}
	texIdx := mat.PBRMetallicRoughness.BaseColorTexture.Index
	if !inRange(int(texIdx), len(doc.Textures)) {
		return puppet.TextureData{}, false
	}
	texture := doc.Textures[texIdx]
	if texture == nil || texture.Source == nil || !inRange(int(*texture.Source), len(doc.Images)) {
		return puppet.TextureData{}, false
	}
	image := doc.Images[*texture.Source]
	if image == nil || image.BufferView == nil {
		return puppet.TextureData{}, false
	}
	bv, data, err := bufferView(doc, int(*image.BufferView))
	if err != nil {
		return puppet.TextureData{}, false
	}
	start, end := int(bv.ByteOffset), int(bv.ByteOffset)+int(bv.ByteLength)
	if end > len(data) {
		return puppet.TextureData{}, false
	}
	return puppet.TextureData{Name: "embedded", Data: data[start:end]}, true
}

func inRange(i, n int) bool { return i >= 0 && i < n }

// bufferView returns view idx and the bytes of the buffer it points into.
func bufferView(doc *gltf.Document, idx int) (*gltf.BufferView, []byte, error) {
	if !inRange(idx, len(doc.BufferViews)) {
		return nil, nil, fmt.Errorf("buffer view %d out of range", idx)
	}
	bv := doc.BufferViews[idx]
	if bv == nil {
		return nil, nil, fmt.Errorf("buffer view %d is empty", idx)
	}
	if !inRange(int(bv.Buffer), len(doc.Buffers)) || doc.Buffers[bv.Buffer] == nil {
		return nil, nil, fmt.Errorf("buffer view %d points at missing buffer %d", idx, bv.Buffer)
	}
	return bv, doc.Buffers[bv.Buffer].Data, nil
}

func accessorBytes(doc *gltf.Document, idx int, elemSize int) ([]byte, int, int, error) {
	if !inRange(idx, len(doc.Accessors)) {
		return nil, 0, 0, fmt.Errorf("accessor %d out of range", idx)
	}
	acr := doc.Accessors[idx]
	if acr == nil || acr.BufferView == nil {
		return nil, 0, 0, fmt.Errorf("accessor %d has no buffer view", idx)
	}
	bv, data, err := bufferView(doc, int(*acr.BufferView))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("accessor %d: %w", idx, err)
	}
	if len(data) == 0 {
		return nil, 0, 0, fmt.Errorf("buffer %d has no data", bv.Buffer)
	}

	stride := int(bv.ByteStride)
	if stride == 0 {
		stride = elemSize
	}
	offset := int(bv.ByteOffset) + int(acr.ByteOffset)
	count := int(acr.Count)
	if offset > len(data) {
		return nil, 0, 0, fmt.Errorf("accessor %d starts past its buffer", idx)
	}
	if stride < elemSize {
		return nil, 0, 0, fmt.Errorf("accessor %d stride %d is smaller than its element", idx, stride)
	}
	if count > 0 && offset+(count-1)*stride+elemSize > len(data) {
		return nil, 0, 0, fmt.Errorf("accessor %d overruns its buffer", idx)
	}
	return data[offset:], stride, count, nil
}

func readFloat(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func readVec3(doc *gltf.Document, idx int) ([]mgl32.Vec3, error) {
	data, stride, count, err := accessorBytes(doc, idx, 12)
	if err != nil {
		return nil, err
	}
	out := make([]mgl32.Vec3, count)
	for i := range out {
		o := i * stride
		out[i] = mgl32.Vec3{readFloat(data[o:]), readFloat(data[o+4:]), readFloat(data[o+8:])}
	}
	return out, nil
}

func readVec2(doc *gltf.Document, idx int) ([]mgl32.Vec2, error) {
	data, stride, count, err := accessorBytes(doc, idx, 8)
	if err != nil {
		return nil, err
	}
	out := make([]mgl32.Vec2, count)
	for i := range out {
		o := i * stride
		out[i] = mgl32.Vec2{readFloat(data[o:]), readFloat(data[o+4:])}
	}
	return out, nil
}

func readIndices(doc *gltf.Document, idx int) ([]uint32, error) {
	if !inRange(idx, len(doc.Accessors)) || doc.Accessors[idx] == nil {
		return nil, fmt.Errorf("accessor %d out of range", idx)
	}
	size := 4
	switch doc.Accessors[idx].ComponentType {
	case gltf.ComponentUbyte:
		size = 1
	case gltf.ComponentUshort:
		size = 2
	case gltf.ComponentUint:
	default:
		return nil, fmt.Errorf("unsupported index component type %v", doc.Accessors[idx].ComponentType)
	}

	data, stride, count, err := accessorBytes(doc, idx, size)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, count)
	for i := range out {
		o := i * stride
		switch size {
		case 1:
			out[i] = uint32(data[o])
		case 2:
			out[i] = uint32(binary.LittleEndian.Uint16(data[o:]))
		default:
			out[i] = binary.LittleEndian.Uint32(data[o:])
		}
	}
	return out, nil
}
