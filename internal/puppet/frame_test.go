package puppet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameSetClampsToRange(t *testing.T) {
	f := NewFrame()

	assert.False(t, f.Has(ParamEyeLOpen), "new frame should be empty")

	f.Set(ParamEyeLOpen, 0.5)
	v, ok := f.Get(ParamEyeLOpen)
	require.True(t, ok)
	assert.Equal(t, float32(0.5), v)

	f.Set(ParamEyeLOpen, 1.5)
	v, _ = f.Get(ParamEyeLOpen)
	assert.Equal(t, float32(1.0), v)

	f.Set(ParamAngleX, -90)
	v, _ = f.Get(ParamAngleX)
	assert.Equal(t, float32(-30), v)
}

func TestFrameOmitRegion(t *testing.T) {
	f := NewFrame()
	f.Set(ParamAngleX, 10)
	f.Set(ParamA, 0.4)
	f.Set(ParamO, 0.2)
	f.Set(ParamMouthOpenY, 0.7)

	f.OmitRegion(RegionMouth)

	assert.Equal(t, 1, f.Len())
	assert.True(t, f.Has(ParamAngleX))
	for _, p := range MouthParams {
		assert.False(t, f.Has(p), "%s should be omitted", p)
	}
}

func TestFrameEachVisitsInOrder(t *testing.T) {
	f := NewFrame()
	f.Set(ParamHandR, 1)
	f.Set(ParamAngleY, 2)

	var seen []Param
	f.Each(func(p Param, _ float32) { seen = append(seen, p) })

	assert.Equal(t, []Param{ParamAngleY, ParamHandR}, seen)
	assert.Equal(t, map[string]float32{"ParamAngleY": 2, "ParamHandR": 1}, f.Names())
}

func TestParamFromName(t *testing.T) {
	p, ok := ParamFromName("ParamEyeBallX")
	require.True(t, ok)
	assert.Equal(t, ParamEyeBallX, p)

	_, ok = ParamFromName("ParamTail")
	assert.False(t, ok)
}

func TestCapabilities(t *testing.T) {
	caps := NewCapabilities([]string{"ParamAngleX", "ParamMouthOpenY", "PartArmB"})

	assert.Equal(t, 2, caps.Count())
	assert.True(t, caps.Supports(ParamAngleX))
	assert.False(t, caps.Supports(ParamEyeBallX))
	assert.Equal(t, int(ParamCount), AllCapabilities().Count())
}

func TestAssetReleaseRunsHooksOnce(t *testing.T) {
	a := &Asset{Mesh: &MeshData{}}
	calls := 0
	a.OnRelease(func() { calls++ })

	a.Release()
	a.Release()

	assert.Equal(t, 1, calls)
	assert.True(t, a.Released())
	assert.Nil(t, a.Mesh)
}

func TestDescriptorOriginText(t *testing.T) {
	var o Origin
	require.NoError(t, o.UnmarshalText([]byte("Remote")))
	assert.Equal(t, OriginRemote, o)
	assert.Error(t, o.UnmarshalText([]byte("cloud")))

	d := Descriptor{ID: "hiyori", Source: "models/hiyori.glb", Expressions: []ExpressionDef{{Name: "Joy"}}}
	assert.Equal(t, 0, d.ExpressionIndex("joy"))
	assert.Equal(t, -1, d.ExpressionIndex("anger"))
	assert.Equal(t, float32(1), d.Scale())
	assert.NoError(t, d.Validate())
}
