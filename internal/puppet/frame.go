package puppet

// Frame holds one tick's worth of parameter values. A parameter that was
// never set is omitted and must not be written to the model.
type Frame struct {
	values  [ParamCount]float32
	present [ParamCount]bool
}

func NewFrame() Frame {
	return Frame{}
}

// Set stores v clamped to the parameter's range.
func (f *Frame) Set(p Param, v float32) {
	if !p.Valid() {
		return
	}
	r := paramRanges[p]
	f.values[p] = clamp(v, r.Min, r.Max)
	f.present[p] = true
}

func (f *Frame) Get(p Param) (float32, bool) {
	if !p.Valid() || !f.present[p] {
		return 0, false
	}
	return f.values[p], true
}

func (f *Frame) Has(p Param) bool {
	return p.Valid() && f.present[p]
}

func (f *Frame) Omit(p Param) {
	if !p.Valid() {
		return
	}
	f.values[p] = 0
	f.present[p] = false
}

// OmitRegion drops every parameter belonging to r.
func (f *Frame) OmitRegion(r Region) {
	for i := range f.present {
		if paramRegions[i] == r {
			f.Omit(Param(i))
		}
	}
}

func (f *Frame) Len() int {
	n := 0
	for _, ok := range f.present {
		if ok {
			n++
		}
	}
	return n
}

// Each visits the present parameters in vocabulary order.
func (f *Frame) Each(fn func(p Param, v float32)) {
	for i, ok := range f.present {
		if ok {
			fn(Param(i), f.values[i])
		}
	}
}

// Names returns the frame as a name-keyed map, mostly for logging and tests.
func (f *Frame) Names() map[string]float32 {
	out := make(map[string]float32, f.Len())
	f.Each(func(p Param, v float32) {
		out[ParamNames[p]] = v
	})
	return out
}
