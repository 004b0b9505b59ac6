// Package field holds the gridded ensemble data the calibration engine works on:
// an n-dimensional float32 array over named axes with its time metadata.
package field

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

type Axis string

const (
	AxisRealization Axis = "realization"
	AxisTime        Axis = "time"
	AxisY           Axis = "y"
	AxisX           Axis = "x"
)

// CanonicalOrder is the axis order every consumer of a Field expects.
var CanonicalOrder = []Axis{AxisRealization, AxisTime, AxisY, AxisX}

var (
	ErrShape   = errors.New("field shape error")
	ErrNoAxis  = errors.New("axis not present")
	ErrNoTime  = errors.New("validity time not present")
	ErrNoUnits = errors.New("field has no units")
)

// Field is a gridded array. Data is stored row-major in Axes order.
//
// Times holds one entry per point of the time axis. A field without a time
// axis carries its single validity time as Times[0].
type Field struct {
	Name                  string
	Units                 string
	Axes                  []Axis
	Shape                 []int
	Data                  []float32
	Realizations          []int
	Times                 []time.Time
	ForecastReferenceTime time.Time
	ForecastPeriod        time.Duration
	Y                     []float64
	X                     []float64
	Attributes            map[string]string
}

// Validate checks the field is internally consistent and fills in default
// realization numbers.
func (f *Field) Validate() error {
	if len(f.Axes) != len(f.Shape) {
		return fmt.Errorf("%w: %d axes but %d dimensions", ErrShape, len(f.Axes), len(f.Shape))
	}
	seen := make(map[Axis]bool, len(f.Axes))
	size := 1
	for i, a := range f.Axes {
		switch a {
		case AxisRealization, AxisTime, AxisY, AxisX:
		default:
			return fmt.Errorf("%w: unknown axis %q", ErrShape, a)
		}
		if seen[a] {
			return fmt.Errorf("%w: duplicate axis %q", ErrShape, a)
		}
		seen[a] = true
		if f.Shape[i] <= 0 {
			return fmt.Errorf("%w: axis %q has length %d", ErrShape, a, f.Shape[i])
		}
		size *= f.Shape[i]
	}
	if !seen[AxisY] || !seen[AxisX] {
		return fmt.Errorf("%w: y and x axes are required", ErrShape)
	}
	if len(f.Data) != size {
		return fmt.Errorf("%w: shape %v needs %d values, got %d", ErrShape, f.Shape, size, len(f.Data))
	}

	if n := f.Len(AxisRealization); seen[AxisRealization] {
		if f.Realizations == nil {
			f.Realizations = make([]int, n)
			for i := range f.Realizations {
				f.Realizations[i] = i
			}
		}
		if len(f.Realizations) != n {
			return fmt.Errorf("%w: %d realization numbers for axis of length %d", ErrShape, len(f.Realizations), n)
		}
	} else if len(f.Realizations) > 0 {
		return fmt.Errorf("%w: realization numbers without a realization axis", ErrShape)
	}

	if seen[AxisTime] {
		if len(f.Times) != f.Len(AxisTime) {
			return fmt.Errorf("%w: %d times for axis of length %d", ErrShape, len(f.Times), f.Len(AxisTime))
		}
	} else if len(f.Times) != 1 {
		return fmt.Errorf("%w: field without a time axis needs exactly one validity time, got %d", ErrNoTime, len(f.Times))
	}

	if len(f.Y) > 0 && len(f.Y) != f.Len(AxisY) {
		return fmt.Errorf("%w: %d y points for axis of length %d", ErrShape, len(f.Y), f.Len(AxisY))
	}
	if len(f.X) > 0 && len(f.X) != f.Len(AxisX) {
		return fmt.Errorf("%w: %d x points for axis of length %d", ErrShape, len(f.X), f.Len(AxisX))
	}
	return nil
}

// AxisIndex returns the position of a in f.Axes, or -1.
func (f *Field) AxisIndex(a Axis) int {
	for i, axis := range f.Axes {
		if axis == a {
			return i
		}
	}
	return -1
}

func (f *Field) HasAxis(a Axis) bool {
	return f.AxisIndex(a) >= 0
}

// Len returns the length of axis a, treating a missing axis as length 1.
func (f *Field) Len(a Axis) int {
	if i := f.AxisIndex(a); i >= 0 {
		return f.Shape[i]
	}
	return 1
}

// GridSize is the number of points on one y/x plane.
func (f *Field) GridSize() int {
	return f.Len(AxisY) * f.Len(AxisX)
}

func (f *Field) Clone() *Field {
	out := *f
	out.Axes = append([]Axis(nil), f.Axes...)
	out.Shape = append([]int(nil), f.Shape...)
	out.Data = append([]float32(nil), f.Data...)
	if f.Realizations != nil {
		out.Realizations = append([]int(nil), f.Realizations...)
	}
	out.Times = append([]time.Time(nil), f.Times...)
	if f.Y != nil {
		out.Y = append([]float64(nil), f.Y...)
	}
	if f.X != nil {
		out.X = append([]float64(nil), f.X...)
	}
	if f.Attributes != nil {
		out.Attributes = make(map[string]string, len(f.Attributes))
		for k, v := range f.Attributes {
			out.Attributes[k] = v
		}
	}
	return &out
}

func (f *Field) strides() []int {
	strides := make([]int, len(f.Shape))
	step := 1
	for i := len(f.Shape) - 1; i >= 0; i-- {
		strides[i] = step
		step *= f.Shape[i]
	}
	return strides
}

// Reorder returns a copy of f with its axes transposed into order. Axes named
// in order but absent from f are skipped; every axis of f must be named.
func (f *Field) Reorder(order ...Axis) (*Field, error) {
	var axes []Axis
	for _, a := range order {
		if f.HasAxis(a) {
			axes = append(axes, a)
		}
	}
	if len(axes) != len(f.Axes) {
		return nil, fmt.Errorf("%w: cannot reorder %v into %v", ErrShape, f.Axes, order)
	}

	perm := make([]int, len(axes))
	identity := true
	for i, a := range axes {
		perm[i] = f.AxisIndex(a)
		if perm[i] != i {
			identity = false
		}
	}
	if identity {
		return f.Clone(), nil
	}

	oldStrides := f.strides()
	out := f.Clone()
	out.Axes = axes
	for i, p := range perm {
		out.Shape[i] = f.Shape[p]
	}

	idx := make([]int, len(axes))
	for n := range out.Data {
		src := 0
		for i, p := range perm {
			src += idx[i] * oldStrides[p]
		}
		out.Data[n] = f.Data[src]
		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < out.Shape[i] {
				break
			}
			idx[i] = 0
		}
	}
	return out, nil
}

// Canonical reorders f into CanonicalOrder.
func (f *Field) Canonical() (*Field, error) {
	return f.Reorder(CanonicalOrder...)
}

// Plane returns a copy of the y/x plane at realization r and time index t.
// Indices for axes the field does not have are ignored.
func (f *Field) Plane(r, t int) ([]float32, error) {
	if f.HasAxis(AxisRealization) && (r < 0 || r >= f.Len(AxisRealization)) {
		return nil, fmt.Errorf("%w: realization index %d out of range", ErrShape, r)
	}
	if f.HasAxis(AxisTime) && (t < 0 || t >= f.Len(AxisTime)) {
		return nil, fmt.Errorf("%w: time index %d out of range", ErrShape, t)
	}
	strides := f.strides()
	base := 0
	if i := f.AxisIndex(AxisRealization); i >= 0 {
		base += r * strides[i]
	}
	if i := f.AxisIndex(AxisTime); i >= 0 {
		base += t * strides[i]
	}
	yi, xi := f.AxisIndex(AxisY), f.AxisIndex(AxisX)
	ny, nx := f.Shape[yi], f.Shape[xi]

	out := make([]float32, 0, ny*nx)
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			out = append(out, f.Data[base+y*strides[yi]+x*strides[xi]])
		}
	}
	return out, nil
}

// ValidityTimes returns the distinct validity times of f in ascending order.
func (f *Field) ValidityTimes() []time.Time {
	seen := make(map[time.Time]bool, len(f.Times))
	var out []time.Time
	for _, t := range f.Times {
		t = t.UTC()
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// TimeIndex returns the index on the time axis of validity time t, or -1.
func (f *Field) TimeIndex(t time.Time) int {
	for i, ft := range f.Times {
		if ft.Equal(t) {
			return i
		}
	}
	return -1
}

// SelectTime returns the slice of f valid at t with the time axis removed.
func (f *Field) SelectTime(t time.Time) (*Field, error) {
	ti := f.TimeIndex(t)
	if ti < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoTime, t.UTC().Format(time.RFC3339))
	}
	if !f.HasAxis(AxisTime) {
		return f.Clone(), nil
	}

	c, err := f.Canonical()
	if err != nil {
		return nil, err
	}
	out := c.Clone()
	out.Times = []time.Time{f.Times[ti].UTC()}
	out.Axes = nil
	out.Shape = nil
	for i, a := range c.Axes {
		if a != AxisTime {
			out.Axes = append(out.Axes, a)
			out.Shape = append(out.Shape, c.Shape[i])
		}
	}

	nr := c.Len(AxisRealization)
	out.Data = make([]float32, 0, nr*c.GridSize())
	for r := 0; r < nr; r++ {
		plane, err := c.Plane(r, ti)
		if err != nil {
			return nil, err
		}
		out.Data = append(out.Data, plane...)
	}
	return out, nil
}

// StackTimes joins fields without a time axis into one field along a new
// leading time axis. A single field is returned unchanged.
func StackTimes(fields ...*Field) (*Field, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: nothing to stack", ErrShape)
	}
	if len(fields) == 1 {
		return fields[0], nil
	}
	first := fields[0]
	out := first.Clone()
	out.Axes = append([]Axis{AxisTime}, first.Axes...)
	out.Shape = append([]int{len(fields)}, first.Shape...)
	out.Times = nil
	out.Data = make([]float32, 0, len(fields)*len(first.Data))
	for _, f := range fields {
		if f.HasAxis(AxisTime) {
			return nil, fmt.Errorf("%w: cannot stack a field that already has a time axis", ErrShape)
		}
		if !sameShape(f, first) {
			return nil, fmt.Errorf("%w: cannot stack %v with %v", ErrShape, f.Shape, first.Shape)
		}
		out.Times = append(out.Times, f.Times[0])
		out.Data = append(out.Data, f.Data...)
	}
	return out, nil
}

func sameShape(a, b *Field) bool {
	if len(a.Axes) != len(b.Axes) {
		return false
	}
	for i := range a.Axes {
		if a.Axes[i] != b.Axes[i] || a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}
