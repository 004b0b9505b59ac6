package field

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownUnit       = errors.New("unknown unit")
	ErrIncompatibleUnits = errors.New("incompatible units")
)

// unit converts to its dimension's reference unit as value*scale + offset.
type unit struct {
	dimension string
	scale     float64
	offset    float64
}

var units = map[string]unit{
	"k":          {"temperature", 1, 0},
	"kelvin":     {"temperature", 1, 0},
	"degc":       {"temperature", 1, 273.15},
	"degreesc":   {"temperature", 1, 273.15},
	"celsius":    {"temperature", 1, 273.15},
	"degf":       {"temperature", 5.0 / 9.0, 273.15 - 32*5.0/9.0},
	"degreesf":   {"temperature", 5.0 / 9.0, 273.15 - 32*5.0/9.0},
	"fahrenheit": {"temperature", 5.0 / 9.0, 273.15 - 32*5.0/9.0},

	"m s-1":  {"speed", 1, 0},
	"m/s":    {"speed", 1, 0},
	"km h-1": {"speed", 1 / 3.6, 0},
	"km/h":   {"speed", 1 / 3.6, 0},
	"knots":  {"speed", 1852.0 / 3600.0, 0},
	"kt":     {"speed", 1852.0 / 3600.0, 0},
	"mph":    {"speed", 0.44704, 0},

	"m":  {"length", 1, 0},
	"cm": {"length", 0.01, 0},
	"mm": {"length", 0.001, 0},

	"1": {"dimensionless", 1, 0},
	"%": {"dimensionless", 0.01, 0},
}

func lookupUnit(name string) (unit, error) {
	u, ok := units[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return unit{}, fmt.Errorf("%w: %q", ErrUnknownUnit, name)
	}
	return u, nil
}

// UnitsCompatible reports whether values in from can be expressed in to.
func UnitsCompatible(from, to string) bool {
	a, err := lookupUnit(from)
	if err != nil {
		return false
	}
	b, err := lookupUnit(to)
	if err != nil {
		return false
	}
	return a.dimension == b.dimension
}

// ConvertUnits returns a copy of f expressed in units to. An empty target
// leaves the field in its own units.
func (f *Field) ConvertUnits(to string) (*Field, error) {
	if to == "" || to == f.Units {
		return f.Clone(), nil
	}
	if f.Units == "" {
		return nil, fmt.Errorf("convert %s to %q: %w", f.Name, to, ErrNoUnits)
	}
	from, err := lookupUnit(f.Units)
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", f.Name, err)
	}
	target, err := lookupUnit(to)
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", f.Name, err)
	}
	if from.dimension != target.dimension {
		return nil, fmt.Errorf("convert %s from %q to %q: %w", f.Name, f.Units, to, ErrIncompatibleUnits)
	}

	out := f.Clone()
	out.Units = to
	if from == target {
		return out, nil
	}
	for i, v := range f.Data {
		ref := float64(v)*from.scale + from.offset
		out.Data[i] = float32((ref - target.offset) / target.scale)
	}
	return out, nil
}
