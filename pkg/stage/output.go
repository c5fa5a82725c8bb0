package stage

import (
	"fmt"
)

// Value is an opaque argument or result flowing between stages.
type Value = interface{}

type shape uint8

const (
	shapeNone shape = iota
	shapeSingle
	shapeMultiple
)

// Output is what a stage returns: nothing (None), one value (Single) or an
// ordered sequence of values (Multiple). The shape is declared by the stage,
// never inferred from the dynamic type of the value.
type Output struct {
	shape  shape
	values []Value
}

// None is the "no result" output. It is the zero Output and is what an
// empty pipeline returns.
var None = Output{}

// Single returns an output holding exactly one value. A slice passed to
// Single stays one value.
func Single(v Value) Output {
	return Output{shape: shapeSingle, values: []Value{v}}
}

// Multiple returns an output holding an ordered sequence of values. Calling
// it with no values yields an empty sequence, which is not None.
func Multiple(vs ...Value) Output {
	if vs == nil {
		vs = []Value{}
	}
	return Output{shape: shapeMultiple, values: vs}
}

// IsNone reports whether o is the no-result sentinel.
func (o Output) IsNone() bool { return o.shape == shapeNone }

// IsSingle reports whether o holds exactly one value.
func (o Output) IsSingle() bool { return o.shape == shapeSingle }

// IsMultiple reports whether o holds a sequence.
func (o Output) IsMultiple() bool { return o.shape == shapeMultiple }

// Len returns the number of positional arguments o flattens to.
func (o Output) Len() int { return len(o.values) }

// Args flattens o into the positional arguments of the next stage:
// Single(v) gives [v], Multiple(vs) gives vs, None gives no arguments.
func (o Output) Args() []Value {
	if o.shape == shapeNone {
		return nil
	}
	return o.values
}

// Value collapses o into one value: Single(v) gives v, Multiple(vs) gives
// vs as a []Value, None gives nil. Parallel stages use it to turn each
// branch result into one positional argument.
func (o Output) Value() Value {
	switch o.shape {
	case shapeSingle:
		return o.values[0]
	case shapeMultiple:
		return o.values
	}
	return nil
}

func (o Output) String() string {
	switch o.shape {
	case shapeSingle:
		return fmt.Sprintf("Single(%v)", o.values[0])
	case shapeMultiple:
		return fmt.Sprintf("Multiple%v", o.values)
	}
	return "None"
}
