package stage

import (
	"context"
	"fmt"
	"reflect"

	sferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	outputType  = reflect.TypeOf(Output{})
)

// Adapt wraps an ordinary Go function into a Func.
//
// fn may take a leading context.Context, which receives the invocation
// context. The remaining parameters are filled from the positional
// arguments; their count and types are checked on every call and a mismatch
// fails with ErrArgumentMismatch. Variadic functions accept any number of
// trailing arguments.
//
// Results map to outputs as follows: no result gives Single(nil), one result
// gives Single (or is passed through if it already is an Output), several
// results give Multiple. A trailing error result is returned as the failure.
func Adapt(fn interface{}) (Func, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, fmt.Errorf("stage: Adapt expects a non-nil function, got %T", fn)
	}

	t := v.Type()
	name := funcName(fn)
	takesCtx := t.NumIn() > 0 && t.In(0) == contextType
	returnsErr := t.NumOut() > 0 && t.Out(t.NumOut()-1) == errorType

	return func(ctx context.Context, args ...Value) (Output, error) {
		in, err := bindArgs(name, t, takesCtx, ctx, args)
		if err != nil {
			return None, err
		}

		out := v.Call(in)
		if returnsErr {
			last := out[len(out)-1]
			out = out[:len(out)-1]
			if !last.IsNil() {
				return None, last.Interface().(error)
			}
		}

		switch len(out) {
		case 0:
			return Single(nil), nil
		case 1:
			if out[0].Type() == outputType {
				return out[0].Interface().(Output), nil
			}
			return Single(out[0].Interface()), nil
		}

		values := make([]Value, len(out))
		for i, o := range out {
			values[i] = o.Interface()
		}
		return Multiple(values...), nil
	}, nil
}

// MustAdapt is Adapt that panics on a non-function.
func MustAdapt(fn interface{}) Func {
	f, err := Adapt(fn)
	if err != nil {
		panic(err)
	}
	return f
}

// Of returns a simple stage for an ordinary Go function, named after it.
// It panics if fn is not a function.
func Of(fn interface{}) *Stage {
	return Named(funcName(fn), MustAdapt(fn))
}

func bindArgs(name string, t reflect.Type, takesCtx bool, ctx context.Context, args []Value) ([]reflect.Value, error) {
	offset := 0
	if takesCtx {
		offset = 1
	}
	fixed := t.NumIn() - offset
	if t.IsVariadic() {
		fixed--
		if len(args) < fixed {
			return nil, fmt.Errorf("%w: %s expects at least %d arguments, got %d",
				sferrors.ErrArgumentMismatch, name, fixed, len(args))
		}
	} else if len(args) != fixed {
		return nil, fmt.Errorf("%w: %s expects %d arguments, got %d",
			sferrors.ErrArgumentMismatch, name, fixed, len(args))
	}

	in := make([]reflect.Value, 0, len(args)+offset)
	if takesCtx {
		in = append(in, reflect.ValueOf(&ctx).Elem())
	}

	for i, arg := range args {
		var pt reflect.Type
		if i < fixed {
			pt = t.In(i + offset)
		} else {
			pt = t.In(t.NumIn() - 1).Elem()
		}

		av, err := argValue(arg, pt)
		if err != nil {
			return nil, fmt.Errorf("%w: %s argument %d: %v", sferrors.ErrArgumentMismatch, name, i, err)
		}
		in = append(in, av)
	}
	return in, nil
}

func argValue(arg Value, pt reflect.Type) (reflect.Value, error) {
	if arg == nil {
		switch pt.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
			return reflect.Zero(pt), nil
		}
		return reflect.Value{}, fmt.Errorf("cannot use nil as %s", pt)
	}

	av := reflect.ValueOf(arg)
	if !av.Type().AssignableTo(pt) {
		return reflect.Value{}, fmt.Errorf("cannot use %T as %s", arg, pt)
	}
	if av.Type() != pt {
		// Box concrete values into interface parameters
		conv := reflect.New(pt).Elem()
		conv.Set(av)
		return conv, nil
	}
	return av, nil
}

// Unary builds a Func from a typed one-argument function.
func Unary[A, R any](fn func(ctx context.Context, a A) (R, error)) Func {
	return func(ctx context.Context, args ...Value) (Output, error) {
		if len(args) != 1 {
			return None, fmt.Errorf("%w: unary stage expects 1 argument, got %d", sferrors.ErrArgumentMismatch, len(args))
		}
		a, err := typedArg[A](args, 0)
		if err != nil {
			return None, err
		}
		r, err := fn(ctx, a)
		if err != nil {
			return None, err
		}
		return result(r), nil
	}
}

// Binary builds a Func from a typed two-argument function.
func Binary[A, B, R any](fn func(ctx context.Context, a A, b B) (R, error)) Func {
	return func(ctx context.Context, args ...Value) (Output, error) {
		if len(args) != 2 {
			return None, fmt.Errorf("%w: binary stage expects 2 arguments, got %d", sferrors.ErrArgumentMismatch, len(args))
		}
		a, err := typedArg[A](args, 0)
		if err != nil {
			return None, err
		}
		b, err := typedArg[B](args, 1)
		if err != nil {
			return None, err
		}
		r, err := fn(ctx, a, b)
		if err != nil {
			return None, err
		}
		return result(r), nil
	}
}

// Variadic builds a Func from a typed function over any number of arguments
// of the same type.
func Variadic[A, R any](fn func(ctx context.Context, as ...A) (R, error)) Func {
	return func(ctx context.Context, args ...Value) (Output, error) {
		as := make([]A, len(args))
		for i := range args {
			a, err := typedArg[A](args, i)
			if err != nil {
				return None, err
			}
			as[i] = a
		}
		r, err := fn(ctx, as...)
		if err != nil {
			return None, err
		}
		return result(r), nil
	}
}

func typedArg[A any](args []Value, i int) (A, error) {
	if a, ok := args[i].(A); ok {
		return a, nil
	}
	var zero A
	if args[i] == nil && any(zero) == nil {
		return zero, nil
	}
	return zero, fmt.Errorf("%w: argument %d: cannot use %T as %T",
		sferrors.ErrArgumentMismatch, i, args[i], zero)
}

// result declares r as a Single output unless r already is an Output.
func result[R any](r R) Output {
	if out, ok := any(r).(Output); ok {
		return out
	}
	return Single(r)
}
