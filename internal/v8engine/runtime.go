//go:build v8

package v8engine

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/cryguy/dispatch/internal/core"
	v8 "github.com/tommie/v8go"
)

// v8Runtime implements core.JSRuntime for one V8 context.
type v8Runtime struct {
	iso *v8.Isolate
	ctx *v8.Context
}

var _ core.JSRuntime = (*v8Runtime)(nil)

func (r *v8Runtime) run(js string) (*v8.Value, error) {
	return r.ctx.RunScript(js, "dispatch.js")
}

// Eval evaluates JavaScript and discards the result.
func (r *v8Runtime) Eval(js string) error {
	_, err := r.run(js)
	return err
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (r *v8Runtime) EvalString(js string) (string, error) {
	val, err := r.run(js)
	if err != nil || val == nil {
		return "", err
	}
	return val.String(), nil
}

// EvalBool evaluates JavaScript and returns the result as a Go bool.
func (r *v8Runtime) EvalBool(js string) (bool, error) {
	val, err := r.run(js)
	if err != nil || val == nil {
		return false, err
	}
	if !val.IsBoolean() {
		return false, fmt.Errorf("expected bool, got %s", val.String())
	}
	return val.Boolean(), nil
}

// EvalInt evaluates JavaScript and returns the result as a Go int.
func (r *v8Runtime) EvalInt(js string) (int, error) {
	val, err := r.run(js)
	if err != nil || val == nil {
		return 0, err
	}
	if !val.IsNumber() {
		return 0, fmt.Errorf("expected number, got %s", val.String())
	}
	return int(val.Integer()), nil
}

// RegisterFunc registers a Go function as a global JavaScript function.
// Arguments and results may be string, int, int64, float64 or bool. A
// (T, error) result throws in JS when the error is non-nil.
func (r *v8Runtime) RegisterFunc(name string, fn any) error {
	fnVal := reflect.ValueOf(fn)
	fnType := fnVal.Type()
	if fnType.Kind() != reflect.Func {
		return fmt.Errorf("RegisterFunc: expected function, got %T", fn)
	}

	tmpl := v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) < fnType.NumIn() {
			r.throw(fmt.Sprintf("%s requires %d argument(s), got %d", name, fnType.NumIn(), len(args)))
			return nil
		}

		in := make([]reflect.Value, fnType.NumIn())
		for i := range in {
			in[i] = fromJS(args[i], fnType.In(i))
		}
		out := fnVal.Call(in)

		switch len(out) {
		case 0:
			return nil
		case 2:
			if !out[1].IsNil() {
				r.throw(fmt.Sprintf("calling %s: %v", name, out[1].Interface()))
				return nil
			}
		}
		return toJS(r.iso, out[0])
	})

	return r.ctx.Global().Set(name, tmpl.GetFunction(r.ctx))
}

func (r *v8Runtime) throw(msg string) {
	v, _ := v8.NewValue(r.iso, msg)
	r.iso.ThrowException(v)
}

// SetGlobal sets a global variable on the JS context. Values other than
// scalars are passed through JSON.
func (r *v8Runtime) SetGlobal(name string, value any) error {
	var jsVal *v8.Value
	var err error
	switch v := value.(type) {
	case nil:
		jsVal = v8.Undefined(r.iso)
	case string, bool, float64:
		jsVal, err = v8.NewValue(r.iso, v)
	case int:
		jsVal, err = v8.NewValue(r.iso, float64(v))
	case int64:
		jsVal, err = v8.NewValue(r.iso, float64(v))
	default:
		data, merr := json.Marshal(value)
		if merr != nil {
			return fmt.Errorf("marshaling %q: %w", name, merr)
		}
		if err := r.SetGlobal("__tmp_json", string(data)); err != nil {
			return err
		}
		return r.Eval(fmt.Sprintf("globalThis[%q] = JSON.parse(globalThis.__tmp_json); delete globalThis.__tmp_json;", name))
	}
	if err != nil {
		return fmt.Errorf("converting value for %q: %w", name, err)
	}
	return r.ctx.Global().Set(name, jsVal)
}

// RunMicrotasks pumps the V8 microtask queue.
func (r *v8Runtime) RunMicrotasks() {
	r.ctx.PerformMicrotaskCheckpoint()
}

func fromJS(val *v8.Value, t reflect.Type) reflect.Value {
	switch t.Kind() {
	case reflect.String:
		return reflect.ValueOf(val.String())
	case reflect.Int:
		return reflect.ValueOf(int(val.Integer()))
	case reflect.Int64:
		return reflect.ValueOf(val.Integer())
	case reflect.Float64:
		return reflect.ValueOf(val.Number())
	case reflect.Bool:
		return reflect.ValueOf(val.Boolean())
	default:
		return reflect.Zero(t)
	}
}

func toJS(iso *v8.Isolate, val reflect.Value) *v8.Value {
	var v *v8.Value
	switch val.Kind() {
	case reflect.String:
		v, _ = v8.NewValue(iso, val.String())
	case reflect.Int, reflect.Int32, reflect.Int64:
		n := val.Int()
		if n >= math.MinInt32 && n <= math.MaxInt32 {
			v, _ = v8.NewValue(iso, int32(n))
		} else {
			v, _ = v8.NewValue(iso, float64(n))
		}
	case reflect.Float32, reflect.Float64:
		v, _ = v8.NewValue(iso, val.Float())
	case reflect.Bool:
		v, _ = v8.NewValue(iso, val.Bool())
	}
	return v
}
