package extract

import (
	"fmt"

	"github.com/dop251/goja"
)

// Transform is an optional JavaScript expression applied to an extracted
// value before it is written. The expression sees the extracted value as the
// global `value` and its result replaces it, e.g. `value.toLowerCase()` or
// `"0x" + value`.
type Transform struct {
	src  string
	prog *goja.Program
}

// CompileTransform compiles the expression once so repeated extractor runs
// do not re-parse it.
func CompileTransform(src string) (*Transform, error) {
	if src == "" {
		return nil, fmt.Errorf("transform expression cannot be empty")
	}
	prog, err := goja.Compile("transform", src, true)
	if err != nil {
		return nil, fmt.Errorf("failed to compile transform %q: %w", src, err)
	}
	return &Transform{src: src, prog: prog}, nil
}

// Source returns the original expression text.
func (t *Transform) Source() string {
	return t.src
}

// Apply runs the expression against v. A fresh VM per call keeps transforms
// isolated from each other.
func (t *Transform) Apply(v Value) (Value, error) {
	vm := goja.New()
	if err := vm.Set("value", v.Interface()); err != nil {
		return Null(), fmt.Errorf("failed to bind value for transform %q: %w", t.src, err)
	}

	res, err := vm.RunProgram(t.prog)
	if err != nil {
		return Null(), fmt.Errorf("transform %q failed: %w", t.src, err)
	}
	if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return Null(), nil
	}

	return fromInterface(res.Export()), nil
}
