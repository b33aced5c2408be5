package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransformApply(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		input    Value
		rendered string
	}{
		{name: "lowercase", src: "value.toLowerCase()", input: String("0xABC"), rendered: "0xabc"},
		{name: "prefix", src: `"0x" + value`, input: String("1ead"), rendered: "0x1ead"},
		{name: "arithmetic", src: "value * 2", input: Number(21), rendered: "42"},
		{name: "boolean expression", src: `value === "mainnet"`, input: String("katana"), rendered: "false"},
		{name: "null result", src: "null", input: String("anything"), rendered: "null"},
		{name: "undefined result", src: "undefined", input: String("anything"), rendered: "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := CompileTransform(tt.src)
			require.NoError(t, err)

			out, err := tr.Apply(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.rendered, out.Render())
		})
	}
}

func TestTransformRuntimeError(t *testing.T) {
	tr, err := CompileTransform("value.does.not.exist()")
	require.NoError(t, err)

	_, err = tr.Apply(String("x"))
	assert.ErrorContains(t, err, "transform")
}

func TestCompileTransformRejectsBadSource(t *testing.T) {
	_, err := CompileTransform("value +")
	assert.Error(t, err)

	_, err = CompileTransform("")
	assert.ErrorContains(t, err, "cannot be empty")
}
