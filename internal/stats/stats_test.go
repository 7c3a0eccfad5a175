package stats

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAverage(t *testing.T) {
	t.Parallel()

	require.True(t, math.IsNaN(Average(nil)))
	require.True(t, math.IsNaN(Average([]float64{})))
	require.InDelta(t, 4.0, Average([]float64{2, 4, 6}), 1e-9)
	require.InDelta(t, -0.5, Average([]float64{-1, 0}), 1e-9)
}

func TestTallyCounts(t *testing.T) {
	t.Parallel()

	items := []map[string]any{{"a": 1}, {"a": 0}, {"a": 2}}
	require.Equal(t, 2, TallyCounts(items, "a"))

	mixed := []map[string]any{
		{"ok": true},
		{"ok": false},
		{"ok": ""},
		{"ok": "yes"},
		{"ok": nil},
		{"other": 1},
		{"ok": math.NaN()},
		{"ok": []string{}},
	}
	require.Equal(t, 3, TallyCounts(mixed, "ok"))
	require.Zero(t, TallyCounts(nil, "ok"))
}

func TestFormatFileSize(t *testing.T) {
	t.Parallel()

	cases := map[int64]string{
		0:             "0 Bytes",
		1:             "1 Bytes",
		1023:          "1023 Bytes",
		1024:          "1 KB",
		1536:          "1.5 KB",
		1048576:       "1 MB",
		1234567:       "1.18 MB",
		1073741824:    "1 GB",
		5497558138880: "5 TB",
	}
	for in, want := range cases {
		require.Equal(t, want, FormatFileSize(in), in)
	}
}

func TestTruthy(t *testing.T) {
	t.Parallel()

	falsy := []any{
		nil, false, "", 0, int8(0), int16(0), int32(0), int64(0),
		uint(0), uint8(0), uint16(0), uint32(0), uint64(0), uintptr(0),
		float32(0), 0.0, math.NaN(), json.Number("0"), json.Number("0.0"), json.Number("-0"),
	}
	for _, v := range falsy {
		require.False(t, Truthy(v), "%T(%v)", v, v)
	}

	truthy := []any{
		true, "x", 1, int8(-1), int16(2), int32(3), int64(4),
		uint(1), uint8(1), uint16(1), uint32(1), uint64(1), uintptr(1),
		float32(0.5), -1.5, json.Number("12"), json.Number("1e-3"), []int{}, struct{}{},
	}
	for _, v := range truthy {
		require.True(t, Truthy(v), "%T(%v)", v, v)
	}
}
