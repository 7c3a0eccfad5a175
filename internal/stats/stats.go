// Package stats holds the small numeric and formatting helpers used by audit summaries.
package stats

import (
	"encoding/json"
	"math"
	"strconv"
)

var sizeUnits = []string{"Bytes", "KB", "MB", "GB", "TB"}

// Average returns the arithmetic mean of values. An empty slice yields NaN.
func Average(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	// Empty input is 0/0.
	return sum / float64(len(values))
}

// TallyCounts counts the items whose value under key is truthy.
// Missing keys, nil, false, zero numbers, NaN and empty strings are falsy.
func TallyCounts(items []map[string]any, key string) int {
	count := 0
	for _, item := range items {
		if Truthy(item[key]) {
			count++
		}
	}
	return count
}

// Truthy applies loose truthiness to a decoded value.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int8:
		return t != 0
	case int16:
		return t != 0
	case int32:
		return t != 0
	case int64:
		return t != 0
	case uint:
		return t != 0
	case uint8:
		return t != 0
	case uint16:
		return t != 0
	case uint32:
		return t != 0
	case uint64:
		return t != 0
	case uintptr:
		return t != 0
	case json.Number:
		f, err := strconv.ParseFloat(string(t), 64)
		if err != nil {
			return t != ""
		}
		return f != 0 && !math.IsNaN(f)
	case float32:
		return t != 0 && !math.IsNaN(float64(t))
	case float64:
		return t != 0 && !math.IsNaN(t)
	default:
		return true
	}
}

// FormatFileSize renders a byte count with 1024 magnitude steps, e.g. "1.5 KB".
func FormatFileSize(bytes int64) string {
	if bytes == 0 {
		return "0 Bytes"
	}
	value := float64(bytes)
	i := 0
	for math.Abs(value) >= 1024 && i < len(sizeUnits)-1 {
		value /= 1024
		i++
	}
	rounded := math.Round(value*100) / 100
	return strconv.FormatFloat(rounded, 'f', -1, 64) + " " + sizeUnits[i]
}
