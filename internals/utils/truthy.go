package utils

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Truthy reports whether a raw JSON value would be considered true by a
// browser client: false, null, 0, NaN, "" and a missing value are false,
// everything else (including empty objects and arrays) is true.
func Truthy(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}

	switch raw[0] {
	case 'n', 'f':
		return false
	case 't', '{', '[':
		return true
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return false
		}
		return s != ""
	}

	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return false
	}
	return f != 0 && !math.IsNaN(f)
}

// Number converts a raw JSON value the way a browser's Number() would.
// A missing value, objects and unparsable strings yield NaN.
func Number(raw json.RawMessage) float64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return math.NaN()
	}

	switch raw[0] {
	case 'n', 'f':
		return 0
	case 't':
		return 1
	case '{', '[':
		return math.NaN()
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return math.NaN()
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	}

	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return math.NaN()
	}
	return f
}
