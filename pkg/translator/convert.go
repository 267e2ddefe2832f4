// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package translator

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	errNotNumeric = errors.New("value is not numeric")
	errOutOfRange = errors.New("value does not fit in int64")
)

// toInt64 converts a counter value to int64, truncating fractions toward zero.
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, errOutOfRange
		}
		return int64(n), nil
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, errOutOfRange
		}
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case float64:
		return floatToInt64(n)
	case float32:
		return floatToInt64(float64(n))
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", errNotNumeric, n)
		}
		return i, nil
	}
	return 0, fmt.Errorf("%w: %T", errNotNumeric, v)
}

// toFloat64 converts a counter value to float64.
func toFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", errNotNumeric, n)
		}
		return f, nil
	}
	i, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	return float64(i), nil
}

func floatToInt64(f float64) (int64, error) {
	// 2^63 is exactly representable; anything at or above it overflows.
	if math.IsNaN(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, errOutOfRange
	}
	return int64(f), nil
}

// integerValue accepts only integer kinds and reports whether the value fits
// in int64. Heap statistics are always integers, so anything else is ignored.
func integerValue(v any) (int64, bool) {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		i, err := toInt64(v)
		return i, err == nil
	}
	return 0, false
}

// gcCount accepts only the unsigned 32-bit count carried by GC end events.
func gcCount(v any) (uint32, bool) {
	n, ok := v.(uint32)
	return n, ok
}
