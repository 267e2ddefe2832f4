// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package metricsink contains the destinations for "<name> <value>" metric
// lines.
package metricsink

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Writer receives metric lines. Initialize must complete before the first
// WriteMetrics call. WriteMetrics may be called concurrently and must not
// block indefinitely.
type Writer interface {
	Initialize() error
	WriteMetrics(line string)
}

var errMalformedLine = errors.New("malformed metric line")

// FormatLine renders a metric line.
func FormatLine(name string, value int64) string {
	return name + " " + strconv.FormatInt(value, 10)
}

// ParseLine splits a metric line into its name and integer value. Names may
// contain spaces, so the value is whatever follows the last one.
func ParseLine(line string) (string, int64, error) {
	idx := strings.LastIndexByte(line, ' ')
	if idx <= 0 || idx == len(line)-1 {
		return "", 0, fmt.Errorf("%w: %q", errMalformedLine, line)
	}
	v, err := strconv.ParseInt(line[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q: %v", errMalformedLine, line, err)
	}
	return line[:idx], v, nil
}
