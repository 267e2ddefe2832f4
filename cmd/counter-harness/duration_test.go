// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type durationTestInput struct {
	Key      string    `json:"key"`
	Duration *Duration `json:"duration,omitempty"`
}

func TestUnmarshalDuration(t *testing.T) {
	cases := map[string]struct {
		data      string
		expected  time.Duration
		expectErr bool
	}{
		"string": {
			data:     `{"key": "v", "duration": "100s"}`,
			expected: 100 * time.Second,
		},
		"nanoseconds": {
			data:     `{"key": "v", "duration": 4500}`,
			expected: 4500 * time.Nanosecond,
		},
		"invalid string": {
			data:      `{"duration": "ten seconds"}`,
			expectErr: true,
		},
		"invalid type": {
			data:      `{"duration": true}`,
			expectErr: true,
		},
	}

	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			var in durationTestInput
			err := json.Unmarshal([]byte(tc.data), &in)
			if tc.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, in.Duration)
			require.Equal(t, tc.expected, in.Duration.Duration)
		})
	}
}

func TestMarshalDuration(t *testing.T) {
	out, err := json.Marshal(durationTestInput{Key: "v", Duration: &Duration{Duration: 90 * time.Second}})
	require.NoError(t, err)
	require.JSONEq(t, `{"key": "v", "duration": "1m30s"}`, string(out))

	var in durationTestInput
	require.NoError(t, json.Unmarshal(out, &in))
	require.Equal(t, 90*time.Second, in.Duration.Duration)
}
