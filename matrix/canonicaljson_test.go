// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package matrix

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCanonical(t *testing.T, input, want string) {
	t.Helper()
	got, err := CanonicalJSON([]byte(input))
	require.NoError(t, err)
	assert.Equal(t, want, string(got))
}

func TestCanonicalJSON(t *testing.T) {
	testCanonical(t, `{}`, `{}`)
	testCanonical(t, `{"b":1,"a":2}`, `{"a":2,"b":1}`)
	testCanonical(t, `{"a": {"d": 1, "c": 2}, "b": [3, 2, 1]}`, `{"a":{"c":2,"d":1},"b":[3,2,1]}`)
	testCanonical(t, ` [ 1 , 2 , 3 ] `, `[1,2,3]`)
	testCanonical(t, `{"a":null,"b":true,"c":false}`, `{"a":null,"b":true,"c":false}`)
	// Numbers are emitted in their shortest integer form.
	testCanonical(t, `{"a":1.0,"b":10}`, `{"a":1,"b":10}`)
	// Object keys are sorted at every depth, arrays keep their order.
	testCanonical(t,
		`{"one":1,"two":{"m":1,"l":[{"z":1,"y":2}],"k":3}}`,
		`{"one":1,"two":{"k":3,"l":[{"y":2,"z":1}],"m":1}}`,
	)
}

func TestCanonicalJSONIdempotent(t *testing.T) {
	inputs := []string{
		`{"b":{"d":4,"c":[2,3]},"a":1}`,
		`[{"z":1},{"a":2}]`,
		`{"text":"日本語のテスト"}`,
		`{"esc":"line\nbreak\tand \"quote\""}`,
	}
	for _, input := range inputs {
		once, err := CanonicalJSON([]byte(input))
		require.NoError(t, err)
		twice, err := CanonicalJSON(once)
		require.NoError(t, err)
		assert.Equal(t, string(once), string(twice), "canonical(canonical(v)) != canonical(v) for %q", input)
	}
}

func TestCanonicalJSONInvalidInput(t *testing.T) {
	_, err := CanonicalJSON([]byte(`{"a":`))
	var canonErr CanonicalJSONError
	require.True(t, errors.As(err, &canonErr))
	assert.Equal(t, CanonicalInvalidJSON, canonErr.Kind)
}

func TestCanonicalJSONEmptyKey(t *testing.T) {
	_, err := CanonicalJSON([]byte(`{"":1}`))
	var canonErr CanonicalJSONError
	require.True(t, errors.As(err, &canonErr))
	assert.Equal(t, CanonicalInvalidJSON, canonErr.Kind)
}

func TestCanonicalJSONDepthLimit(t *testing.T) {
	// 1000 levels of nesting is within the limit.
	ok := strings.Repeat("[", 1000) + strings.Repeat("]", 1000)
	_, err := CanonicalJSON([]byte(ok))
	assert.NoError(t, err)

	// 1001 levels is over it and must fail with a typed error, not a panic.
	tooDeep := strings.Repeat("[", 1001) + strings.Repeat("]", 1001)
	_, err = CanonicalJSON([]byte(tooDeep))
	var canonErr CanonicalJSONError
	require.True(t, errors.As(err, &canonErr))
	assert.Equal(t, CanonicalRecursiveStructure, canonErr.Kind)
}

func TestCanonicalJSONEntryLimit(t *testing.T) {
	var sb strings.Builder
	sb.WriteByte('[')
	for i := 0; i < 10001; i++ {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('0')
	}
	sb.WriteByte(']')
	_, err := CanonicalJSON([]byte(sb.String()))
	var canonErr CanonicalJSONError
	require.True(t, errors.As(err, &canonErr))
	assert.Equal(t, CanonicalMemoryExhausted, canonErr.Kind)
}

func TestCanonicalJSONValueCycle(t *testing.T) {
	type node struct {
		Next *node `json:"next"`
	}
	n := &node{}
	n.Next = n
	_, err := CanonicalJSONValue(n)
	var canonErr CanonicalJSONError
	require.True(t, errors.As(err, &canonErr))
	assert.Equal(t, CanonicalRecursiveStructure, canonErr.Kind)
}
