// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"testing"

	"gotest.tools/v3/assert"
)

func TestStreamingTokenRoundTrip(t *testing.T) {
	token := StreamingToken{PDUPosition: 11, TypingPosition: 22, ReceiptPosition: 33}
	assert.Equal(t, token.String(), "s11_22_33")

	parsed, err := NewStreamTokenFromString(token.String())
	assert.NilError(t, err)
	assert.Equal(t, parsed, token)
}

func TestStreamingTokenEmpty(t *testing.T) {
	parsed, err := NewStreamTokenFromString("")
	assert.NilError(t, err)
	assert.Equal(t, parsed, StreamingToken{})
}

func TestStreamingTokenInvalid(t *testing.T) {
	_, err := NewStreamTokenFromString("x1_2_3")
	assert.Assert(t, err != nil)
	_, err = NewStreamTokenFromString("sabc")
	assert.Assert(t, err != nil)
}

func TestStreamingTokenIsAfter(t *testing.T) {
	older := StreamingToken{PDUPosition: 1}
	newer := StreamingToken{PDUPosition: 2}
	assert.Assert(t, newer.IsAfter(older))
	assert.Assert(t, !older.IsAfter(older))

	typed := StreamingToken{PDUPosition: 1, TypingPosition: 1}
	assert.Assert(t, typed.IsAfter(older))
}
