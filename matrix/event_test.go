// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package matrix

import (
	"crypto/ed25519"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"
)

const (
	testOrigin = ServerName("example.org")
	testKeyID  = KeyID("ed25519:1")
)

// testKey derives a deterministic signing key for tests.
func testKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	seed := strings.Repeat("s", ed25519.SeedSize)
	return ed25519.NewKeyFromSeed([]byte(seed))
}

func buildTestEvent(t *testing.T, builder *EventBuilder) *Event {
	t.Helper()
	event, err := builder.Build(
		time.Unix(1700000000, 0), testOrigin, testKeyID, testKey(t), RoomVersionV10,
	)
	require.NoError(t, err)
	return event
}

func strptr(s string) *string { return &s }

func TestBuildEventRoundTrip(t *testing.T) {
	builder := &EventBuilder{
		Sender:     "@alice:example.org",
		RoomID:     "!room:example.org",
		Type:       "m.room.message",
		Depth:      5,
		PrevEvents: []string{"$prev"},
		AuthEvents: []string{"$auth"},
	}
	require.NoError(t, builder.SetContent(map[string]string{"msgtype": "m.text", "body": "hi"}))

	event := buildTestEvent(t, builder)
	assert.True(t, strings.HasPrefix(event.EventID(), "$"))
	assert.False(t, event.Redacted())
	assert.Equal(t, "@alice:example.org", event.Sender())
	assert.Equal(t, int64(5), event.Depth())

	// An event we built ourselves must pass the untrusted-JSON checks and
	// come out with the same derived event ID.
	reparsed, err := NewEventFromUntrustedJSON(event.JSON(), RoomVersionV10)
	require.NoError(t, err)
	assert.False(t, reparsed.Redacted())
	assert.Equal(t, event.EventID(), reparsed.EventID())

	// And it must verify against the public key that signed it.
	publicKey := testKey(t).Public().(ed25519.PublicKey)
	assert.NoError(t, reparsed.Verify(string(testOrigin), testKeyID, publicKey))
}

func TestTamperedContentIsRedacted(t *testing.T) {
	builder := &EventBuilder{
		Sender: "@alice:example.org",
		RoomID: "!room:example.org",
		Type:   "m.room.message",
		Depth:  1,
	}
	require.NoError(t, builder.SetContent(map[string]string{"msgtype": "m.text", "body": "hi"}))
	event := buildTestEvent(t, builder)

	// Tamper with a non-preserved field. The content hash no longer matches
	// so the event must be stored in redacted form, but parsing continues.
	tampered, err := sjson.SetBytes(event.JSON(), "content.body", "changed")
	require.NoError(t, err)

	reparsed, err := NewEventFromUntrustedJSON(tampered, RoomVersionV10)
	require.NoError(t, err)
	assert.True(t, reparsed.Redacted())
	// Redaction strips message content entirely.
	assert.Equal(t, "{}", string(reparsed.Content()))

	// The signature covers the redacted form, so it still verifies.
	publicKey := testKey(t).Public().(ed25519.PublicKey)
	assert.NoError(t, reparsed.Verify(string(testOrigin), testKeyID, publicKey))
}

func TestTamperedSignatureFailsVerification(t *testing.T) {
	builder := &EventBuilder{
		Sender: "@alice:example.org",
		RoomID: "!room:example.org",
		Type:   "m.room.message",
		Depth:  1,
	}
	require.NoError(t, builder.SetContent(map[string]string{"body": "hi"}))
	event := buildTestEvent(t, builder)

	publicKey := testKey(t).Public().(ed25519.PublicKey)
	require.NoError(t, event.Verify(string(testOrigin), testKeyID, publicKey))

	// Replace the signature with a valid-length but wrong value.
	bogus := strings.Repeat("A", 86)
	tampered, err := sjson.SetBytes(
		event.JSON(), "signatures.example\\.org.ed25519:1", bogus,
	)
	require.NoError(t, err)
	broken, err := NewEventFromUntrustedJSON(tampered, RoomVersionV10)
	require.NoError(t, err)
	assert.Error(t, broken.Verify(string(testOrigin), testKeyID, publicKey))
}

func TestEventSizeLimits(t *testing.T) {
	builder := &EventBuilder{
		Sender: "@alice:example.org",
		RoomID: "!room:example.org",
		Type:   "m.room.message",
		Depth:  1,
	}
	require.NoError(t, builder.SetContent(map[string]string{
		"body": strings.Repeat("x", maxEventLength),
	}))
	_, err := builder.Build(time.Now(), testOrigin, testKeyID, testKey(t), RoomVersionV10)
	var validationErr EventValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestStateKeyEquals(t *testing.T) {
	builder := &EventBuilder{
		Sender:   "@alice:example.org",
		RoomID:   "!room:example.org",
		Type:     "m.room.name",
		StateKey: strptr(""),
		Depth:    2,
	}
	require.NoError(t, builder.SetContent(map[string]string{"name": "snug room"}))
	event := buildTestEvent(t, builder)
	assert.True(t, event.StateKeyEquals(""))
	assert.False(t, event.StateKeyEquals("@alice:example.org"))
}

func TestUnsupportedRoomVersion(t *testing.T) {
	builder := &EventBuilder{
		Sender: "@alice:example.org",
		RoomID: "!room:example.org",
		Type:   "m.room.message",
	}
	require.NoError(t, builder.SetContent(struct{}{}))
	_, err := builder.Build(time.Now(), testOrigin, testKeyID, testKey(t), RoomVersion("0"))
	assert.ErrorIs(t, err, UnsupportedRoomVersionError{Version: "0"})
}
