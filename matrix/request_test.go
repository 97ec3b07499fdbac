// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package matrix

import (
	"context"
	"crypto/ed25519"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAuthorization(t *testing.T) {
	scheme, origin, keyID, sig := ParseAuthorization(
		`X-Matrix origin="remote.org",key="ed25519:abc",sig="c2ln"`,
	)
	assert.Equal(t, "X-Matrix", scheme)
	assert.Equal(t, ServerName("remote.org"), origin)
	assert.Equal(t, KeyID("ed25519:abc"), keyID)
	assert.Equal(t, "c2ln", sig)
}

func TestParseAuthorizationToleratesUnknownParams(t *testing.T) {
	// Forward-compatible parsing: unknown parameters are skipped, known ones
	// still extracted.
	scheme, origin, keyID, sig := ParseAuthorization(
		`X-Matrix origin="remote.org",destination="local.org",futureparam="x",key="ed25519:abc",sig="c2ln"`,
	)
	assert.Equal(t, "X-Matrix", scheme)
	assert.Equal(t, ServerName("remote.org"), origin)
	assert.Equal(t, KeyID("ed25519:abc"), keyID)
	assert.Equal(t, "c2ln", sig)
}

func TestParseAuthorizationOtherScheme(t *testing.T) {
	scheme, origin, _, _ := ParseAuthorization(`Bearer sometoken`)
	assert.Equal(t, "Bearer", scheme)
	assert.Equal(t, ServerName(""), origin)
}

// staticVerifier verifies against a fixed public key for a fixed server.
type staticVerifier struct {
	serverName ServerName
	keyID      KeyID
	publicKey  ed25519.PublicKey
}

func (v *staticVerifier) VerifyJSONs(_ context.Context, requests []VerifyJSONRequest) ([]VerifyJSONResult, error) {
	results := make([]VerifyJSONResult, len(requests))
	for i, request := range requests {
		if request.ServerName != v.serverName {
			results[i].Error = errorf("unknown server %q", request.ServerName)
			continue
		}
		results[i].Error = VerifyJSON(string(request.ServerName), v.keyID, v.publicKey, request.Message)
	}
	return results, nil
}

func TestFederationRequestSignAndVerify(t *testing.T) {
	privateKey := testKey(t)
	origin := ServerName("remote.org")
	destination := ServerName("local.org")

	request := NewFederationRequest("PUT", origin, destination, "/_matrix/federation/v1/send/1")
	require.NoError(t, request.SetContent(map[string]interface{}{"pdus": []string{}}))
	require.NoError(t, request.Sign(origin, testKeyID, privateKey))

	httpReq, err := request.HTTPRequest()
	require.NoError(t, err)
	authHeader := httpReq.Header.Get("Authorization")
	assert.Contains(t, authHeader, `X-Matrix origin="remote.org"`)

	// Replay the HTTP request into the inbound parser and check the
	// signature verifies.
	inbound := httptest.NewRequest("PUT", "/_matrix/federation/v1/send/1", strings.NewReader(string(request.Content())))
	inbound.Header.Set("Content-Type", "application/json")
	inbound.Header.Set("Authorization", authHeader)

	verifier := &staticVerifier{
		serverName: origin,
		keyID:      testKeyID,
		publicKey:  privateKey.Public().(ed25519.PublicKey),
	}
	verified, err := VerifyHTTPRequest(inbound, time.Now(), destination, verifier)
	require.NoError(t, err)
	assert.Equal(t, origin, verified.Origin())
	assert.Equal(t, "PUT", verified.Method())
}

func TestVerifyHTTPRequestMissingAuth(t *testing.T) {
	inbound := httptest.NewRequest("GET", "/_matrix/federation/v1/state/x", nil)
	_, err := VerifyHTTPRequest(inbound, time.Now(), "local.org", &staticVerifier{})
	assert.Error(t, err)
}
