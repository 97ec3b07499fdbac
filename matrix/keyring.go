/* Copyright 2017 Vector Creations Ltd
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package matrix

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// A PublicKeyRequest is a request for a public key with a particular key ID.
type PublicKeyRequest struct {
	// The server to fetch a key for.
	ServerName ServerName
	// The ID of the key to fetch.
	KeyID KeyID
}

// A VerifyKey is a key used to sign JSON.
type VerifyKey struct {
	// The public key.
	Key Base64String `json:"key"`
}

// An OldVerifyKey is a key that is no longer in use, but may still be needed
// to verify older events.
type OldVerifyKey struct {
	Key       Base64String `json:"key"`
	ExpiredTS Timestamp    `json:"expired_ts"`
}

// ServerKeys are the ed25519 signing keys published by a matrix server.
// Contains SHA256 fingerprints of the TLS X509 certificates used by the server.
type ServerKeys struct {
	// Copy of the raw JSON for signature checking.
	Raw RawJSON `json:"-"`
	// The server name.
	ServerName ServerName `json:"server_name"`
	// The current signing keys in use on this server.
	// The keys of the map are the IDs of the keys.
	// These are valid while this response is valid.
	VerifyKeys map[KeyID]VerifyKey `json:"verify_keys"`
	// When this result is valid until in milliseconds.
	ValidUntilTS Timestamp `json:"valid_until_ts"`
	// Old keys that are now only valid for checking historic events.
	// The keys of the map are the IDs of the keys.
	OldVerifyKeys map[KeyID]OldVerifyKey `json:"old_verify_keys"`
}

// UnmarshalJSON implements json.Unmarshaller, keeping a copy of the raw JSON
// so that the self-signature can be checked later.
func (keys *ServerKeys) UnmarshalJSON(data []byte) error {
	type serverKeys ServerKeys
	var parsed serverKeys
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}
	*keys = ServerKeys(parsed)
	keys.Raw = append(RawJSON{}, data...)
	return nil
}

// PublicKey returns the public key with the given ID, or nil if the key is
// unknown. Expired old keys are only returned if they were still valid at the
// given timestamp.
func (keys *ServerKeys) PublicKey(keyID KeyID, atTS Timestamp) []byte {
	if verifyKey, ok := keys.VerifyKeys[keyID]; ok {
		return verifyKey.Key
	}
	if oldVerifyKey, ok := keys.OldVerifyKeys[keyID]; ok {
		if atTS <= oldVerifyKey.ExpiredTS {
			return oldVerifyKey.Key
		}
	}
	return nil
}

// CheckSelfSigned checks that the response is signed by the server it claims
// to be from, with one of the keys it lists.
func (keys *ServerKeys) CheckSelfSigned() error {
	var checkedOne bool
	for keyID, verifyKey := range keys.VerifyKeys {
		if len(verifyKey.Key) != ed25519.PublicKeySize {
			return fmt.Errorf("matrix: bad public key size for %q %q", keys.ServerName, keyID)
		}
		if err := VerifyJSON(
			string(keys.ServerName), keyID, ed25519.PublicKey(verifyKey.Key), keys.Raw,
		); err != nil {
			return err
		}
		checkedOne = true
	}
	if !checkedOne {
		return fmt.Errorf("matrix: server key response for %q lists no verify keys", keys.ServerName)
	}
	return nil
}

// A KeyFetcher fetches the signing keys for a server, usually over federation
// from the server's /_matrix/key/v2/server endpoint.
type KeyFetcher interface {
	// FetchKeys fetches the current keys for the given server.
	FetchKeys(ctx context.Context, serverName ServerName) (*ServerKeys, error)
}

// A KeyDatabase persists fetched server keys so that old keys remain
// available for verifying old events after rotation.
type KeyDatabase interface {
	// StoreKeys persists the keys for a server.
	StoreKeys(ctx context.Context, keys *ServerKeys) error
	// FetchStoredKeys returns the last stored keys for a server, or nil.
	FetchStoredKeys(ctx context.Context, serverName ServerName) (*ServerKeys, error)
}

// A VerifyJSONRequest is a request to check for a signature on a JSON message.
// A JSON message is valid for a server if the message has at least one valid
// signature from that server.
type VerifyJSONRequest struct {
	// The name of the matrix server to check for a signature for.
	ServerName ServerName
	// The millisecond posix timestamp the message needs to be valid at.
	AtTS Timestamp
	// The JSON bytes.
	Message []byte
}

// A VerifyJSONResult is the result of checking the signature of a JSON message.
type VerifyJSONResult struct {
	// Whether the message passed the signature checks.
	// This will be nil if the message passed the checks.
	Error error
}

// JSONVerifier is an interface for verifying that messages were signed by the
// servers that claim to have sent them.
type JSONVerifier interface {
	// VerifyJSONs performs bulk JSON signature verification for a list of
	// VerifyJSONRequests. The results are returned in the same order as the
	// requests.
	VerifyJSONs(ctx context.Context, requests []VerifyJSONRequest) ([]VerifyJSONResult, error)
}

// A KeyRing caches the signing keys for remote servers, fetching them through
// a KeyFetcher when they are missing or expired. Fetches for the same server
// are deduplicated with singleflight so that a slow or unresponsive server
// does not pile up concurrent requests.
type KeyRing struct {
	fetcher  KeyFetcher
	database KeyDatabase
	cache    *gocache.Cache
	group    singleflight.Group
}

// NewKeyRing returns a key ring that fetches keys with the fetcher and
// persists them in the database. The database may be nil, in which case old
// keys are lost when they leave the in-memory cache.
func NewKeyRing(fetcher KeyFetcher, database KeyDatabase) *KeyRing {
	return &KeyRing{
		fetcher:  fetcher,
		database: database,
		cache:    gocache.New(time.Hour, 10*time.Minute),
	}
}

// VerifyJSONs implements JSONVerifier.
func (k *KeyRing) VerifyJSONs(ctx context.Context, requests []VerifyJSONRequest) ([]VerifyJSONResult, error) {
	results := make([]VerifyJSONResult, len(requests))
	for i := range requests {
		results[i].Error = k.verifyJSON(ctx, &requests[i], false)
	}
	return results, nil
}

func (k *KeyRing) verifyJSON(ctx context.Context, request *VerifyJSONRequest, refetched bool) error {
	keyIDs, err := ListKeyIDs(string(request.ServerName), request.Message)
	if err != nil {
		return fmt.Errorf("matrix: error extracting key IDs: %w", err)
	}
	if len(keyIDs) == 0 {
		return fmt.Errorf("matrix: no signature from %q", request.ServerName)
	}

	keys, err := k.serverKeys(ctx, request.ServerName, refetched)
	if err != nil {
		return err
	}

	var lastErr error
	for _, keyID := range keyIDs {
		publicKey := keys.PublicKey(keyID, request.AtTS)
		if publicKey == nil {
			lastErr = fmt.Errorf("matrix: unknown key %q for %q", keyID, request.ServerName)
			continue
		}
		if len(publicKey) != ed25519.PublicKeySize {
			lastErr = fmt.Errorf("matrix: bad public key size for %q %q", request.ServerName, keyID)
			continue
		}
		if err := VerifyJSON(
			string(request.ServerName), keyID, ed25519.PublicKey(publicKey), request.Message,
		); err != nil {
			lastErr = err
			continue
		}
		// The signature is valid when the message is valid under at least
		// one of the listed keys.
		return nil
	}

	// The key may have rotated since we cached it. Refetch once before
	// giving up.
	if !refetched {
		k.cache.Delete(string(request.ServerName))
		return k.verifyJSON(ctx, request, true)
	}

	return lastErr
}

// serverKeys returns the keys for a server from the cache or the fetcher,
// falling back to the last keys stored in the database when the fetch fails.
func (k *KeyRing) serverKeys(ctx context.Context, serverName ServerName, skipCache bool) (*ServerKeys, error) {
	if !skipCache {
		if cached, ok := k.cache.Get(string(serverName)); ok {
			keys := cached.(*ServerKeys)
			if AsTimestamp(time.Now()) < keys.ValidUntilTS {
				return keys, nil
			}
		}
	}

	fetched, err, _ := k.group.Do(string(serverName), func() (interface{}, error) {
		keys, err := k.fetcher.FetchKeys(ctx, serverName)
		if err != nil {
			// Fall back to the last stored keys so that old events can still
			// be verified when the origin is unreachable.
			if k.database != nil {
				if stored, dbErr := k.database.FetchStoredKeys(ctx, serverName); dbErr == nil && stored != nil {
					return stored, nil
				}
			}
			return nil, err
		}
		if keys.ServerName != serverName {
			return nil, fmt.Errorf("matrix: key response for %q claims to be from %q", serverName, keys.ServerName)
		}
		if err := keys.CheckSelfSigned(); err != nil {
			return nil, err
		}
		if k.database != nil {
			if err := k.database.StoreKeys(ctx, keys); err != nil {
				return nil, err
			}
		}
		return keys, nil
	})
	if err != nil {
		return nil, err
	}

	keys := fetched.(*ServerKeys)
	ttl := time.Until(keys.ValidUntilTS.Time())
	if ttl <= 0 {
		ttl = time.Minute
	}
	k.cache.Set(string(serverName), keys, ttl)
	return keys, nil
}

// VerifyAllEventSignatures checks that every event in the list is signed by
// its origin server, and by the authorising server for restricted joins.
func VerifyAllEventSignatures(ctx context.Context, events []*Event, verifier JSONVerifier) error {
	var requests []VerifyJSONRequest
	for _, event := range events {
		needed, err := serversNeededToSign(event)
		if err != nil {
			return err
		}
		redactedJSON, err := RedactEvent(event.JSON(), event.Version())
		if err != nil {
			return err
		}
		for _, serverName := range needed {
			requests = append(requests, VerifyJSONRequest{
				ServerName: serverName,
				AtTS:       event.OriginServerTS(),
				Message:    redactedJSON,
			})
		}
	}
	results, err := verifier.VerifyJSONs(ctx, requests)
	if err != nil {
		return err
	}
	for _, result := range results {
		if result.Error != nil {
			return result.Error
		}
	}
	return nil
}

// serversNeededToSign works out which servers must have signed an event: the
// sender's server, and the authorising server for restricted joins.
func serversNeededToSign(event *Event) ([]ServerName, error) {
	_, senderDomain, err := SplitID('@', event.Sender())
	if err != nil {
		return nil, err
	}
	needed := []ServerName{senderDomain}
	if event.Type() == MRoomMember {
		content, err := NewMemberContentFromEvent(event)
		if err != nil {
			return nil, err
		}
		if content.AuthorisedVia != "" {
			_, authorisingDomain, err := SplitID('@', content.AuthorisedVia)
			if err != nil {
				return nil, err
			}
			if authorisingDomain != senderDomain {
				needed = append(needed, authorisingDomain)
			}
		}
	}
	return needed, nil
}
