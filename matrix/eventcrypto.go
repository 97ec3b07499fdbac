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
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// addContentHashesToEvent sets the "hashes" key of the event with a SHA-256
// hash of the unredacted event content. This hash is used to detect whether
// the unredacted content of the event is valid.
// Returns the event JSON with a "hashes" key added to it.
func addContentHashesToEvent(eventJSON []byte) ([]byte, error) {
	var event map[string]RawJSON

	if err := json.Unmarshal(eventJSON, &event); err != nil {
		return nil, err
	}

	unsignedJSON := event["unsigned"]
	signaturesJSON := event["signatures"]

	delete(event, "signatures")
	delete(event, "unsigned")
	delete(event, "hashes")

	hashableEventJSON, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	hashableEventJSON, err = CanonicalJSON(hashableEventJSON)
	if err != nil {
		return nil, err
	}

	sha256Hash := sha256.Sum256(hashableEventJSON)
	hashes := struct {
		Sha256 Base64String `json:"sha256"`
	}{Base64String(sha256Hash[:])}
	hashesJSON, err := json.Marshal(&hashes)
	if err != nil {
		return nil, err
	}

	if len(unsignedJSON) > 0 {
		event["unsigned"] = unsignedJSON
	}
	if len(signaturesJSON) > 0 {
		event["signatures"] = signaturesJSON
	}
	event["hashes"] = RawJSON(hashesJSON)

	return json.Marshal(event)
}

// checkEventContentHash checks if the unredacted content of the event matches
// the SHA-256 hash under the "hashes" key. The hash is always the
// {algorithm → base64} map form; the bare string form is not accepted.
func checkEventContentHash(eventJSON []byte) error {
	var event map[string]RawJSON

	if err := json.Unmarshal(eventJSON, &event); err != nil {
		return err
	}

	hashesJSON := event["hashes"]

	delete(event, "signatures")
	delete(event, "unsigned")
	delete(event, "hashes")

	var hashes struct {
		Sha256 Base64String `json:"sha256"`
	}
	if err := json.Unmarshal(hashesJSON, &hashes); err != nil {
		return fmt.Errorf("matrix: invalid content hashes: %w", err)
	}

	hashableEventJSON, err := json.Marshal(event)
	if err != nil {
		return err
	}

	hashableEventJSON, err = CanonicalJSON(hashableEventJSON)
	if err != nil {
		return err
	}

	sha256Hash := sha256.Sum256(hashableEventJSON)

	if !bytes.Equal(sha256Hash[:], []byte(hashes.Sha256)) {
		return fmt.Errorf("matrix: invalid sha256 content hash")
	}

	return nil
}

// referenceOfEvent returns the SHA-256 hash of the redacted event content.
// In event format v2 rooms this hash, URL-safe base64 encoded, is the
// event ID.
func referenceOfEvent(eventJSON []byte, roomVersion RoomVersion) (string, error) {
	redactedJSON, err := RedactEvent(eventJSON, roomVersion)
	if err != nil {
		return "", err
	}

	var event map[string]RawJSON
	if err = json.Unmarshal(redactedJSON, &event); err != nil {
		return "", err
	}

	delete(event, "signatures")
	delete(event, "unsigned")
	delete(event, "event_id")

	hashableEventJSON, err := json.Marshal(event)
	if err != nil {
		return "", err
	}

	hashableEventJSON, err = CanonicalJSON(hashableEventJSON)
	if err != nil {
		return "", err
	}

	sha256Hash := sha256.Sum256(hashableEventJSON)
	return "$" + base64.RawURLEncoding.EncodeToString(sha256Hash[:]), nil
}

// signEvent adds an ED25519 signature to the event for the given key.
func signEvent(signingName string, keyID KeyID, privateKey ed25519.PrivateKey, eventJSON []byte, roomVersion RoomVersion) ([]byte, error) {
	// Redact the event before signing so the signature will remain valid
	// even if the event is redacted.
	redactedJSON, err := RedactEvent(eventJSON, roomVersion)
	if err != nil {
		return nil, err
	}

	// Sign the JSON, this adds a "signatures" key to the redacted event.
	signedJSON, err := SignJSON(signingName, keyID, privateKey, redactedJSON)
	if err != nil {
		return nil, err
	}

	var signedEvent struct {
		Signatures RawJSON `json:"signatures"`
	}
	if err := json.Unmarshal(signedJSON, &signedEvent); err != nil {
		return nil, err
	}

	// Unmarshal the event JSON so that we can replace the signatures key.
	var event map[string]RawJSON
	if err := json.Unmarshal(eventJSON, &event); err != nil {
		return nil, err
	}

	event["signatures"] = signedEvent.Signatures

	return json.Marshal(event)
}

// verifyEventSignature checks if the event has been signed by the given
// ED25519 key.
func verifyEventSignature(signingName string, keyID KeyID, publicKey ed25519.PublicKey, eventJSON []byte, roomVersion RoomVersion) error {
	redactedJSON, err := RedactEvent(eventJSON, roomVersion)
	if err != nil {
		return err
	}

	return VerifyJSON(signingName, keyID, publicKey, redactedJSON)
}
