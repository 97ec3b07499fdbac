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
	"crypto/ed25519"
	"encoding/json"
	"fmt"
)

// SignJSON signs a JSON object returning a copy signed with the given key.
// https://matrix.org/docs/spec/server_server/unstable.html#signing-json
func SignJSON(signingName string, keyID KeyID, privateKey ed25519.PrivateKey, message []byte) ([]byte, error) {
	var object map[string]RawJSON
	var signatures map[string]map[KeyID]Base64String
	if err := json.Unmarshal(message, &object); err != nil {
		return nil, err
	}

	rawSignatures := object["signatures"]
	rawUnsigned := object["unsigned"]
	delete(object, "signatures")
	delete(object, "unsigned")

	unsorted, err := json.Marshal(object)
	if err != nil {
		return nil, err
	}

	canonical, err := CanonicalJSON(unsorted)
	if err != nil {
		return nil, err
	}

	signature := Base64String(ed25519.Sign(privateKey, canonical))

	if rawSignatures != nil {
		if err = json.Unmarshal(rawSignatures, &signatures); err != nil {
			return nil, err
		}
	} else {
		signatures = map[string]map[KeyID]Base64String{}
	}

	signaturesForEntity := signatures[signingName]
	if signaturesForEntity != nil {
		signaturesForEntity[keyID] = signature
	} else {
		signatures[signingName] = map[KeyID]Base64String{keyID: signature}
	}

	signaturesJSON, err := json.Marshal(&signatures)
	if err != nil {
		return nil, err
	}

	object["signatures"] = RawJSON(signaturesJSON)
	if rawUnsigned != nil {
		object["unsigned"] = rawUnsigned
	}

	return json.Marshal(object)
}

// ListKeyIDs lists the key IDs a given entity has signed a message with.
func ListKeyIDs(signingName string, message []byte) ([]KeyID, error) {
	var object struct {
		Signatures map[string]map[KeyID]RawJSON `json:"signatures"`
	}
	if err := json.Unmarshal(message, &object); err != nil {
		return nil, err
	}
	var result []KeyID
	for keyID := range object.Signatures[signingName] {
		result = append(result, keyID)
	}
	return result, nil
}

// VerifyJSON checks that the entity has signed the message using a
// particular key.
func VerifyJSON(signingName string, keyID KeyID, publicKey ed25519.PublicKey, message []byte) error {
	var object map[string]RawJSON
	if err := json.Unmarshal(message, &object); err != nil {
		return err
	}

	var signatures map[string]map[KeyID]Base64String
	if object["signatures"] == nil {
		return fmt.Errorf("matrix: no signatures")
	}
	if err := json.Unmarshal(object["signatures"], &signatures); err != nil {
		return err
	}

	delete(object, "signatures")
	delete(object, "unsigned")

	signature, ok := signatures[signingName][keyID]
	if !ok {
		return fmt.Errorf("matrix: no signature from %q with ID %q", signingName, keyID)
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("matrix: bad signature length from %q with ID %q", signingName, keyID)
	}

	unsorted, err := json.Marshal(object)
	if err != nil {
		return err
	}

	canonical, err := CanonicalJSON(unsorted)
	if err != nil {
		return err
	}

	if !ed25519.Verify(publicKey, canonical, signature) {
		return fmt.Errorf("matrix: invalid signature from %q with ID %q", signingName, keyID)
	}

	return nil
}
