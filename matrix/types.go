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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// A ServerName is the name a matrix homeserver is identified by.
// It is a DNS name or IP address optionally followed by a port.
type ServerName string

// A KeyID is the ID of an ed25519 key used to sign JSON.
// The key IDs have a format of "ed25519:[0-9A-Za-z]+".
type KeyID string

// A Timestamp is a millisecond posix timestamp.
type Timestamp uint64

// AsTimestamp turns a time.Time into a millisecond posix timestamp.
func AsTimestamp(t time.Time) Timestamp {
	return Timestamp(t.UnixNano() / int64(time.Millisecond))
}

// Time turns a millisecond posix timestamp into a time.Time.
func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t)/1000, (int64(t)%1000)*int64(time.Millisecond))
}

// A StateKeyTuple is the combination of an event type and an event state key.
// It is often used as a key in maps.
type StateKeyTuple struct {
	// The "type" key of a matrix event.
	EventType string
	// The "state_key" of a matrix event.
	// The empty string is a legitimate value for the "state_key" in matrix
	// so take care to initialise this field lest you accidentally request a
	// "state_key" with the go default of the empty string.
	StateKey string
}

// Event type constants for the state events the auth and state resolution
// rules care about.
const (
	MRoomCreate            = "m.room.create"
	MRoomJoinRules         = "m.room.join_rules"
	MRoomPowerLevels       = "m.room.power_levels"
	MRoomMember            = "m.room.member"
	MRoomThirdPartyInvite  = "m.room.third_party_invite"
	MRoomAliases           = "m.room.aliases"
	MRoomCanonicalAlias    = "m.room.canonical_alias"
	MRoomHistoryVisibility = "m.room.history_visibility"
	MRoomRedaction         = "m.room.redaction"
	MRoomName              = "m.room.name"
	MRoomTopic             = "m.room.topic"
	MRoomGuestAccess       = "m.room.guest_access"
)

// Membership values recognised by the auth rules.
const (
	Join   = "join"
	Invite = "invite"
	Leave  = "leave"
	Ban    = "ban"
	Knock  = "knock"
)

// Join rule values.
const (
	JoinRulePublic     = "public"
	JoinRuleInvite     = "invite"
	JoinRuleKnock      = "knock"
	JoinRuleRestricted = "restricted"
)

// EDU type constants.
const (
	MTyping  = "m.typing"
	MReceipt = "m.receipt"
)

// A Base64String is a string of bytes that are base64 encoded when used in JSON.
// The bytes encoded using base64 when marshalled as JSON.
// When the bytes are unmarshalled from JSON they are decoded from base64.
type Base64String []byte

// MarshalJSON encodes the bytes as base64 with the padding stripped.
func (b64 Base64String) MarshalJSON() ([]byte, error) {
	// This could be made more efficient by using base64.RawStdEncoding.EncodedLen
	// to work out how big the byte array needs to be.
	encoded := base64.RawStdEncoding.EncodeToString(b64)
	return json.Marshal(encoded)
}

// UnmarshalJSON decodes a JSON string and then decodes the base64.
// Accepts both padded and unpadded input since other implementations
// disagree on whether the padding should be present.
func (b64 *Base64String) UnmarshalJSON(raw []byte) (err error) {
	var str string
	if err = json.Unmarshal(raw, &str); err != nil {
		return
	}
	str = strings.TrimRight(str, "=")
	*b64, err = base64.RawStdEncoding.DecodeString(str)
	return
}

// RawJSON is a reimplementation of json.RawMessage that supports being used
// as a value type.
type RawJSON []byte

// MarshalJSON implements the json.Marshaller interface using a value receiver.
// This means that RawJSON used as an embedded value will still encode correctly.
func (r RawJSON) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("null"), nil
	}
	return []byte(r), nil
}

// UnmarshalJSON implements the json.Unmarshaller interface using a pointer receiver.
func (r *RawJSON) UnmarshalJSON(data []byte) error {
	*r = RawJSON(data)
	return nil
}

// SplitID splits a matrix ID into a local part and a server name.
func SplitID(sigil byte, id string) (local string, domain ServerName, err error) {
	// IDs have the format: SIGIL LOCALPART ":" DOMAIN
	// Split on the first ":" character since the domain can contain ":"
	// characters.
	if len(id) == 0 || id[0] != sigil {
		return "", "", fmt.Errorf("matrix: invalid ID %q doesn't start with %q", id, sigil)
	}
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 {
		// The ID must have a ":" character.
		return "", "", fmt.Errorf("matrix: invalid ID %q missing ':'", id)
	}
	return parts[0][1:], ServerName(parts[1]), nil
}

// domainFromID returns everything after the first ":" character to extract
// the domain part of a matrix ID.
func domainFromID(id string) (string, error) {
	// IDs have the format: SIGIL LOCALPART ":" DOMAIN
	// Split on the first ":" character since the domain can contain ":"
	// characters.
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 {
		// The ID must have a ":" character.
		return "", fmt.Errorf("matrix: invalid ID %q missing ':'", id)
	}
	// Return everything after the first ":" character.
	return parts[1], nil
}
