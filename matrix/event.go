/* Copyright 2016-2017 Vector Creations Ltd
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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/sjson"
)

// An EventBuilder is used to build a new event.
// These can be exchanged between matrix servers in the federation APIs when
// joining or leaving a room.
type EventBuilder struct {
	// The user ID of the user sending the event.
	Sender string `json:"sender"`
	// The room ID of the room this event is in.
	RoomID string `json:"room_id"`
	// The type of the event.
	Type string `json:"type"`
	// The state_key of the event if the event is a state event or nil if the event is not a state event.
	StateKey *string `json:"state_key,omitempty"`
	// The event IDs of the events that immediately preceded this event in the room history.
	PrevEvents []string `json:"prev_events"`
	// The event IDs of the events needed to authenticate this event.
	AuthEvents []string `json:"auth_events"`
	// The event ID of the event being redacted if this event is a "m.room.redaction".
	Redacts string `json:"redacts,omitempty"`
	// The depth of the event. This should be one greater than the maximum depth of the previous events.
	// The create event has a depth of 1.
	Depth int64 `json:"depth"`
	// The JSON object for "content" key of the event.
	Content RawJSON `json:"content"`
	// The JSON object for the "unsigned" key
	Unsigned RawJSON `json:"unsigned,omitempty"`
}

// SetContent sets the JSON content key of the event.
func (eb *EventBuilder) SetContent(content interface{}) (err error) {
	eb.Content, err = json.Marshal(content)
	return
}

// SetUnsigned sets the JSON unsigned key of the event.
func (eb *EventBuilder) SetUnsigned(unsigned interface{}) (err error) {
	eb.Unsigned, err = json.Marshal(unsigned)
	return
}

// An Event is a matrix event.
// The event should always contain valid JSON.
// If the event content hash is invalid then the event is redacted.
// Redacted events contain only the fields covered by the event signature.
type Event struct {
	redacted    bool
	eventID     string
	eventJSON   []byte
	fields      eventFields
	roomVersion RoomVersion
}

type eventFields struct {
	RoomID         string     `json:"room_id"`
	Sender         string     `json:"sender"`
	Type           string     `json:"type"`
	StateKey       *string    `json:"state_key"`
	Content        RawJSON    `json:"content"`
	Redacts        string     `json:"redacts"`
	Depth          int64      `json:"depth"`
	Unsigned       RawJSON    `json:"unsigned"`
	OriginServerTS Timestamp  `json:"origin_server_ts"`
	Origin         ServerName `json:"origin"`
	PrevEvents     []string   `json:"prev_events"`
	AuthEvents     []string   `json:"auth_events"`
}

// Build a new event.
// This is used when a local event is created on this server.
// Call this after filling out the necessary fields.
func (eb *EventBuilder) Build(
	now time.Time, origin ServerName, keyID KeyID,
	privateKey ed25519.PrivateKey, roomVersion RoomVersion,
) (result *Event, err error) {
	if !roomVersion.Supported() {
		return nil, UnsupportedRoomVersionError{Version: roomVersion}
	}

	var event struct {
		EventBuilder
		OriginServerTS Timestamp  `json:"origin_server_ts"`
		Origin         ServerName `json:"origin"`
	}
	event.EventBuilder = *eb
	// If either prev_events or auth_events are nil slices then Go will
	// marshal them into 'null' instead of '[]', which is bad.
	if event.PrevEvents == nil {
		event.PrevEvents = []string{}
	}
	if event.AuthEvents == nil {
		event.AuthEvents = []string{}
	}
	event.OriginServerTS = AsTimestamp(now)
	event.Origin = origin

	var eventJSON []byte
	if eventJSON, err = json.Marshal(&event); err != nil {
		return
	}

	if eventJSON, err = addContentHashesToEvent(eventJSON); err != nil {
		return
	}

	if eventJSON, err = signEvent(string(origin), keyID, privateKey, eventJSON, roomVersion); err != nil {
		return
	}

	if eventJSON, err = CanonicalJSON(eventJSON); err != nil {
		return
	}

	result = &Event{roomVersion: roomVersion}
	result.eventJSON = eventJSON

	if err = result.populateFieldsFromJSON(eventJSON); err != nil {
		return
	}

	err = result.CheckFields()
	return
}

// NewEventFromUntrustedJSON loads a new event from some JSON that may be invalid.
// This checks that the event is valid JSON.
// It also checks the content hashes to ensure the event has not been tampered with.
// This should be used when receiving new events from remote servers.
func NewEventFromUntrustedJSON(eventJSON []byte, roomVersion RoomVersion) (result *Event, err error) {
	if !roomVersion.Supported() {
		return nil, UnsupportedRoomVersionError{Version: roomVersion}
	}
	result = &Event{roomVersion: roomVersion}

	// Event IDs are derived from the event content in this event format, so
	// any supplied event_id key is at best redundant.
	if eventJSON, err = sjson.DeleteBytes(eventJSON, "event_id"); err != nil {
		return
	}

	// Synapse removes these keys from events in case a server accidentally added them.
	// https://github.com/matrix-org/synapse/blob/v0.18.5/synapse/crypto/event_signing.py#L57-L62
	for _, key := range []string{"outlier", "destinations", "age_ts"} {
		if eventJSON, err = sjson.DeleteBytes(eventJSON, key); err != nil {
			return
		}
	}

	if eventJSON, err = CanonicalJSON(eventJSON); err != nil {
		return
	}

	if err = checkEventContentHash(eventJSON); err != nil {
		result.redacted = true

		// If the content hash doesn't match then we have to discard all non-essential fields
		// because they've been tampered with.
		var redactedJSON []byte
		if redactedJSON, err = RedactEvent(eventJSON, roomVersion); err != nil {
			return
		}

		if redactedJSON, err = CanonicalJSON(redactedJSON); err != nil {
			return
		}

		// We need to ensure that the event JSON we keep is the redacted form.
		if !bytes.Equal(redactedJSON, eventJSON) {
			eventJSON = redactedJSON
		}
	}

	result.eventJSON = eventJSON

	if err = result.populateFieldsFromJSON(eventJSON); err != nil {
		return
	}

	err = result.CheckFields()
	return
}

// NewEventFromTrustedJSON loads a new event from some JSON that must be valid.
// This will be more efficient than NewEventFromUntrustedJSON since it can skip cryptographic checks.
// This can be used when loading matrix events from a local database.
func NewEventFromTrustedJSON(eventJSON []byte, redacted bool, roomVersion RoomVersion) (result *Event, err error) {
	if !roomVersion.Supported() {
		return nil, UnsupportedRoomVersionError{Version: roomVersion}
	}
	result = &Event{roomVersion: roomVersion, redacted: redacted, eventJSON: eventJSON}
	err = result.populateFieldsFromJSON(eventJSON)
	return
}

func (e *Event) populateFieldsFromJSON(eventJSON []byte) error {
	fields := eventFields{}
	if err := json.Unmarshal(eventJSON, &fields); err != nil {
		return err
	}
	if fields.AuthEvents == nil {
		fields.AuthEvents = []string{}
	}
	if fields.PrevEvents == nil {
		fields.PrevEvents = []string{}
	}
	eventID, err := referenceOfEvent(eventJSON, e.roomVersion)
	if err != nil {
		return err
	}
	e.eventID = eventID
	e.fields = fields
	return nil
}

// Redacted returns whether the event is redacted.
func (e *Event) Redacted() bool { return e.redacted }

// Version returns the room version of the room the event belongs to.
func (e *Event) Version() RoomVersion { return e.roomVersion }

// JSON returns the JSON bytes for the event.
func (e *Event) JSON() []byte { return e.eventJSON }

// Redact returns a redacted copy of the event.
func (e *Event) Redact() *Event {
	if e.redacted {
		return e
	}
	eventJSON, err := RedactEvent(e.eventJSON, e.roomVersion)
	if err != nil {
		// This is unreachable for events created with EventBuilder.Build or NewEventFromUntrustedJSON
		panic(fmt.Errorf("matrix: invalid event %v", err))
	}
	if eventJSON, err = CanonicalJSON(eventJSON); err != nil {
		panic(fmt.Errorf("matrix: invalid event %v", err))
	}
	result := &Event{
		redacted:    true,
		eventJSON:   eventJSON,
		roomVersion: e.roomVersion,
	}
	if err = result.populateFieldsFromJSON(eventJSON); err != nil {
		panic(fmt.Errorf("matrix: invalid event %v", err))
	}
	return result
}

// SetUnsignedField takes a path and value to insert into the unsigned dict of
// the event. path is a dot separated path into the unsigned dict (see gjson
// package for details on format).
//
// The unsigned dict is not covered by the signatures or hashes, so the bits
// can be fiddled directly without reparsing the whole event.
func (e *Event) SetUnsignedField(path string, value interface{}) error {
	path = "unsigned." + path
	eventJSON, err := sjson.SetBytes(e.eventJSON, path, value)
	if err != nil {
		return err
	}
	eventJSON = CanonicalJSONAssumeValid(eventJSON)

	var fields struct {
		Unsigned RawJSON `json:"unsigned"`
	}
	if err = json.Unmarshal(eventJSON, &fields); err != nil {
		return err
	}
	e.fields.Unsigned = fields.Unsigned
	e.eventJSON = eventJSON

	return nil
}

// Sign returns a copy of the event with an additional signature.
func (e *Event) Sign(signingName string, keyID KeyID, privateKey ed25519.PrivateKey) *Event {
	eventJSON, err := signEvent(signingName, keyID, privateKey, e.eventJSON, e.roomVersion)
	if err != nil {
		// This is unreachable for events created with EventBuilder.Build or NewEventFromUntrustedJSON
		panic(fmt.Errorf("matrix: invalid event %v (%q)", err, string(e.eventJSON)))
	}
	if eventJSON, err = CanonicalJSON(eventJSON); err != nil {
		panic(fmt.Errorf("matrix: invalid event %v (%q)", err, string(e.eventJSON)))
	}
	result := *e
	result.eventJSON = eventJSON
	return &result
}

// KeyIDs returns a list of key IDs that the named entity has signed the event with.
func (e *Event) KeyIDs(signingName string) []KeyID {
	keyIDs, err := ListKeyIDs(signingName, e.eventJSON)
	if err != nil {
		// This should be unreachable for events created with EventBuilder.Build or NewEventFromUntrustedJSON
		panic(fmt.Errorf("matrix: invalid event %v", err))
	}
	return keyIDs
}

// Verify checks a ed25519 signature.
func (e *Event) Verify(signingName string, keyID KeyID, publicKey ed25519.PublicKey) error {
	return verifyEventSignature(signingName, keyID, publicKey, e.eventJSON, e.roomVersion)
}

// StateKey returns the "state_key" of the event, or nil if the event is not a state event.
func (e *Event) StateKey() *string { return e.fields.StateKey }

// StateKeyEquals returns true if the event is a state event and the "state_key" matches.
func (e *Event) StateKeyEquals(stateKey string) bool {
	if e.fields.StateKey == nil {
		return false
	}
	return *e.fields.StateKey == stateKey
}

const (
	// The event ID, room ID, sender, event type and state key fields cannot be
	// bigger than this.
	// https://github.com/matrix-org/synapse/blob/v0.21.0/synapse/event_auth.py#L173-L182
	maxIDLength = 255
	// The entire event JSON, including signatures cannot be bigger than this.
	// https://github.com/matrix-org/synapse/blob/v0.21.0/synapse/event_auth.py#L183-184
	maxEventLength = 65536
)

// CheckFields checks that the event fields are valid.
// Returns an error if the IDs have the wrong format or are too long.
// Returns an error if the total length of the event JSON is too long.
// https://matrix.org/docs/spec/client_server/r0.2.0.html#size-limits
func (e *Event) CheckFields() error {
	if e.fields.AuthEvents == nil || e.fields.PrevEvents == nil {
		return errors.New("matrix: auth events and prev events must not be nil")
	}

	if len(e.eventJSON) > maxEventLength {
		return EventValidationError{
			Message: fmt.Sprintf(
				"matrix: event is too long, length %d > maximum %d",
				len(e.eventJSON), maxEventLength,
			),
		}
	}

	if len(e.fields.Type) > maxIDLength {
		return EventValidationError{
			Message: fmt.Sprintf(
				"matrix: event type is too long, length %d > maximum %d",
				len(e.fields.Type), maxIDLength,
			),
		}
	}

	if e.fields.StateKey != nil && len(*e.fields.StateKey) > maxIDLength {
		return EventValidationError{
			Message: fmt.Sprintf(
				"matrix: state key is too long, length %d > maximum %d",
				len(*e.fields.StateKey), maxIDLength,
			),
		}
	}

	if _, err := checkID(e.fields.RoomID, "room", '!'); err != nil {
		return err
	}

	if _, err := checkID(e.fields.Sender, "user", '@'); err != nil {
		return err
	}

	return nil
}

// An EventValidationError is returned when an event fails the syntactic or
// size checks.
type EventValidationError struct {
	Message string
}

func (e EventValidationError) Error() string { return e.Message }

func checkID(id, kind string, sigil byte) (domain string, err error) {
	domain, err = domainFromID(id)
	if err != nil {
		return
	}
	if id[0] != sigil {
		err = EventValidationError{
			Message: fmt.Sprintf(
				"matrix: invalid %s ID, wanted first byte to be '%c' got '%c'",
				kind, sigil, id[0],
			),
		}
		return
	}
	if len(id) > maxIDLength {
		err = EventValidationError{
			Message: fmt.Sprintf(
				"matrix: %s ID is too long, length %d > maximum %d",
				kind, len(id), maxIDLength,
			),
		}
		return
	}
	return
}

// Origin returns the name of the server that sent the event.
// The origin key is optional in the event format, so fall back to the
// sender's domain when it is absent.
func (e *Event) Origin() ServerName {
	if e.fields.Origin != "" {
		return e.fields.Origin
	}
	_, domain, err := SplitID('@', e.fields.Sender)
	if err != nil {
		return ""
	}
	return domain
}

// EventID returns the event ID of the event.
func (e *Event) EventID() string { return e.eventID }

// Sender returns the user ID of the sender of the event.
func (e *Event) Sender() string { return e.fields.Sender }

// Type returns the type of the event.
func (e *Event) Type() string { return e.fields.Type }

// OriginServerTS returns the unix timestamp when this event was created on the origin server, with millisecond resolution.
func (e *Event) OriginServerTS() Timestamp { return e.fields.OriginServerTS }

// Unsigned returns the object under the 'unsigned' key of the event.
func (e *Event) Unsigned() []byte { return e.fields.Unsigned }

// Content returns the content JSON of the event.
func (e *Event) Content() []byte { return []byte(e.fields.Content) }

// PrevEventIDs returns the event IDs of the direct ancestors of the event.
func (e *Event) PrevEventIDs() []string { return e.fields.PrevEvents }

// AuthEventIDs returns the event IDs of the events needed to auth the event.
func (e *Event) AuthEventIDs() []string { return e.fields.AuthEvents }

// Redacts returns the event ID of the event this event redacts.
func (e *Event) Redacts() string { return e.fields.Redacts }

// RoomID returns the room ID of the room the event is in.
func (e *Event) RoomID() string { return e.fields.RoomID }

// Depth returns the depth of the event.
func (e *Event) Depth() int64 { return e.fields.Depth }

// Membership returns the value of the content.membership field if this event
// is an "m.room.member" event.
// Returns an error if the event is not a m.room.member event or if the content
// is not valid m.room.member content.
func (e *Event) Membership() (string, error) {
	if e.fields.Type != MRoomMember {
		return "", fmt.Errorf("matrix: not an m.room.member event")
	}
	var content MemberContent
	if err := json.Unmarshal(e.fields.Content, &content); err != nil {
		return "", err
	}
	return content.Membership, nil
}

// MarshalJSON implements json.Marshaller
func (e Event) MarshalJSON() ([]byte, error) {
	if e.eventJSON == nil {
		return nil, fmt.Errorf("matrix: cannot serialise uninitialised Event")
	}
	return e.eventJSON, nil
}
