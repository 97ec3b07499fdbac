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
	"encoding/json"
)

// A TransactionID identifies a transaction sent to a remote matrix server.
type TransactionID string

// A Transaction is a list of matrix events to synchronise between two
// homeservers.
type Transaction struct {
	// The server that sent the transaction.
	Origin ServerName `json:"origin"`
	// The server that should receive the transaction.
	Destination ServerName `json:"destination,omitempty"`
	// The ID of the transaction.
	TransactionID TransactionID `json:"transaction_id,omitempty"`
	// The millisecond posix timestamp on the origin server when the
	// transaction was created.
	OriginServerTS Timestamp `json:"origin_server_ts"`
	// The room events in the transaction, at most 50 per transaction.
	PDUs []json.RawMessage `json:"pdus"`
	// The ephemeral events in the transaction, at most 100 per transaction.
	EDUs []EDU `json:"edus,omitempty"`
}

// Limits on the number of events a single transaction may carry.
// https://matrix.org/docs/spec/server_server/latest#transactions
const (
	MaxPDUsPerTransaction = 50
	MaxEDUsPerTransaction = 100
)

// An EDU is an ephemeral event that is not persisted in the room DAG.
type EDU struct {
	Type    string          `json:"edu_type"`
	Origin  string          `json:"origin,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// A PDUResult is the result of processing a single matrix room event.
type PDUResult struct {
	// If not empty then this is a human readable description of a problem
	// encountered processing an event.
	Error string `json:"error,omitempty"`
}

// A RespSend is the content of a response to PUT /_matrix/federation/v1/send/{txnID}/
type RespSend struct {
	// A map of event ID to the result of processing that event.
	PDUs map[string]PDUResult `json:"pdus"`
}

// A RespState is the content of a response to GET /_matrix/federation/v1/state/{roomID}?event_id={eventID}
type RespState struct {
	// A list of events giving the state of the room before the requested event.
	StateEvents []json.RawMessage `json:"pdus"`
	// A list of events needed to authenticate the state events.
	AuthEvents []json.RawMessage `json:"auth_chain"`
}

// A RespStateIDs is the content of a response to GET /_matrix/federation/v1/state_ids/{roomID}?event_id={eventID}
type RespStateIDs struct {
	// A list of state event IDs for the state of the room before the requested event.
	StateEventIDs []string `json:"pdu_ids"`
	// A list of event IDs needed to authenticate the state events.
	AuthEventIDs []string `json:"auth_chain_ids"`
}

// A RespEventAuth is the content of a response to GET /_matrix/federation/v1/event_auth/{roomID}/{eventID}
type RespEventAuth struct {
	// A list of events needed to authenticate the state events.
	AuthEvents []json.RawMessage `json:"auth_chain"`
}

// A RespMissingEvents is the content of a response to POST /_matrix/federation/v1/get_missing_events/{roomID}
type RespMissingEvents struct {
	// The returned set of missing events.
	Events []json.RawMessage `json:"events"`
}

// MissingEvents is the request body of a POST /_matrix/federation/v1/get_missing_events/{roomID}
type MissingEvents struct {
	// The maximum number of events to retrieve.
	Limit int `json:"limit"`
	// The event IDs to retrieve the previous events for.
	EarliestEvents []string `json:"earliest_events"`
	// The event IDs to retrieve the previous events up to.
	LatestEvents []string `json:"latest_events"`
}

// A RespInvite is the content of a response to PUT /_matrix/federation/v2/invite/{roomID}/{eventID}
type RespInvite struct {
	// The invite event signed by the receiving server.
	Event json.RawMessage `json:"event"`
}

// A RespBackfill is the content of a response to GET /_matrix/federation/v1/backfill/{roomID}
type RespBackfill struct {
	// The name of the server that provided the events.
	Origin ServerName `json:"origin"`
	// The millisecond posix timestamp on the origin server when the
	// response was created.
	OriginServerTS Timestamp `json:"origin_server_ts"`
	// The returned events, most recent last.
	PDUs []json.RawMessage `json:"pdus"`
}

// A RespSendJoin is the content of a response to PUT /_matrix/federation/v2/send_join/{roomID}/{eventID}
type RespSendJoin struct {
	// The state of the room before the join event.
	StateEvents []json.RawMessage `json:"state"`
	// The auth chain for the state of the room.
	AuthEvents []json.RawMessage `json:"auth_chain"`
	// The join event signed by the resident server.
	Event json.RawMessage `json:"event,omitempty"`
	// The name of the resident server.
	Origin ServerName `json:"origin"`
}

// A RespMakeJoin is the content of a response to GET /_matrix/federation/v1/make_join/{roomID}/{userID}
type RespMakeJoin struct {
	// An unsigned template event.
	JoinEvent EventBuilder `json:"event"`
	// The room version of the room.
	RoomVersion RoomVersion `json:"room_version"`
}

// A RespMakeLeave is the content of a response to GET /_matrix/federation/v1/make_leave/{roomID}/{userID}
type RespMakeLeave struct {
	// An unsigned template event.
	LeaveEvent EventBuilder `json:"event"`
	// The room version of the room.
	RoomVersion RoomVersion `json:"room_version"`
}

// A RespMakeKnock is the content of a response to GET /_matrix/federation/v1/make_knock/{roomID}/{userID}
type RespMakeKnock struct {
	// An unsigned template event.
	KnockEvent EventBuilder `json:"event"`
	// The room version of the room.
	RoomVersion RoomVersion `json:"room_version"`
}

// A RespSendKnock is the content of a response to PUT /_matrix/federation/v1/send_knock/{roomID}/{eventID}
type RespSendKnock struct {
	// Stripped state events to help the knocking client display the room.
	KnockRoomState []json.RawMessage `json:"knock_room_state"`
}

// A RespDirectory is the content of a response to GET /_matrix/federation/v1/query/directory
type RespDirectory struct {
	// The matrix room ID the room alias corresponds to.
	RoomID string `json:"room_id"`
	// A list of matrix servers that the directory server thinks could be
	// used to join the room.
	Servers []ServerName `json:"servers"`
}
