// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"

	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/types"
)

// Kind says what sort of input event this is.
type Kind int

const (
	// KindNew event extends the room timeline. It must have prev_events and
	// passes through every validator stage.
	KindNew Kind = iota + 1
	// KindOutlier event is known to exist (it is referenced by another
	// event) but is not connected to our view of the timeline. Outliers are
	// stored without state.
	KindOutlier
	// KindOld event is a historical event received via backfill.
	KindOld
)

// DoNotSendToOtherServers is the value for InputRoomEvent.SendAsServer when
// the event should not be federated out.
const DoNotSendToOtherServers = ""

// InputRoomEvent is an event to ingest through the validator pipeline.
type InputRoomEvent struct {
	// Whether this event is new, an outlier or historical.
	Kind Kind
	// The event itself.
	Event *matrix.Event
	// Which server told us about the event.
	Origin matrix.ServerName
	// Whether the state is supplied instead of being derived from
	// prev_events, e.g. when joining over federation.
	HasState bool
	// The event IDs of the state at the event, if HasState is set.
	StateEventIDs []string
	// The name of the local server to send the event out as, or
	// DoNotSendToOtherServers.
	SendAsServer string
	// The client transaction ID that produced the event, if any.
	TransactionID string
}

// OutputType is the type of an OutputEvent.
type OutputType string

const (
	// OutputTypeNewRoomEvent is written when an event is accepted into the
	// room timeline.
	OutputTypeNewRoomEvent OutputType = "new_room_event"
	// OutputTypeRedactedEvent is written when both halves of a redaction
	// are known.
	OutputTypeRedactedEvent OutputType = "redacted_event"
	// OutputTypeRetireInviteEvent names an output for an invite that stops
	// being current. The roomserver does not write it, and OutputEvent has
	// no field for it.
	OutputTypeRetireInviteEvent OutputType = "retire_invite"
)

// An OutputEvent is an entry in the roomserver output stream.
type OutputEvent struct {
	Type OutputType `json:"type"`

	NewRoomEvent  *OutputNewRoomEvent  `json:"new_room_event,omitempty"`
	RedactedEvent *OutputRedactedEvent `json:"redacted_event,omitempty"`
}

// An OutputNewRoomEvent is written when the roomserver receives and accepts
// a new event into the room timeline.
type OutputNewRoomEvent struct {
	// The event itself in wire form.
	Event       matrix.RawJSON     `json:"event"`
	EventID     string             `json:"event_id"`
	RoomID      string             `json:"room_id"`
	RoomVersion matrix.RoomVersion `json:"room_version"`
	Type        string             `json:"event_type"`
	Sender      string             `json:"sender"`
	// Whether the event was soft-failed: persisted but excluded from the
	// forward extremities and from /sync.
	SoftFailed bool `json:"soft_failed"`
	// The name of the local server to send the event out as, or empty.
	SendAsServer string `json:"send_as_server"`
	// The state key tuples the event changed, if it is a state event.
	AddsState []types.StateEntry `json:"adds_state,omitempty"`
}

// An OutputRedactedEvent is written when both a redaction and its target
// are known.
type OutputRedactedEvent struct {
	RedactedEventID string         `json:"redacted_event_id"`
	RedactedBecause matrix.RawJSON `json:"redacted_because"`
	RoomID          string         `json:"room_id"`
}

// InputRoomEventsRequest is a request to InputRoomEvents.
type InputRoomEventsRequest struct {
	InputRoomEvents []InputRoomEvent
}

// InputRoomEventsResponse is a response to InputRoomEvents.
type InputRoomEventsResponse struct {
	ErrMsg     string
	NotAllowed bool
}

// Err returns the error for the response, if any.
func (r *InputRoomEventsResponse) Err() error {
	if r.ErrMsg == "" {
		return nil
	}
	if r.NotAllowed {
		return types.RejectedError(r.ErrMsg)
	}
	return types.MissingStateError(r.ErrMsg)
}

// QueryLatestEventsAndStateRequest fetches the forward extremities and
// a filtered view of the current state of a room.
type QueryLatestEventsAndStateRequest struct {
	RoomID string
	// The state key tuples to fetch from the room current state. If this is
	// nil or empty, fetch all state event tuples.
	StateToFetch []matrix.StateKeyTuple
}

// QueryLatestEventsAndStateResponse is the response to
// QueryLatestEventsAndState.
type QueryLatestEventsAndStateResponse struct {
	RoomExists     bool
	RoomVersion    matrix.RoomVersion
	LatestEventIDs []string
	// The maximum depth across the latest events plus one.
	Depth       int64
	StateEvents []*matrix.Event
}

// QueryEventsByIDRequest fetches events by ID.
type QueryEventsByIDRequest struct {
	EventIDs []string
}

// QueryEventsByIDResponse is a response to QueryEventsByID.
type QueryEventsByIDResponse struct {
	Events []*matrix.Event
}

// QueryRoomVersionForRoomRequest asks for the room version of a room.
type QueryRoomVersionForRoomRequest struct {
	RoomID string
}

// QueryRoomVersionForRoomResponse is a response to QueryRoomVersionForRoom.
type QueryRoomVersionForRoomResponse struct {
	RoomVersion matrix.RoomVersion
}

// QueryMembershipForUserRequest asks for the current membership of a user
// in a room.
type QueryMembershipForUserRequest struct {
	RoomID string
	UserID string
}

// QueryMembershipForUserResponse is a response to QueryMembershipForUser.
type QueryMembershipForUserResponse struct {
	// True if the user is in a membership state that counts as in the room.
	IsInRoom   bool
	Membership string
	EventID    string
	RoomExists bool
}

// QueryMembershipsForRoomRequest asks for the current memberships of a room.
type QueryMembershipsForRoomRequest struct {
	RoomID string
	// If set, only return joined members.
	JoinedOnly bool
}

// QueryMembershipsForRoomResponse is a response to QueryMembershipsForRoom.
type QueryMembershipsForRoomResponse struct {
	Memberships []types.MembershipEntry
}

// QueryRoomsForUserRequest asks for the rooms a user has a given
// membership in.
type QueryRoomsForUserRequest struct {
	UserID string
	// The membership to filter on: join, invite, leave, ban or knock.
	WantMembership string
}

// QueryRoomsForUserResponse is a response to QueryRoomsForUser.
type QueryRoomsForUserResponse struct {
	RoomIDs []string
}

// QueryPublishedRoomsRequest asks for the published room directory.
type QueryPublishedRoomsRequest struct{}

// QueryPublishedRoomsResponse lists published rooms.
type QueryPublishedRoomsResponse struct {
	RoomIDs []string
}

// QueryBackfillRequest asks for historical events before the given set.
type QueryBackfillRequest struct {
	RoomID string
	// The event IDs to backfill before.
	PrevEventIDs []string
	// The maximum number of events to return.
	Limit int
}

// QueryBackfillResponse is a response to QueryBackfill.
type QueryBackfillResponse struct {
	Events []*matrix.Event
}

// RoomserverInternalAPI is the internal API of the roomserver: the input
// pipeline, the perform operations and the queries.
type RoomserverInternalAPI interface {
	InputRoomEvents(ctx context.Context, req *InputRoomEventsRequest, res *InputRoomEventsResponse)

	QueryLatestEventsAndState(ctx context.Context, req *QueryLatestEventsAndStateRequest, res *QueryLatestEventsAndStateResponse) error
	QueryEventsByID(ctx context.Context, req *QueryEventsByIDRequest, res *QueryEventsByIDResponse) error
	QueryRoomVersionForRoom(ctx context.Context, req *QueryRoomVersionForRoomRequest, res *QueryRoomVersionForRoomResponse) error
	QueryMembershipForUser(ctx context.Context, req *QueryMembershipForUserRequest, res *QueryMembershipForUserResponse) error
	QueryMembershipsForRoom(ctx context.Context, req *QueryMembershipsForRoomRequest, res *QueryMembershipsForRoomResponse) error
	QueryRoomsForUser(ctx context.Context, req *QueryRoomsForUserRequest, res *QueryRoomsForUserResponse) error
	QueryPublishedRooms(ctx context.Context, req *QueryPublishedRoomsRequest, res *QueryPublishedRoomsResponse) error
	QueryBackfill(ctx context.Context, req *QueryBackfillRequest, res *QueryBackfillResponse) error

	// UpsertFederatedInvite records an invite for a local user in a room
	// whose state is not resolved locally.
	UpsertFederatedInvite(ctx context.Context, event *matrix.Event) error

	GetRoomIDForAlias(ctx context.Context, alias string) (string, error)
	SetRoomAlias(ctx context.Context, alias, roomID, userID string) error
	RemoveRoomAlias(ctx context.Context, alias, userID string) error
	GetAliasesForRoomID(ctx context.Context, roomID string) ([]string, error)
}
