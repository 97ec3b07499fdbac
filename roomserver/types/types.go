// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"errors"

	"github.com/element-hq/spire/matrix"
)

// RoomInfo contains the persisted row for a room.
type RoomInfo struct {
	RoomID        string
	RoomVersion   matrix.RoomVersion
	Creator       string
	Visibility    string
	LatestEventID string
	CreatedAt     matrix.Timestamp
}

// Visibility values for the room directory.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// A StateEntry is a resolved value for a single state slot.
type StateEntry struct {
	matrix.StateKeyTuple
	EventID string
}

// MembershipEntry is the resolved current membership for a (user, room).
type MembershipEntry struct {
	RoomID                string
	UserID                string
	Membership            string
	DisplayName           string
	AvatarURL             string
	Reason                string
	InvitedBy             string
	IsDirect              bool
	ThirdPartyInviteToken string
	AuthorisedVia         string
	EventID               string
	UpdatedAt             matrix.Timestamp
}

// StoredEvent is an event row together with its persistence flags.
type StoredEvent struct {
	Event *matrix.Event
	// Outlier events are known but not part of the room timeline.
	Outlier bool
	// SoftFailed events are persisted but excluded from forward extremity
	// selection.
	SoftFailed bool
	// RejectedReason is non-empty if the event failed its auth checks.
	RejectedReason string
	// RedactedBy is the ID of the redaction event, if the event has been
	// redacted.
	RedactedBy string
}

// RejectedError is returned when an event is rejected by the auth checks.
// Rejected events are stored for reference but have no further effect on the
// room.
type RejectedError string

func (e RejectedError) Error() string { return string(e) }

// MissingStateError is returned when the room state needed to process an
// event cannot be found or fetched.
type MissingStateError string

func (e MissingStateError) Error() string { return string(e) }

// MissingAuthEventsError is returned when an event refers to auth events
// that could not be found or fetched from the origin.
type MissingAuthEventsError string

func (e MissingAuthEventsError) Error() string { return string(e) }

// MissingPrevEventsError is returned when an event refers to prev events
// that could not be found or fetched from the origin.
type MissingPrevEventsError string

func (e MissingPrevEventsError) Error() string { return string(e) }

// ErrorInvalidRoomInfo is returned when a room is required but unknown.
var ErrorInvalidRoomInfo = errors.New("room info is invalid or missing")

// ErrRoomNoExists is returned when a room does not exist.
var ErrRoomNoExists = errors.New("room does not exist")

// ErrAliasExists is returned when trying to create an alias that is taken.
var ErrAliasExists = errors.New("alias already exists")
