// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"

	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/types"
)

// Database is the storage contract the roomserver depends on. The Store owns
// all persisted room state; callers never share mutable in-memory state.
type Database interface {
	// StoreEvent persists an event with its persistence flags. Storing the
	// same event twice is a no-op, preserving the original flags.
	StoreEvent(ctx context.Context, event *matrix.Event, outlier, softFailed bool, rejectedReason string) error
	// Events returns the events with the given IDs. Unknown IDs are
	// omitted from the result.
	Events(ctx context.Context, eventIDs []string) ([]*matrix.Event, error)
	// StoredEvents returns events together with their persistence flags.
	StoredEvents(ctx context.Context, eventIDs []string) ([]types.StoredEvent, error)
	// MissingEvents returns the subset of the given IDs that are not
	// persisted.
	MissingEvents(ctx context.Context, eventIDs []string) ([]string, error)
	// SetSoftFailed updates the soft-failure flag of a stored event.
	SetSoftFailed(ctx context.Context, eventID string, softFailed bool) error
	// SetRedactedBy marks an event as redacted by the given redaction event.
	SetRedactedBy(ctx context.Context, eventID, redactedBy string) error

	// RoomInfo returns the room row, or nil if the room is unknown.
	RoomInfo(ctx context.Context, roomID string) (*types.RoomInfo, error)
	// InsertRoomInfo creates the room row for a new room.
	InsertRoomInfo(ctx context.Context, info types.RoomInfo) error
	// PublishRoom updates the visibility of a room in the directory.
	PublishRoom(ctx context.Context, roomID string, published bool) error
	// PublishedRooms lists the rooms published in the directory.
	PublishedRooms(ctx context.Context) ([]string, error)

	// LatestEventIDs returns the forward extremities for a room and the
	// maximum depth among them.
	LatestEventIDs(ctx context.Context, roomID string) ([]string, int64, error)
	// SetLatestEvents replaces the forward extremities for a room and
	// updates the room's latest event ID, atomically.
	SetLatestEvents(ctx context.Context, roomID string, extremities []string, latestEventID string) error

	// CurrentState returns the resolved current state of a room, optionally
	// filtered to the given tuples.
	CurrentState(ctx context.Context, roomID string, stateToFetch []matrix.StateKeyTuple) ([]*matrix.Event, error)
	// CurrentStateEvent returns a single slot of the current state, or nil.
	CurrentStateEvent(ctx context.Context, roomID, eventType, stateKey string) (*matrix.Event, error)
	// UpdateCurrentState replaces the full set of resolved current state
	// entries for a room.
	UpdateCurrentState(ctx context.Context, roomID string, entries []types.StateEntry) error

	// UpsertMembership writes the resolved current membership for a
	// (user, room). Historical transitions stay in the event DAG.
	UpsertMembership(ctx context.Context, entry types.MembershipEntry) error
	// Membership returns the current membership entry for a (user, room),
	// or nil if there has never been one.
	Membership(ctx context.Context, roomID, userID string) (*types.MembershipEntry, error)
	// MembershipsForRoom returns the current memberships of a room.
	MembershipsForRoom(ctx context.Context, roomID string, joinedOnly bool) ([]types.MembershipEntry, error)
	// RoomsForUser returns the room IDs where the user has the given
	// membership.
	RoomsForUser(ctx context.Context, userID, membership string) ([]string, error)

	// SetRoomAlias creates an alias pointing at a room.
	SetRoomAlias(ctx context.Context, alias, roomID, creatorUserID string) error
	// RoomIDForAlias resolves an alias, returning "" if unknown.
	RoomIDForAlias(ctx context.Context, alias string) (string, error)
	// AliasesForRoomID lists the aliases pointing at a room.
	AliasesForRoomID(ctx context.Context, roomID string) ([]string, error)
	// CreatorForAlias returns the user that created an alias.
	CreatorForAlias(ctx context.Context, alias string) (string, error)
	// RemoveRoomAlias deletes an alias.
	RemoveRoomAlias(ctx context.Context, alias string) error

	// BackfillEvents walks backwards from the given event IDs through
	// prev_events, returning at most limit events. Soft-failed events are
	// included: backfill is the one place they remain visible.
	BackfillEvents(ctx context.Context, roomID string, fromEventIDs []string, limit int) ([]*matrix.Event, error)
}
