// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/element-hq/spire/internal/caching"
	"github.com/element-hq/spire/internal/sqlutil"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/types"
	"github.com/element-hq/spire/setup/config"
)

// Database is the portable SQL implementation of the roomserver storage
// contract. The same statements run on both PostgreSQL and SQLite.
type Database struct {
	db          *sql.DB
	writer      sqlutil.Writer
	caches      *caching.Caches
	events      *eventsStatements
	rooms       *roomsStatements
	state       *currentStateStatements
	memberships *membershipsStatements
	aliases     *roomAliasesStatements
}

// Open opens the roomserver database and prepares all the tables.
func Open(dbProperties *config.DatabaseOptions, caches *caching.Caches) (*Database, error) {
	writer := sqlutil.NewConnectionWriter(dbProperties.ConnectionString)
	db, err := sqlutil.Open(dbProperties, writer)
	if err != nil {
		return nil, err
	}
	return Prepare(db, writer, caches)
}

// Prepare prepares the statements against an already-open database pool.
func Prepare(db *sql.DB, writer sqlutil.Writer, caches *caching.Caches) (*Database, error) {
	d := &Database{db: db, writer: writer, caches: caches}
	var err error
	if d.events, err = prepareEventsTable(db); err != nil {
		return nil, err
	}
	if d.rooms, err = prepareRoomsTable(db); err != nil {
		return nil, err
	}
	if d.state, err = prepareCurrentStateTable(db); err != nil {
		return nil, err
	}
	if d.memberships, err = prepareMembershipsTable(db); err != nil {
		return nil, err
	}
	if d.aliases, err = prepareRoomAliasesTable(db); err != nil {
		return nil, err
	}
	return d, nil
}

// roomVersion returns the version of a room, consulting the cache first.
func (d *Database) roomVersion(ctx context.Context, roomID string) (matrix.RoomVersion, error) {
	if d.caches != nil {
		if version, ok := d.caches.GetRoomVersion(roomID); ok {
			return version, nil
		}
	}
	info, err := d.rooms.SelectRoomInfo(ctx, nil, roomID)
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", types.ErrRoomNoExists
	}
	if d.caches != nil {
		d.caches.StoreRoomVersion(roomID, info.RoomVersion)
	}
	return info.RoomVersion, nil
}

// StoreEvent implements storage.Database.
func (d *Database) StoreEvent(ctx context.Context, event *matrix.Event, outlier, softFailed bool, rejectedReason string) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		return d.events.InsertEvent(ctx, txn, event, outlier, softFailed, rejectedReason)
	})
}

// Events implements storage.Database.
func (d *Database) Events(ctx context.Context, eventIDs []string) ([]*matrix.Event, error) {
	stored, err := d.StoredEvents(ctx, eventIDs)
	if err != nil {
		return nil, err
	}
	events := make([]*matrix.Event, 0, len(stored))
	for _, s := range stored {
		events = append(events, s.Event)
	}
	return events, nil
}

// StoredEvents implements storage.Database.
func (d *Database) StoredEvents(ctx context.Context, eventIDs []string) ([]types.StoredEvent, error) {
	var results []types.StoredEvent
	for _, eventID := range eventIDs {
		if d.caches != nil {
			if event, ok := d.caches.GetRoomServerEvent(eventID); ok {
				results = append(results, types.StoredEvent{Event: event})
				continue
			}
		}
		version, err := d.events.SelectRoomVersionForEvent(ctx, nil, eventID)
		if err != nil {
			return nil, err
		}
		if version == "" {
			// The event references a room we don't know about, or is not
			// stored at all.
			version = matrix.DefaultRoomVersion
		}
		stored, err := d.events.SelectStoredEvent(ctx, nil, version, eventID)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			continue
		}
		results = append(results, *stored)
		// A cache hit carries no flags, so only events whose flags are all
		// unset are cached.
		if d.caches != nil && stored.RejectedReason == "" && !stored.Outlier && !stored.SoftFailed && stored.RedactedBy == "" {
			d.caches.StoreRoomServerEvent(stored.Event)
		}
	}
	return results, nil
}

// MissingEvents implements storage.Database.
func (d *Database) MissingEvents(ctx context.Context, eventIDs []string) ([]string, error) {
	var missing []string
	for _, eventID := range eventIDs {
		exists, err := d.events.SelectEventExists(ctx, nil, eventID)
		if err != nil {
			return nil, err
		}
		if !exists {
			missing = append(missing, eventID)
		}
	}
	return missing, nil
}

// SetSoftFailed implements storage.Database.
func (d *Database) SetSoftFailed(ctx context.Context, eventID string, softFailed bool) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		return d.events.UpdateSoftFailed(ctx, txn, eventID, softFailed)
	})
}

// SetRedactedBy implements storage.Database.
func (d *Database) SetRedactedBy(ctx context.Context, eventID, redactedBy string) error {
	if d.caches != nil {
		d.caches.RoomServerEvents.Unset(eventID)
	}
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		return d.events.UpdateRedactedBy(ctx, txn, eventID, redactedBy)
	})
}

// RoomInfo implements storage.Database.
func (d *Database) RoomInfo(ctx context.Context, roomID string) (*types.RoomInfo, error) {
	return d.rooms.SelectRoomInfo(ctx, nil, roomID)
}

// InsertRoomInfo implements storage.Database.
func (d *Database) InsertRoomInfo(ctx context.Context, info types.RoomInfo) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		return d.rooms.InsertRoom(ctx, txn, info)
	})
}

// PublishRoom implements storage.Database.
func (d *Database) PublishRoom(ctx context.Context, roomID string, published bool) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		return d.rooms.UpsertPublished(ctx, txn, roomID, published)
	})
}

// PublishedRooms implements storage.Database.
func (d *Database) PublishedRooms(ctx context.Context) ([]string, error) {
	return d.rooms.SelectPublished(ctx, nil)
}

// LatestEventIDs implements storage.Database.
func (d *Database) LatestEventIDs(ctx context.Context, roomID string) ([]string, int64, error) {
	eventIDs, err := d.rooms.SelectForwardExtremities(ctx, nil, roomID)
	if err != nil {
		return nil, 0, err
	}
	sort.Strings(eventIDs)
	var depth int64
	stored, err := d.StoredEvents(ctx, eventIDs)
	if err != nil {
		return nil, 0, err
	}
	for _, s := range stored {
		if s.Event.Depth() > depth {
			depth = s.Event.Depth()
		}
	}
	return eventIDs, depth, nil
}

// SetLatestEvents implements storage.Database.
func (d *Database) SetLatestEvents(ctx context.Context, roomID string, extremities []string, latestEventID string) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		if err := d.rooms.ReplaceForwardExtremities(ctx, txn, roomID, extremities); err != nil {
			return err
		}
		return d.rooms.UpdateLatestEventID(ctx, txn, roomID, latestEventID)
	})
}

// CurrentState implements storage.Database.
func (d *Database) CurrentState(ctx context.Context, roomID string, stateToFetch []matrix.StateKeyTuple) ([]*matrix.Event, error) {
	entries, err := d.state.SelectEntries(ctx, nil, roomID)
	if err != nil {
		return nil, err
	}
	wanted := map[matrix.StateKeyTuple]bool{}
	for _, tuple := range stateToFetch {
		wanted[tuple] = true
	}
	var eventIDs []string
	for _, entry := range entries {
		if len(wanted) > 0 && !wanted[entry.StateKeyTuple] {
			continue
		}
		eventIDs = append(eventIDs, entry.EventID)
	}
	sort.Strings(eventIDs)
	return d.Events(ctx, eventIDs)
}

// CurrentStateEvent implements storage.Database.
func (d *Database) CurrentStateEvent(ctx context.Context, roomID, eventType, stateKey string) (*matrix.Event, error) {
	eventID, err := d.state.SelectEntry(ctx, nil, roomID, eventType, stateKey)
	if err != nil {
		return nil, err
	}
	if eventID == "" {
		return nil, nil
	}
	events, err := d.Events(ctx, []string{eventID})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("current state entry %q refers to missing event", eventID)
	}
	return events[0], nil
}

// UpdateCurrentState implements storage.Database.
func (d *Database) UpdateCurrentState(ctx context.Context, roomID string, entries []types.StateEntry) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		return d.state.ReplaceState(ctx, txn, roomID, entries)
	})
}

// UpsertMembership implements storage.Database.
func (d *Database) UpsertMembership(ctx context.Context, entry types.MembershipEntry) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		return d.memberships.UpsertMembership(ctx, txn, entry)
	})
}

// Membership implements storage.Database.
func (d *Database) Membership(ctx context.Context, roomID, userID string) (*types.MembershipEntry, error) {
	return d.memberships.SelectMembership(ctx, nil, roomID, userID)
}

// MembershipsForRoom implements storage.Database.
func (d *Database) MembershipsForRoom(ctx context.Context, roomID string, joinedOnly bool) ([]types.MembershipEntry, error) {
	return d.memberships.SelectMembershipsForRoom(ctx, nil, roomID, joinedOnly)
}

// RoomsForUser implements storage.Database.
func (d *Database) RoomsForUser(ctx context.Context, userID, membership string) ([]string, error) {
	return d.memberships.SelectRoomsForUser(ctx, nil, userID, membership)
}

// SetRoomAlias implements storage.Database.
func (d *Database) SetRoomAlias(ctx context.Context, alias, roomID, creatorUserID string) error {
	existing, err := d.aliases.SelectRoomIDFromAlias(ctx, nil, alias)
	if err != nil {
		return err
	}
	if existing != "" {
		return types.ErrAliasExists
	}
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		return d.aliases.InsertRoomAlias(ctx, txn, alias, roomID, creatorUserID)
	})
}

// RoomIDForAlias implements storage.Database.
func (d *Database) RoomIDForAlias(ctx context.Context, alias string) (string, error) {
	return d.aliases.SelectRoomIDFromAlias(ctx, nil, alias)
}

// AliasesForRoomID implements storage.Database.
func (d *Database) AliasesForRoomID(ctx context.Context, roomID string) ([]string, error) {
	return d.aliases.SelectAliasesFromRoomID(ctx, nil, roomID)
}

// CreatorForAlias implements storage.Database.
func (d *Database) CreatorForAlias(ctx context.Context, alias string) (string, error) {
	return d.aliases.SelectCreatorIDFromAlias(ctx, nil, alias)
}

// RemoveRoomAlias implements storage.Database.
func (d *Database) RemoveRoomAlias(ctx context.Context, alias string) error {
	return d.writer.Do(d.db, nil, func(txn *sql.Tx) error {
		return d.aliases.DeleteRoomAlias(ctx, txn, alias)
	})
}

// BackfillEvents implements storage.Database. The walk is breadth-first
// through prev_events, most recent first, and includes soft-failed events.
func (d *Database) BackfillEvents(ctx context.Context, roomID string, fromEventIDs []string, limit int) ([]*matrix.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	visited := map[string]bool{}
	frontier := append([]string{}, fromEventIDs...)
	var result []*matrix.Event
	for len(frontier) > 0 && len(result) < limit {
		var next []string
		stored, err := d.StoredEvents(ctx, frontier)
		if err != nil {
			return nil, err
		}
		frontier = nil
		for _, s := range stored {
			if visited[s.Event.EventID()] {
				continue
			}
			visited[s.Event.EventID()] = true
			if s.Event.RoomID() != roomID {
				continue
			}
			// Rejected events stay hidden even from backfill; soft-failed
			// events are returned.
			if s.RejectedReason == "" {
				result = append(result, s.Event)
				if len(result) >= limit {
					break
				}
			}
			next = append(next, s.Event.PrevEventIDs()...)
		}
		frontier = next
	}
	return result, nil
}
