// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"context"
	"sort"
	"sync"

	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/types"
)

// InMemoryRoomserverDatabase implements the roomserver storage contract in
// memory for tests.
type InMemoryRoomserverDatabase struct {
	mu          sync.Mutex
	events      map[string]types.StoredEvent
	rooms       map[string]types.RoomInfo
	extremities map[string][]string
	state       map[string]map[matrix.StateKeyTuple]string
	memberships map[string]map[string]types.MembershipEntry
	aliases     map[string]struct{ RoomID, Creator string }
	published   map[string]bool
}

// NewInMemoryRoomserverDatabase creates an empty in-memory store.
func NewInMemoryRoomserverDatabase() *InMemoryRoomserverDatabase {
	return &InMemoryRoomserverDatabase{
		events:      map[string]types.StoredEvent{},
		rooms:       map[string]types.RoomInfo{},
		extremities: map[string][]string{},
		state:       map[string]map[matrix.StateKeyTuple]string{},
		memberships: map[string]map[string]types.MembershipEntry{},
		aliases:     map[string]struct{ RoomID, Creator string }{},
		published:   map[string]bool{},
	}
}

func (d *InMemoryRoomserverDatabase) StoreEvent(_ context.Context, event *matrix.Event, outlier, softFailed bool, rejectedReason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.events[event.EventID()]; ok {
		return nil
	}
	d.events[event.EventID()] = types.StoredEvent{
		Event:          event,
		Outlier:        outlier,
		SoftFailed:     softFailed,
		RejectedReason: rejectedReason,
	}
	return nil
}

func (d *InMemoryRoomserverDatabase) Events(ctx context.Context, eventIDs []string) ([]*matrix.Event, error) {
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

func (d *InMemoryRoomserverDatabase) StoredEvents(_ context.Context, eventIDs []string) ([]types.StoredEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var result []types.StoredEvent
	for _, eventID := range eventIDs {
		if stored, ok := d.events[eventID]; ok {
			result = append(result, stored)
		}
	}
	return result, nil
}

// StoredEvent returns a single stored event and whether it exists.
func (d *InMemoryRoomserverDatabase) StoredEvent(eventID string) (types.StoredEvent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	stored, ok := d.events[eventID]
	return stored, ok
}

func (d *InMemoryRoomserverDatabase) MissingEvents(_ context.Context, eventIDs []string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var missing []string
	for _, eventID := range eventIDs {
		if _, ok := d.events[eventID]; !ok {
			missing = append(missing, eventID)
		}
	}
	return missing, nil
}

func (d *InMemoryRoomserverDatabase) SetSoftFailed(_ context.Context, eventID string, softFailed bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	stored := d.events[eventID]
	stored.SoftFailed = softFailed
	d.events[eventID] = stored
	return nil
}

func (d *InMemoryRoomserverDatabase) SetRedactedBy(_ context.Context, eventID, redactedBy string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	stored := d.events[eventID]
	stored.RedactedBy = redactedBy
	d.events[eventID] = stored
	return nil
}

func (d *InMemoryRoomserverDatabase) RoomInfo(_ context.Context, roomID string) (*types.RoomInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if info, ok := d.rooms[roomID]; ok {
		return &info, nil
	}
	return nil, nil
}

func (d *InMemoryRoomserverDatabase) InsertRoomInfo(_ context.Context, info types.RoomInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.rooms[info.RoomID]; !ok {
		d.rooms[info.RoomID] = info
	}
	return nil
}

func (d *InMemoryRoomserverDatabase) PublishRoom(_ context.Context, roomID string, published bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.published[roomID] = published
	return nil
}

func (d *InMemoryRoomserverDatabase) PublishedRooms(_ context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var roomIDs []string
	for roomID, published := range d.published {
		if published {
			roomIDs = append(roomIDs, roomID)
		}
	}
	sort.Strings(roomIDs)
	return roomIDs, nil
}

func (d *InMemoryRoomserverDatabase) LatestEventIDs(_ context.Context, roomID string) ([]string, int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	extremities := append([]string{}, d.extremities[roomID]...)
	sort.Strings(extremities)
	var depth int64
	for _, eventID := range extremities {
		if stored, ok := d.events[eventID]; ok && stored.Event.Depth() > depth {
			depth = stored.Event.Depth()
		}
	}
	return extremities, depth, nil
}

func (d *InMemoryRoomserverDatabase) SetLatestEvents(_ context.Context, roomID string, extremities []string, latestEventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.extremities[roomID] = append([]string{}, extremities...)
	info := d.rooms[roomID]
	info.LatestEventID = latestEventID
	d.rooms[roomID] = info
	return nil
}

func (d *InMemoryRoomserverDatabase) CurrentState(ctx context.Context, roomID string, stateToFetch []matrix.StateKeyTuple) ([]*matrix.Event, error) {
	d.mu.Lock()
	wanted := map[matrix.StateKeyTuple]bool{}
	for _, tuple := range stateToFetch {
		wanted[tuple] = true
	}
	var eventIDs []string
	for tuple, eventID := range d.state[roomID] {
		if len(wanted) > 0 && !wanted[tuple] {
			continue
		}
		eventIDs = append(eventIDs, eventID)
	}
	d.mu.Unlock()
	sort.Strings(eventIDs)
	return d.Events(ctx, eventIDs)
}

func (d *InMemoryRoomserverDatabase) CurrentStateEvent(ctx context.Context, roomID, eventType, stateKey string) (*matrix.Event, error) {
	d.mu.Lock()
	eventID, ok := d.state[roomID][matrix.StateKeyTuple{EventType: eventType, StateKey: stateKey}]
	d.mu.Unlock()
	if !ok {
		return nil, nil
	}
	events, err := d.Events(ctx, []string{eventID})
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return events[0], nil
}

func (d *InMemoryRoomserverDatabase) UpdateCurrentState(_ context.Context, roomID string, entries []types.StateEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	state := map[matrix.StateKeyTuple]string{}
	for _, entry := range entries {
		state[entry.StateKeyTuple] = entry.EventID
	}
	d.state[roomID] = state
	return nil
}

func (d *InMemoryRoomserverDatabase) UpsertMembership(_ context.Context, entry types.MembershipEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.memberships[entry.RoomID] == nil {
		d.memberships[entry.RoomID] = map[string]types.MembershipEntry{}
	}
	d.memberships[entry.RoomID][entry.UserID] = entry
	return nil
}

func (d *InMemoryRoomserverDatabase) Membership(_ context.Context, roomID, userID string) (*types.MembershipEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.memberships[roomID][userID]; ok {
		return &entry, nil
	}
	return nil, nil
}

func (d *InMemoryRoomserverDatabase) MembershipsForRoom(_ context.Context, roomID string, joinedOnly bool) ([]types.MembershipEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var entries []types.MembershipEntry
	for _, entry := range d.memberships[roomID] {
		if joinedOnly && entry.Membership != matrix.Join {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries, nil
}

func (d *InMemoryRoomserverDatabase) RoomsForUser(_ context.Context, userID, membership string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var roomIDs []string
	for roomID, members := range d.memberships {
		if entry, ok := members[userID]; ok && entry.Membership == membership {
			roomIDs = append(roomIDs, roomID)
		}
	}
	sort.Strings(roomIDs)
	return roomIDs, nil
}

func (d *InMemoryRoomserverDatabase) SetRoomAlias(_ context.Context, alias, roomID, creatorUserID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.aliases[alias]; ok {
		return types.ErrAliasExists
	}
	d.aliases[alias] = struct{ RoomID, Creator string }{roomID, creatorUserID}
	return nil
}

func (d *InMemoryRoomserverDatabase) RoomIDForAlias(_ context.Context, alias string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aliases[alias].RoomID, nil
}

func (d *InMemoryRoomserverDatabase) AliasesForRoomID(_ context.Context, roomID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var aliases []string
	for alias, entry := range d.aliases {
		if entry.RoomID == roomID {
			aliases = append(aliases, alias)
		}
	}
	sort.Strings(aliases)
	return aliases, nil
}

func (d *InMemoryRoomserverDatabase) CreatorForAlias(_ context.Context, alias string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aliases[alias].Creator, nil
}

func (d *InMemoryRoomserverDatabase) RemoveRoomAlias(_ context.Context, alias string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.aliases, alias)
	return nil
}

func (d *InMemoryRoomserverDatabase) BackfillEvents(ctx context.Context, roomID string, fromEventIDs []string, limit int) ([]*matrix.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	visited := map[string]bool{}
	frontier := append([]string{}, fromEventIDs...)
	var result []*matrix.Event
	for len(frontier) > 0 && len(result) < limit {
		stored, err := d.StoredEvents(ctx, frontier)
		if err != nil {
			return nil, err
		}
		frontier = nil
		for _, s := range stored {
			if visited[s.Event.EventID()] || s.Event.RoomID() != roomID {
				continue
			}
			visited[s.Event.EventID()] = true
			if s.RejectedReason == "" {
				result = append(result, s.Event)
			}
			frontier = append(frontier, s.Event.PrevEventIDs()...)
		}
	}
	return result, nil
}
