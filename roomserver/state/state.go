// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package state

import (
	"context"
	"fmt"
	"sort"

	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/storage"
	"github.com/element-hq/spire/roomserver/types"
)

// Resolver resolves the current state of a room from its forward
// extremities. It is a pure function of the DAG: the same extremities always
// produce the same state.
type Resolver struct {
	db storage.Database
}

// NewResolver creates a state resolver over the given database.
func NewResolver(db storage.Database) *Resolver {
	return &Resolver{db: db}
}

// maxAncestryWalk bounds the number of events walked per extremity while
// collecting the state of its ancestry.
const maxAncestryWalk = 10000

// CurrentState resolves the room state for the given forward extremities.
// With a single extremity the state of its ancestry is used directly; with
// multiple extremities the conflicted slots are resolved with the
// room-version state resolution algorithm.
func (r *Resolver) CurrentState(ctx context.Context, roomID string, extremityIDs []string) ([]types.StateEntry, error) {
	if len(extremityIDs) == 0 {
		return nil, nil
	}
	// Sort to make the walk order, and therefore any error behaviour,
	// deterministic in the face of input permutations.
	sorted := append([]string{}, extremityIDs...)
	sort.Strings(sorted)

	branches := make([]map[matrix.StateKeyTuple]*matrix.Event, 0, len(sorted))
	for _, extremityID := range sorted {
		branch, err := r.stateOfAncestry(ctx, roomID, extremityID)
		if err != nil {
			return nil, err
		}
		branches = append(branches, branch)
	}

	var resolved []*matrix.Event
	if len(branches) == 1 {
		for _, event := range branches[0] {
			resolved = append(resolved, event)
		}
	} else {
		conflicted, unconflicted := separateBranches(branches)
		authEvents, err := r.authChainForEvents(ctx, conflicted)
		if err != nil {
			return nil, err
		}
		resolved = matrix.ResolveStateConflictsV2(conflicted, unconflicted, authEvents)
	}

	entries := make([]types.StateEntry, 0, len(resolved))
	for _, event := range resolved {
		if event.StateKey() == nil {
			continue
		}
		entries = append(entries, types.StateEntry{
			StateKeyTuple: matrix.StateKeyTuple{
				EventType: event.Type(),
				StateKey:  *event.StateKey(),
			},
			EventID: event.EventID(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].EventType != entries[j].EventType {
			return entries[i].EventType < entries[j].EventType
		}
		return entries[i].StateKey < entries[j].StateKey
	})
	return entries, nil
}

// stateOfAncestry walks backwards from the given event collecting the
// nearest state event for each slot. The walk is breadth-first so the
// nearest version of a slot in the ancestry wins.
func (r *Resolver) stateOfAncestry(ctx context.Context, roomID, eventID string) (map[matrix.StateKeyTuple]*matrix.Event, error) {
	state := map[matrix.StateKeyTuple]*matrix.Event{}
	visited := map[string]bool{}
	frontier := []string{eventID}
	walked := 0

	for len(frontier) > 0 {
		stored, err := r.db.StoredEvents(ctx, frontier)
		if err != nil {
			return nil, err
		}
		frontier = nil
		for _, s := range stored {
			if visited[s.Event.EventID()] {
				continue
			}
			visited[s.Event.EventID()] = true
			if walked++; walked > maxAncestryWalk {
				return nil, types.MissingStateError(
					fmt.Sprintf("room %q ancestry walk exceeded %d events", roomID, maxAncestryWalk),
				)
			}
			// Rejected events contribute nothing to state.
			if s.RejectedReason == "" && s.Event.StateKey() != nil {
				tuple := matrix.StateKeyTuple{
					EventType: s.Event.Type(),
					StateKey:  *s.Event.StateKey(),
				}
				if _, ok := state[tuple]; !ok {
					state[tuple] = s.Event
				}
			}
			frontier = append(frontier, s.Event.PrevEventIDs()...)
		}
	}
	return state, nil
}

// separateBranches works out which slots agree across every branch and
// which are conflicted.
func separateBranches(branches []map[matrix.StateKeyTuple]*matrix.Event) (conflicted, unconflicted []*matrix.Event) {
	tuples := map[matrix.StateKeyTuple]map[string]*matrix.Event{}
	for _, branch := range branches {
		for tuple, event := range branch {
			if tuples[tuple] == nil {
				tuples[tuple] = map[string]*matrix.Event{}
			}
			tuples[tuple][event.EventID()] = event
		}
	}
	// Sort the tuples to keep the output deterministic.
	sortedTuples := make([]matrix.StateKeyTuple, 0, len(tuples))
	for tuple := range tuples {
		sortedTuples = append(sortedTuples, tuple)
	}
	sort.Slice(sortedTuples, func(i, j int) bool {
		if sortedTuples[i].EventType != sortedTuples[j].EventType {
			return sortedTuples[i].EventType < sortedTuples[j].EventType
		}
		return sortedTuples[i].StateKey < sortedTuples[j].StateKey
	})
	for _, tuple := range sortedTuples {
		versions := tuples[tuple]
		if len(versions) == 1 {
			for _, event := range versions {
				unconflicted = append(unconflicted, event)
			}
			continue
		}
		ids := make([]string, 0, len(versions))
		for id := range versions {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			conflicted = append(conflicted, versions[id])
		}
	}
	return
}

// authChainForEvents loads the full auth chains of the given events from
// the database.
func (r *Resolver) authChainForEvents(ctx context.Context, events []*matrix.Event) ([]*matrix.Event, error) {
	var chain []*matrix.Event
	visited := map[string]bool{}
	var frontier []string
	for _, event := range events {
		frontier = append(frontier, event.AuthEventIDs()...)
	}
	for len(frontier) > 0 {
		stored, err := r.db.StoredEvents(ctx, frontier)
		if err != nil {
			return nil, err
		}
		frontier = nil
		for _, s := range stored {
			if visited[s.Event.EventID()] {
				continue
			}
			visited[s.Event.EventID()] = true
			chain = append(chain, s.Event)
			frontier = append(frontier, s.Event.AuthEventIDs()...)
		}
	}
	sort.Slice(chain, func(i, j int) bool {
		return chain[i].EventID() < chain[j].EventID()
	})
	return chain, nil
}
