// Copyright 2017 Vector Creations Ltd
// Copyright 2018 New Vector Ltd
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package input

import (
	"context"
	"fmt"
	"sort"

	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/api"
	"github.com/element-hq/spire/roomserver/types"
)

// updateLatestEvents works out the new forward-extremity set after the
// event: the event joins the set, the prev events it referenced leave it.
// Soft-failed events never enter the set, so they cannot influence state
// resolution. If the state of the room may have changed, the resolved
// current state and the membership index are refreshed.
//
// This runs under the per-room actor, so the extremity set cannot change
// underneath us.
func (r *Inputer) updateLatestEvents(ctx context.Context, input *api.InputRoomEvent, softFailed bool) error {
	event := input.Event
	roomID := event.RoomID()

	extremities, _, err := r.DB.LatestEventIDs(ctx, roomID)
	if err != nil {
		return fmt.Errorf("r.DB.LatestEventIDs: %w", err)
	}

	if softFailed {
		// The event is stored but takes no part in extremity selection and
		// the latest event ID stays where it was.
		return nil
	}

	keep := make(map[string]bool, len(extremities))
	for _, extremity := range extremities {
		keep[extremity] = true
	}
	// The event replaces any of its prev events in the set.
	referenced := false
	for _, prevEventID := range event.PrevEventIDs() {
		if keep[prevEventID] {
			referenced = true
			delete(keep, prevEventID)
		}
	}
	// If the event didn't extend any current tip then the room has forked:
	// the event becomes an additional extremity. Either way it joins the
	// set, unless something else already references it (which cannot
	// happen here because we process the room serially).
	keep[event.EventID()] = true

	newExtremities := make([]string, 0, len(keep))
	for extremity := range keep {
		newExtremities = append(newExtremities, extremity)
	}
	sort.Strings(newExtremities)

	// The latest event ID follows the timeline tip when the event extends
	// it; when the room forked we keep the event anyway as the most recent
	// thing we accepted.
	if err := r.DB.SetLatestEvents(ctx, roomID, newExtremities, event.EventID()); err != nil {
		return fmt.Errorf("r.DB.SetLatestEvents: %w", err)
	}

	// Refresh the resolved state if the event could have changed it: any
	// state event does, and so does a fork or a merge of the DAG.
	if input.HasState || event.StateKey() != nil || !referenced || len(newExtremities) > 1 {
		if err := r.updateCurrentState(ctx, roomID, input, newExtremities); err != nil {
			return fmt.Errorf("r.updateCurrentState: %w", err)
		}
	}

	// Keep the membership index in step with the resolved state.
	if event.StateKey() != nil && event.Type() == matrix.MRoomMember {
		if err := r.updateMembership(ctx, event); err != nil {
			return fmt.Errorf("r.updateMembership: %w", err)
		}
	}

	return nil
}

// updateCurrentState re-resolves the room's current state from the forward
// extremities and persists the result.
func (r *Inputer) updateCurrentState(ctx context.Context, roomID string, input *api.InputRoomEvent, extremities []string) error {
	if input.HasState {
		// We were told the state at the event (e.g. it came with a
		// federated join). The ancestry behind it may not be stored
		// locally, so use the supplied state directly, overlaid with the
		// event's own slot.
		entries, err := r.stateEntriesForEventIDs(ctx, input.StateEventIDs)
		if err != nil {
			return err
		}
		event := input.Event
		if event.StateKey() != nil {
			entries = append(entries, types.StateEntry{
				StateKeyTuple: matrix.StateKeyTuple{
					EventType: event.Type(),
					StateKey:  *event.StateKey(),
				},
				EventID: event.EventID(),
			})
		}
		return r.DB.UpdateCurrentState(ctx, roomID, entries)
	}
	entries, err := r.Resolver.CurrentState(ctx, roomID, extremities)
	if err != nil {
		return err
	}
	return r.DB.UpdateCurrentState(ctx, roomID, entries)
}

func (r *Inputer) stateEntriesForEventIDs(ctx context.Context, eventIDs []string) ([]types.StateEntry, error) {
	stored, err := r.DB.StoredEvents(ctx, eventIDs)
	if err != nil {
		return nil, err
	}
	entries := make([]types.StateEntry, 0, len(stored))
	for _, s := range stored {
		if s.Event.StateKey() == nil {
			continue
		}
		entries = append(entries, types.StateEntry{
			StateKeyTuple: matrix.StateKeyTuple{
				EventType: s.Event.Type(),
				StateKey:  *s.Event.StateKey(),
			},
			EventID: s.Event.EventID(),
		})
	}
	return entries, nil
}
