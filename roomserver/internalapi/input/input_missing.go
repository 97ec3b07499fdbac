// Copyright 2020 The Matrix.org Foundation C.I.C.
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

	"github.com/sirupsen/logrus"

	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/api"
)

// fetchMissingAuthEvents makes sure that every event named in the input
// event's auth_events is persisted, fetching missing ones from the origin
// server as outliers. The fetch budget bounds how many events a single
// input event may pull in; auth chains are finite but a malicious server
// could still try to feed us an enormous one.
func (r *Inputer) fetchMissingAuthEvents(ctx context.Context, input *api.InputRoomEvent) error {
	event := input.Event
	missing, err := r.DB.MissingEvents(ctx, event.AuthEventIDs())
	if err != nil {
		return fmt.Errorf("r.DB.MissingEvents: %w", err)
	}
	if len(missing) == 0 {
		return nil
	}
	if input.Origin == "" || r.Fetcher == nil {
		return fmt.Errorf("%d auth events missing and no origin to fetch from", len(missing))
	}

	logrus.WithFields(logrus.Fields{
		"event_id": event.EventID(),
		"room_id":  event.RoomID(),
		"missing":  len(missing),
	}).Info("Fetching missing auth events")

	// Ask the origin for the full auth chain in one go; it is usually
	// cheaper than fetching event by event.
	resp, err := r.Fetcher.GetEventAuth(ctx, input.Origin, event.RoomID(), event.EventID())
	if err != nil {
		return fmt.Errorf("GetEventAuth: %w", err)
	}

	budget := r.fetchBudget()
	fetched := make(map[string]*matrix.Event, len(resp.AuthEvents))
	for _, raw := range resp.AuthEvents {
		if len(fetched) >= budget {
			return fmt.Errorf("auth chain for %q exceeds fetch budget of %d", event.EventID(), budget)
		}
		authEvent, err := matrix.NewEventFromUntrustedJSON(raw, event.Version())
		if err != nil {
			// A bad event in the chain doesn't poison the rest; if one we
			// actually need is bad, the missing check below will catch it.
			logrus.WithError(err).Warn("Discarding malformed event in auth chain")
			continue
		}
		fetched[authEvent.EventID()] = authEvent
	}

	// Verify and store the chain in topological order so that each event's
	// own auth events land first.
	for _, authEvent := range topologicalOrderByAuthEvents(fetched) {
		if r.Keys != nil {
			if err := matrix.VerifyAllEventSignatures(ctx, []*matrix.Event{authEvent}, r.Keys); err != nil {
				logrus.WithError(err).WithField("event_id", authEvent.EventID()).Warn("Discarding auth chain event with bad signature")
				continue
			}
		}
		rejectedReason := ""
		if err := r.checkAuthAgainstDeclaredEvents(ctx, authEvent); err != nil {
			rejectedReason = err.Error()
		}
		if err := r.DB.StoreEvent(ctx, authEvent, true, false, rejectedReason); err != nil {
			return fmt.Errorf("r.DB.StoreEvent: %w", err)
		}
	}

	// Everything the event names must now be persisted.
	missing, err = r.DB.MissingEvents(ctx, event.AuthEventIDs())
	if err != nil {
		return fmt.Errorf("r.DB.MissingEvents: %w", err)
	}
	if len(missing) > 0 {
		return fmt.Errorf("origin %q did not supply %d auth events", input.Origin, len(missing))
	}
	return nil
}

// fetchMissingPrevEvents makes sure the event's prev events are known,
// fetching them from the origin as outliers when they are not. The walk is
// bounded both by a depth cap and by the fetch budget so a hostile origin
// cannot make us recurse forever. The budget is counted afresh for each
// call, so it covers this event's walk alone and is not shared with the
// other events of a transaction.
func (r *Inputer) fetchMissingPrevEvents(ctx context.Context, input *api.InputRoomEvent) error {
	event := input.Event
	if input.HasState {
		// The state at the event was supplied, so the gap before it does
		// not need closing.
		return nil
	}

	budget := r.fetchBudget()
	depthCap := r.depthCap()
	fetchedSoFar := 0

	frontier := []string{}
	missing, err := r.DB.MissingEvents(ctx, event.PrevEventIDs())
	if err != nil {
		return fmt.Errorf("r.DB.MissingEvents: %w", err)
	}
	frontier = append(frontier, missing...)

	for depth := 0; len(frontier) > 0; depth++ {
		if depth >= depthCap {
			return fmt.Errorf("gap before %q deeper than %d events", event.EventID(), depthCap)
		}
		if input.Origin == "" || r.Fetcher == nil {
			return fmt.Errorf("%d prev events missing and no origin to fetch from", len(frontier))
		}
		var next []string
		for _, missingID := range frontier {
			if fetchedSoFar++; fetchedSoFar > budget {
				return fmt.Errorf("gap before %q exceeds fetch budget of %d", event.EventID(), budget)
			}
			txn, err := r.Fetcher.GetEvent(ctx, input.Origin, missingID)
			if err != nil {
				return fmt.Errorf("GetEvent %q: %w", missingID, err)
			}
			for _, raw := range txn.PDUs {
				fetchedEvent, err := matrix.NewEventFromUntrustedJSON(raw, event.Version())
				if err != nil {
					return fmt.Errorf("malformed event %q from origin: %w", missingID, err)
				}
				if r.Keys != nil {
					if err := matrix.VerifyAllEventSignatures(ctx, []*matrix.Event{fetchedEvent}, r.Keys); err != nil {
						return fmt.Errorf("event %q from origin failed signature checks: %w", missingID, err)
					}
				}
				// Recursively make sure the fetched event's auth events
				// exist, then store it as an outlier. Its own prev events
				// join the frontier.
				outlierInput := &api.InputRoomEvent{
					Kind:   api.KindOutlier,
					Event:  fetchedEvent,
					Origin: input.Origin,
				}
				if err := r.fetchMissingAuthEvents(ctx, outlierInput); err != nil {
					return err
				}
				rejectedReason := ""
				if err := r.checkAuthAgainstDeclaredEvents(ctx, fetchedEvent); err != nil {
					rejectedReason = err.Error()
				}
				if err := r.DB.StoreEvent(ctx, fetchedEvent, true, false, rejectedReason); err != nil {
					return fmt.Errorf("r.DB.StoreEvent: %w", err)
				}
				stillMissing, err := r.DB.MissingEvents(ctx, fetchedEvent.PrevEventIDs())
				if err != nil {
					return fmt.Errorf("r.DB.MissingEvents: %w", err)
				}
				next = append(next, stillMissing...)
			}
		}
		frontier = next
	}
	return nil
}

func (r *Inputer) fetchBudget() int {
	if r.Cfg != nil && r.Cfg.MissingEventFetchBudget > 0 {
		return r.Cfg.MissingEventFetchBudget
	}
	return 64
}

func (r *Inputer) depthCap() int {
	if r.Cfg != nil && r.Cfg.MissingEventDepthCap > 0 {
		return r.Cfg.MissingEventDepthCap
	}
	return 20
}

// topologicalOrderByAuthEvents sorts the given events so that each event
// appears after the auth events it references within the set. Kahn's
// algorithm with an event-ID tiebreak keeps the order deterministic.
func topologicalOrderByAuthEvents(events map[string]*matrix.Event) []*matrix.Event {
	inDegree := make(map[string]int, len(events))
	for id := range events {
		inDegree[id] = 0
	}
	for _, event := range events {
		for _, authID := range event.AuthEventIDs() {
			if _, ok := events[authID]; ok {
				inDegree[event.EventID()]++
			}
		}
	}

	var ready []string
	for id, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var result []*matrix.Event
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		event := events[id]
		result = append(result, event)
		var unlocked []string
		for _, other := range events {
			for _, authID := range other.AuthEventIDs() {
				if authID == id {
					inDegree[other.EventID()]--
					if inDegree[other.EventID()] == 0 {
						unlocked = append(unlocked, other.EventID())
					}
				}
			}
		}
		sort.Strings(unlocked)
		ready = append(ready, unlocked...)
	}
	return result
}
