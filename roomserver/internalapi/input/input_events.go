// Copyright 2017 Vector Creations Ltd
// Copyright 2018 New Vector Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
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
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/api"
	"github.com/element-hq/spire/roomserver/types"
)

func init() {
	prometheus.MustRegister(processRoomEventDuration)
}

var processRoomEventDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "spire",
		Subsystem: "roomserver",
		Name:      "processroomevent_duration_millis",
		Help:      "How long it takes the roomserver to process an event",
		Buckets: []float64{ // milliseconds
			5, 10, 25, 50, 75, 100, 250, 500,
			1000, 2000, 3000, 4000, 5000, 6000,
			7000, 8000, 9000, 10000, 15000, 20000,
		},
	},
	[]string{"room_id"},
)

// A rejectionError is a hard rejection from one of the validator stages.
// The event is stored for reference, though backfill does not return it,
// and has no further effect on the room.
type rejectionError struct {
	err error
}

func (e rejectionError) Error() string { return e.err.Error() }
func (e rejectionError) Unwrap() error { return e.err }

// processRoomEvent drives a single event through the six validator stages:
//
//  1. syntactic and size checks
//  2. signature checks
//  3. content-hash check (performed at parse time: a mismatch stores the
//     event in redacted form but continues)
//  4. auth against the event's declared auth_events
//  5. auth against the room's current resolved state; a disagreement with
//     stage 4 soft-fails the event rather than rejecting it
//  6. persistence, forward-extremity update, state resolution and output
//
// Stages 4-6 run under the per-room actor, so for any given room there is
// exactly one processRoomEvent in flight at a time.
func (r *Inputer) processRoomEvent(ctx context.Context, input *api.InputRoomEvent) error {
	if ctx.Err() != nil {
		// The request was cancelled before we got here: nothing has been
		// persisted and nothing more will be.
		return ctx.Err()
	}

	event := input.Event
	started := time.Now()
	defer func() {
		processRoomEventDuration.With(prometheus.Labels{
			"room_id": event.RoomID(),
		}).Observe(float64(time.Since(started).Milliseconds()))
	}()

	// Stage 1: syntactic and size checks. Events parsed from untrusted JSON
	// have already been through these, but events can also arrive here from
	// local building, so check again - the checks are cheap.
	if err := event.CheckFields(); err != nil {
		return rejectionError{fmt.Errorf("event %q failed field checks: %w", event.EventID(), err)}
	}
	if !event.Version().Supported() {
		return rejectionError{matrix.UnsupportedRoomVersionError{Version: event.Version()}}
	}

	// If we have already fully processed this event then don't do it again:
	// replaying a federation transaction or a client retry must not
	// duplicate events or move the forward extremities. An event we only
	// know as an outlier does get reprocessed, since a timeline arrival
	// carries information an outlier does not.
	if existing, err := r.DB.StoredEvents(ctx, []string{event.EventID()}); err == nil && len(existing) == 1 {
		if !existing[0].Outlier || input.Kind == api.KindOutlier {
			logrus.WithField("event_id", event.EventID()).Debug("Already processed event; ignoring")
			return nil
		}
	}

	// Stage 2: signature checks. Local events were signed by us a moment
	// ago; only events relayed by another server need verifying here.
	if input.Origin != "" && r.Keys != nil {
		if err := matrix.VerifyAllEventSignatures(ctx, []*matrix.Event{event}, r.Keys); err != nil {
			return rejectionError{fmt.Errorf("event %q failed signature checks: %w", event.EventID(), err)}
		}
	}

	// Stage 3 has already happened: a content-hash mismatch at parse time
	// leaves us holding the redacted form of the event, which we store
	// as-is. Log it so that operators can see tampering attempts.
	if event.Redacted() && event.Type() != matrix.MRoomRedaction {
		logrus.WithFields(logrus.Fields{
			"event_id": event.EventID(),
			"room_id":  event.RoomID(),
		}).Debug("Storing event in redacted form after content hash mismatch")
	}

	// Stage 4: check the event against its declared auth events, fetching
	// any that are missing from the origin server as outliers first.
	var rejectedReason string
	isRejected := false
	if err := r.fetchMissingAuthEvents(ctx, input); err != nil {
		return types.MissingAuthEventsError(
			fmt.Sprintf("event %q auth events are missing: %s", event.EventID(), err),
		)
	}
	if err := r.checkAuthAgainstDeclaredEvents(ctx, event); err != nil {
		isRejected = true
		rejectedReason = err.Error()
		logrus.WithError(err).WithFields(logrus.Fields{
			"event_id": event.EventID(),
			"room_id":  event.RoomID(),
			"type":     event.Type(),
		}).Warn("Event rejected by declared auth events")
	}

	// Outliers are stored and we stop there: they have no timeline
	// position, no state and nobody to notify.
	if input.Kind == api.KindOutlier {
		return r.DB.StoreEvent(ctx, event, true, false, rejectedReason)
	}

	// Then check if the prev events are known, which we need in order to
	// know the state before the event.
	if err := r.fetchMissingPrevEvents(ctx, input); err != nil {
		return types.MissingPrevEventsError(
			fmt.Sprintf("event %q prev events are missing: %s", event.EventID(), err),
		)
	}

	// Stage 5: check the event against the room's current resolved state.
	// If the declared auth events allowed the event but the current state
	// does not, the event is soft-failed: stored, returned on backfill, but
	// excluded from the forward extremities.
	softFailed := false
	if input.Kind == api.KindNew && !isRejected {
		if err := r.checkAuthAgainstCurrentState(ctx, event); err != nil {
			softFailed = true
			logrus.WithError(err).WithFields(logrus.Fields{
				"event_id": event.EventID(),
				"room_id":  event.RoomID(),
				"type":     event.Type(),
				"sender":   event.Sender(),
			}).Info("Event soft-failed against current state")
		}
	}

	if ctx.Err() != nil {
		// Cancelled while fetching: stage 6 has not begun, so no partial
		// writes have been made for this event.
		return ctx.Err()
	}

	// Stage 6: persist. The event lands atomically with its flags.
	if err := r.DB.StoreEvent(ctx, event, false, softFailed, rejectedReason); err != nil {
		return fmt.Errorf("r.DB.StoreEvent: %w", err)
	}

	// If the event redacts another event, and we have both halves, apply
	// the redaction and tell downstream consumers.
	var redactedEventID string
	if event.Type() == matrix.MRoomRedaction && !isRejected && !softFailed {
		var err error
		if redactedEventID, err = r.applyRedaction(ctx, event); err != nil {
			return fmt.Errorf("r.applyRedaction: %w", err)
		}
	}

	// We stop here if the event is rejected: we've stored it but it won't
	// update the extremities and nobody gets notified about it.
	if isRejected {
		logrus.WithFields(logrus.Fields{
			"event_id": event.EventID(),
			"type":     event.Type(),
			"room":     event.RoomID(),
			"sender":   event.Sender(),
		}).Debug("Stored rejected event")
		return rejectionError{types.RejectedError(rejectedReason)}
	}

	if input.Kind == api.KindOld {
		// Historical events do not move the forward extremities.
		return nil
	}

	if err := r.updateLatestEvents(ctx, input, softFailed); err != nil {
		return fmt.Errorf("r.updateLatestEvents: %w", err)
	}

	// Tell the world - but not about soft-failed events, which stay out of
	// /sync and out of outbound federation.
	outputs := make([]api.OutputEvent, 0, 2)
	if !softFailed {
		addsState := []types.StateEntry{}
		if event.StateKey() != nil {
			addsState = append(addsState, types.StateEntry{
				StateKeyTuple: matrix.StateKeyTuple{
					EventType: event.Type(),
					StateKey:  *event.StateKey(),
				},
				EventID: event.EventID(),
			})
		}
		outputs = append(outputs, api.OutputEvent{
			Type: api.OutputTypeNewRoomEvent,
			NewRoomEvent: &api.OutputNewRoomEvent{
				Event:        matrix.RawJSON(event.JSON()),
				EventID:      event.EventID(),
				RoomID:       event.RoomID(),
				RoomVersion:  event.Version(),
				Type:         event.Type(),
				Sender:       event.Sender(),
				SendAsServer: input.SendAsServer,
				AddsState:    addsState,
			},
		})
	}
	if redactedEventID != "" {
		outputs = append(outputs, api.OutputEvent{
			Type: api.OutputTypeRedactedEvent,
			RedactedEvent: &api.OutputRedactedEvent{
				RedactedEventID: redactedEventID,
				RedactedBecause: matrix.RawJSON(event.JSON()),
				RoomID:          event.RoomID(),
			},
		})
	}
	if err := r.WriteOutputEvents(event.RoomID(), outputs); err != nil {
		return fmt.Errorf("r.WriteOutputEvents: %w", err)
	}

	return nil
}

// checkAuthAgainstDeclaredEvents materializes the declared auth events and
// runs the auth rules against them. Stage 4.
func (r *Inputer) checkAuthAgainstDeclaredEvents(ctx context.Context, event *matrix.Event) error {
	stored, err := r.DB.StoredEvents(ctx, event.AuthEventIDs())
	if err != nil {
		return fmt.Errorf("r.DB.StoredEvents: %w", err)
	}
	if len(stored) != len(event.AuthEventIDs()) {
		return fmt.Errorf("missing auth events for %q", event.EventID())
	}
	authEvents := matrix.NewAuthEvents(nil)
	for _, s := range stored {
		// Cross-room auth chains are a classic confusion attack: an auth
		// event from another room must never authorize anything here.
		if s.Event.RoomID() != event.RoomID() {
			return fmt.Errorf(
				"auth event %q is in room %q, not %q",
				s.Event.EventID(), s.Event.RoomID(), event.RoomID(),
			)
		}
		if err := authEvents.AddEvent(s.Event); err != nil {
			return err
		}
	}
	return matrix.Allowed(event, &authEvents)
}

// checkAuthAgainstCurrentState checks the event against the room's
// resolved current state. Stage 5.
func (r *Inputer) checkAuthAgainstCurrentState(ctx context.Context, event *matrix.Event) error {
	needed := matrix.StateNeededForAuth([]*matrix.Event{event})
	stateEvents, err := r.DB.CurrentState(ctx, event.RoomID(), needed.Tuples())
	if err != nil {
		return fmt.Errorf("r.DB.CurrentState: %w", err)
	}
	authEvents := matrix.NewAuthEvents(nil)
	for _, stateEvent := range stateEvents {
		if err := authEvents.AddEvent(stateEvent); err != nil {
			return err
		}
	}
	return matrix.Allowed(event, &authEvents)
}

// applyRedaction marks the target of a redaction event as redacted if we
// have it. Returns the redacted event ID if both halves are known.
func (r *Inputer) applyRedaction(ctx context.Context, event *matrix.Event) (string, error) {
	redacts := event.Redacts()
	if redacts == "" {
		// The updated redaction rules carry the target in content.redacts.
		var content struct {
			Redacts string `json:"redacts"`
		}
		if err := json.Unmarshal(event.Content(), &content); err == nil {
			redacts = content.Redacts
		}
	}
	if redacts == "" {
		return "", nil
	}
	stored, err := r.DB.StoredEvents(ctx, []string{redacts})
	if err != nil || len(stored) == 0 {
		return "", err
	}
	if stored[0].Event.RoomID() != event.RoomID() {
		// Redactions may only affect events in the same room.
		return "", nil
	}
	if err := r.DB.SetRedactedBy(ctx, redacts, event.EventID()); err != nil {
		return "", err
	}
	return redacts, nil
}
