// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package input

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/api"
	"github.com/element-hq/spire/roomserver/state"
	"github.com/element-hq/spire/test"
)

func newTestInputer(db *test.InMemoryRoomserverDatabase) *Inputer {
	return &Inputer{
		DB:       db,
		Resolver: state.NewResolver(db),
	}
}

func inputEvents(t *testing.T, inputer *Inputer, events ...*matrix.Event) *api.InputRoomEventsResponse {
	t.Helper()
	inputs := make([]api.InputRoomEvent, 0, len(events))
	for _, event := range events {
		inputs = append(inputs, api.InputRoomEvent{
			Kind:  api.KindNew,
			Event: event,
		})
	}
	var res api.InputRoomEventsResponse
	inputer.InputRoomEvents(context.Background(), &api.InputRoomEventsRequest{InputRoomEvents: inputs}, &res)
	return &res
}

func TestAcceptedEventsUpdateMembershipIndex(t *testing.T) {
	db := test.NewInMemoryRoomserverDatabase()
	inputer := newTestInputer(db)

	alice := test.NewUser(t)
	bob := test.NewUser(t)
	room := test.NewRoom(t, alice)
	bobJoin := room.CreateEvent(t, bob, matrix.MRoomMember, bob.ID, map[string]interface{}{
		"membership": matrix.Join,
	})

	res := inputEvents(t, inputer, room.Events()...)
	require.NoError(t, res.Err())

	// The membership index reflects the resolved current membership.
	membership, err := db.Membership(context.Background(), room.ID, bob.ID)
	require.NoError(t, err)
	require.NotNil(t, membership)
	assert.Equal(t, matrix.Join, membership.Membership)
	assert.Equal(t, bobJoin.EventID(), membership.EventID)

	// Now kick bob; the index must follow.
	kick := room.CreateEvent(t, alice, matrix.MRoomMember, bob.ID, map[string]interface{}{
		"membership": matrix.Leave,
		"reason":     "being a nuisance",
	})
	res = inputEvents(t, inputer, kick)
	require.NoError(t, res.Err())

	membership, err = db.Membership(context.Background(), room.ID, bob.ID)
	require.NoError(t, err)
	require.NotNil(t, membership)
	assert.Equal(t, matrix.Leave, membership.Membership)
	// The historical join is still in the store untouched.
	stored, ok := db.StoredEvent(bobJoin.EventID())
	require.True(t, ok)
	assert.Equal(t, "", stored.RejectedReason)
}

func TestSoftFailedEventExcludedFromExtremities(t *testing.T) {
	db := test.NewInMemoryRoomserverDatabase()
	inputer := newTestInputer(db)

	alice := test.NewUser(t)
	bob := test.NewUser(t)
	room := test.NewRoom(t, alice)
	bobJoin := room.CreateEvent(t, bob, matrix.MRoomMember, bob.ID, map[string]interface{}{
		"membership": matrix.Join,
	})
	kick := room.CreateEvent(t, alice, matrix.MRoomMember, bob.ID, map[string]interface{}{
		"membership": matrix.Leave,
	})
	res := inputEvents(t, inputer, room.Events()...)
	require.NoError(t, res.Err())

	extremitiesBefore, _, err := db.LatestEventIDs(context.Background(), room.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{kick.EventID()}, extremitiesBefore)

	// Craft a message from bob whose declared auth events cite his old
	// join. The declared auth events allow it, the current state does not:
	// the event must soft-fail rather than be rejected.
	events := room.Events()
	createEvent := events[0]
	var plEvent *matrix.Event
	for _, event := range events {
		if event.Type() == matrix.MRoomPowerLevels {
			plEvent = event
		}
	}
	builder := &matrix.EventBuilder{
		Sender:     bob.ID,
		RoomID:     room.ID,
		Type:       "m.room.message",
		Depth:      kick.Depth() + 1,
		PrevEvents: []string{kick.EventID()},
		AuthEvents: []string{createEvent.EventID(), plEvent.EventID(), bobJoin.EventID()},
	}
	require.NoError(t, builder.SetContent(map[string]string{"body": "I'm still here"}))
	sneaky, err := builder.Build(time.Unix(1700009999, 0), test.ServerName, test.KeyID, test.PrivateKey, room.Version)
	require.NoError(t, err)

	res = inputEvents(t, inputer, sneaky)
	require.NoError(t, res.Err())

	stored, ok := db.StoredEvent(sneaky.EventID())
	require.True(t, ok)
	assert.True(t, stored.SoftFailed, "event should have been soft-failed")
	assert.Equal(t, "", stored.RejectedReason)

	// The forward extremities and latest event must be unchanged.
	extremitiesAfter, _, err := db.LatestEventIDs(context.Background(), room.ID)
	require.NoError(t, err)
	assert.Equal(t, extremitiesBefore, extremitiesAfter)

	// But backfill still returns the event.
	backfilled, err := db.BackfillEvents(context.Background(), room.ID, []string{sneaky.EventID()}, 1)
	require.NoError(t, err)
	require.Len(t, backfilled, 1)
	assert.Equal(t, sneaky.EventID(), backfilled[0].EventID())
}

func TestRejectedEventDoesNotTouchTheRoom(t *testing.T) {
	db := test.NewInMemoryRoomserverDatabase()
	inputer := newTestInputer(db)

	alice := test.NewUser(t)
	mallory := test.NewUser(t)
	room := test.NewRoom(t, alice, test.RoomJoinRule(matrix.JoinRuleInvite))
	res := inputEvents(t, inputer, room.Events()...)
	require.NoError(t, res.Err())

	extremitiesBefore, _, err := db.LatestEventIDs(context.Background(), room.ID)
	require.NoError(t, err)

	// Mallory tries to join an invite-only room without an invite. The
	// declared auth events reject this outright.
	badJoin := room.CreateEvent(t, mallory, matrix.MRoomMember, mallory.ID, map[string]interface{}{
		"membership": matrix.Join,
	})
	res = inputEvents(t, inputer, badJoin)
	assert.Error(t, res.Err())
	assert.True(t, res.NotAllowed)

	stored, ok := db.StoredEvent(badJoin.EventID())
	require.True(t, ok)
	assert.NotEqual(t, "", stored.RejectedReason)

	extremitiesAfter, _, err := db.LatestEventIDs(context.Background(), room.ID)
	require.NoError(t, err)
	assert.Equal(t, extremitiesBefore, extremitiesAfter)

	membership, err := db.Membership(context.Background(), room.ID, mallory.ID)
	require.NoError(t, err)
	assert.Nil(t, membership)
}

func TestConcurrentEventsConvergeOnSameExtremities(t *testing.T) {
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	first := room.CreateMessage(t, alice, map[string]string{"body": "one"})

	// Build a second message that shares first's prev event rather than
	// extending it: the room forks.
	events := room.Events()
	tip := events[len(events)-2]
	builder := &matrix.EventBuilder{
		Sender:     alice.ID,
		RoomID:     room.ID,
		Type:       "m.room.message",
		Depth:      tip.Depth() + 1,
		PrevEvents: []string{tip.EventID()},
	}
	require.NoError(t, builder.SetContent(map[string]string{"body": "two"}))
	var authIDs []string
	for _, event := range events {
		switch event.Type() {
		case matrix.MRoomCreate, matrix.MRoomPowerLevels:
			authIDs = append(authIDs, event.EventID())
		case matrix.MRoomMember:
			authIDs = append(authIDs, event.EventID())
		}
	}
	builder.AuthEvents = authIDs
	second, err := builder.Build(time.Unix(1700009998, 0), test.ServerName, test.KeyID, test.PrivateKey, room.Version)
	require.NoError(t, err)

	run := func(order []*matrix.Event) []string {
		db := test.NewInMemoryRoomserverDatabase()
		inputer := newTestInputer(db)
		res := inputEvents(t, inputer, events[:len(events)-1]...)
		require.NoError(t, res.Err())
		res = inputEvents(t, inputer, order...)
		require.NoError(t, res.Err())
		extremities, _, err := db.LatestEventIDs(context.Background(), room.ID)
		require.NoError(t, err)
		return extremities
	}

	// Whichever order the two forked events arrive in, the final forward
	// extremity set must be the same.
	forward := run([]*matrix.Event{first, second})
	backward := run([]*matrix.Event{second, first})
	assert.Equal(t, forward, backward)
	assert.Len(t, forward, 2)
}

func TestStoringEventTwiceIsIdempotent(t *testing.T) {
	db := test.NewInMemoryRoomserverDatabase()
	inputer := newTestInputer(db)

	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	res := inputEvents(t, inputer, room.Events()...)
	require.NoError(t, res.Err())

	extremities, _, err := db.LatestEventIDs(context.Background(), room.ID)
	require.NoError(t, err)

	// Replaying the same events must not duplicate anything or move the
	// extremities.
	res = inputEvents(t, inputer, room.Events()...)
	require.NoError(t, res.Err())
	extremitiesAfter, _, err := db.LatestEventIDs(context.Background(), room.ID)
	require.NoError(t, err)
	assert.Equal(t, extremities, extremitiesAfter)
}
