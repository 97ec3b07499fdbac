// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"crypto/ed25519"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/element-hq/spire/matrix"
)

// ServerName is the server name used by test fixtures.
const ServerName = matrix.ServerName("test.local")

// KeyID is the signing key ID used by test fixtures.
const KeyID = matrix.KeyID("ed25519:test")

// PrivateKey is the deterministic signing key used by test fixtures.
var PrivateKey = ed25519.NewKeyFromSeed([]byte(strings.Repeat("t", ed25519.SeedSize)))

var userCounter atomic.Int64

// User is a test user.
type User struct {
	ID string
}

// NewUser creates a test user with a unique ID.
func NewUser(t *testing.T) *User {
	t.Helper()
	return &User{
		ID: fmt.Sprintf("@user%d:%s", userCounter.Add(1), ServerName),
	}
}

var roomCounter atomic.Int64

// Room is a test room: a DAG of correctly chained, signed events.
type Room struct {
	ID      string
	Version matrix.RoomVersion

	creator *User
	depth   int64
	events  []*matrix.Event
	// state maps slots to the latest event for that slot, used to select
	// auth events for subsequent events.
	state map[matrix.StateKeyTuple]*matrix.Event
}

// RoomOption modifies the initial state of a test room.
type RoomOption func(*roomOptions)

type roomOptions struct {
	joinRule string
}

// RoomJoinRule sets the initial join rule of the test room.
func RoomJoinRule(rule string) RoomOption {
	return func(o *roomOptions) { o.joinRule = rule }
}

// NewRoom creates a test room with the usual creation events: create,
// creator join, power levels and join rules.
func NewRoom(t *testing.T, creator *User, options ...RoomOption) *Room {
	t.Helper()
	opts := roomOptions{joinRule: matrix.JoinRulePublic}
	for _, option := range options {
		option(&opts)
	}
	r := &Room{
		ID:      fmt.Sprintf("!room%d:%s", roomCounter.Add(1), ServerName),
		Version: matrix.DefaultRoomVersion,
		creator: creator,
		state:   map[matrix.StateKeyTuple]*matrix.Event{},
	}
	r.CreateEvent(t, creator, matrix.MRoomCreate, "", map[string]interface{}{
		"creator":      creator.ID,
		"room_version": string(r.Version),
	})
	r.CreateEvent(t, creator, matrix.MRoomMember, creator.ID, map[string]interface{}{
		"membership": matrix.Join,
	})
	r.CreateEvent(t, creator, matrix.MRoomPowerLevels, "", map[string]interface{}{
		"users":  map[string]interface{}{creator.ID: 100},
		"invite": 50,
		"kick":   50,
		"ban":    50,
	})
	r.CreateEvent(t, creator, matrix.MRoomJoinRules, "", map[string]interface{}{
		"join_rule": opts.joinRule,
	})
	return r
}

// Events returns all the events created in the room so far, in order.
func (r *Room) Events() []*matrix.Event {
	return append([]*matrix.Event{}, r.events...)
}

// CurrentState returns the latest event for every state slot.
func (r *Room) CurrentState() []*matrix.Event {
	events := make([]*matrix.Event, 0, len(r.state))
	for _, event := range r.state {
		events = append(events, event)
	}
	return events
}

// CreateEvent builds, chains and signs a state event in the room.
func (r *Room) CreateEvent(t *testing.T, sender *User, eventType, stateKey string, content interface{}) *matrix.Event {
	t.Helper()
	return r.buildEvent(t, sender, eventType, &stateKey, content)
}

// CreateMessage builds, chains and signs a message event in the room.
func (r *Room) CreateMessage(t *testing.T, sender *User, content interface{}) *matrix.Event {
	t.Helper()
	return r.buildEvent(t, sender, "m.room.message", nil, content)
}

func (r *Room) buildEvent(t *testing.T, sender *User, eventType string, stateKey *string, content interface{}) *matrix.Event {
	t.Helper()
	r.depth++
	builder := &matrix.EventBuilder{
		Sender:   sender.ID,
		RoomID:   r.ID,
		Type:     eventType,
		StateKey: stateKey,
		Depth:    r.depth,
	}
	if err := builder.SetContent(content); err != nil {
		t.Fatalf("SetContent: %v", err)
	}
	if len(r.events) > 0 {
		builder.PrevEvents = []string{r.events[len(r.events)-1].EventID()}
	}
	builder.AuthEvents = r.authEventIDsFor(t, builder)
	event, err := builder.Build(
		time.Unix(1700000000, 0).Add(time.Duration(r.depth)*time.Second),
		ServerName, KeyID, PrivateKey, r.Version,
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	r.events = append(r.events, event)
	if stateKey != nil {
		r.state[matrix.StateKeyTuple{EventType: eventType, StateKey: *stateKey}] = event
	}
	return event
}

func (r *Room) authEventIDsFor(t *testing.T, builder *matrix.EventBuilder) []string {
	t.Helper()
	if builder.Type == matrix.MRoomCreate {
		return nil
	}
	needed, err := matrix.StateNeededForEventBuilder(builder)
	if err != nil {
		t.Fatalf("StateNeededForEventBuilder: %v", err)
	}
	var authEventIDs []string
	for _, tuple := range needed.Tuples() {
		if event, ok := r.state[tuple]; ok {
			authEventIDs = append(authEventIDs, event.EventID())
		}
	}
	return authEventIDs
}
