// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package matrix

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roomFixture builds the skeleton state of a test room: create, creator
// join, power levels and join rules.
type roomFixture struct {
	t       *testing.T
	creator string
	roomID  string
	depth   int64
	create  *Event
	auth    AuthEvents
	events  []*Event
}

func newRoomFixture(t *testing.T, creator, joinRule string, powerLevels map[string]interface{}) *roomFixture {
	t.Helper()
	f := &roomFixture{
		t:       t,
		creator: creator,
		roomID:  "!room:example.org",
		auth:    NewAuthEvents(nil),
	}
	create := f.buildEvent(creator, MRoomCreate, "", map[string]interface{}{
		"creator":      creator,
		"room_version": string(RoomVersionV10),
	}, nil)
	f.create = create
	f.addState(create)

	join := f.buildEvent(creator, MRoomMember, creator, map[string]interface{}{
		"membership": Join,
	}, []string{create.EventID()})
	f.addState(join)

	if powerLevels == nil {
		powerLevels = map[string]interface{}{
			"users": map[string]interface{}{creator: 100},
		}
	}
	pls := f.buildEvent(creator, MRoomPowerLevels, "", powerLevels, nil)
	f.addState(pls)

	rules := f.buildEvent(creator, MRoomJoinRules, "", map[string]interface{}{
		"join_rule": joinRule,
	}, nil)
	f.addState(rules)
	return f
}

func (f *roomFixture) buildEvent(sender, eventType, stateKey string, content interface{}, prevEvents []string) *Event {
	f.t.Helper()
	f.depth++
	builder := &EventBuilder{
		Sender:     sender,
		RoomID:     f.roomID,
		Type:       eventType,
		StateKey:   &stateKey,
		Depth:      f.depth,
		PrevEvents: prevEvents,
	}
	require.NoError(f.t, builder.SetContent(content))
	event, err := builder.Build(
		time.Unix(1700000000, 0).Add(time.Duration(f.depth)*time.Second),
		testOrigin, testKeyID, testKey(f.t), RoomVersionV10,
	)
	require.NoError(f.t, err)
	return event
}

func (f *roomFixture) buildMessage(sender string, content interface{}) *Event {
	f.t.Helper()
	f.depth++
	builder := &EventBuilder{
		Sender: sender,
		RoomID: f.roomID,
		Type:   "m.room.message",
		Depth:  f.depth,
	}
	require.NoError(f.t, builder.SetContent(content))
	event, err := builder.Build(
		time.Unix(1700000000, 0).Add(time.Duration(f.depth)*time.Second),
		testOrigin, testKeyID, testKey(f.t), RoomVersionV10,
	)
	require.NoError(f.t, err)
	return event
}

func (f *roomFixture) addState(event *Event) {
	require.NoError(f.t, f.auth.AddEvent(event))
	f.events = append(f.events, event)
}

func (f *roomFixture) member(sender, target, membership string) *Event {
	return f.buildEvent(sender, MRoomMember, target, map[string]interface{}{
		"membership": membership,
	}, nil)
}

func TestCreateEventAllowed(t *testing.T) {
	f := newRoomFixture(t, "@creator:example.org", JoinRulePublic, nil)
	assert.NoError(t, Allowed(f.create, &f.auth))

	// A create event from a sender on a different domain than the room is
	// not allowed.
	badCreate := &EventBuilder{
		Sender:   "@creator:other.org",
		RoomID:   "!room:example.org",
		Type:     MRoomCreate,
		StateKey: strptr(""),
		Depth:    1,
	}
	require.NoError(t, badCreate.SetContent(map[string]string{"creator": "@creator:other.org"}))
	event, err := badCreate.Build(time.Now(), ServerName("other.org"), testKeyID, testKey(t), RoomVersionV10)
	require.NoError(t, err)
	assert.Error(t, Allowed(event, &f.auth))
}

func TestAuthIsDeterministicAndPure(t *testing.T) {
	f := newRoomFixture(t, "@creator:example.org", JoinRulePublic, nil)
	message := f.buildMessage("@creator:example.org", map[string]string{"body": "hi"})
	first := Allowed(message, &f.auth)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Allowed(message, &f.auth))
	}
}

func TestSenderMustBeJoined(t *testing.T) {
	f := newRoomFixture(t, "@creator:example.org", JoinRulePublic, nil)
	message := f.buildMessage("@stranger:example.org", map[string]string{"body": "hi"})
	err := Allowed(message, &f.auth)
	var notAllowed *NotAllowed
	assert.ErrorAs(t, err, &notAllowed)
}

func TestMembershipTransitions(t *testing.T) {
	creator := "@creator:example.org"
	joined := "@joined:example.org"
	outsider := "@outsider:example.org"

	setup := func(joinRule string) *roomFixture {
		f := newRoomFixture(t, creator, joinRule, map[string]interface{}{
			"users":  map[string]interface{}{creator: 100},
			"invite": 50,
			"kick":   50,
			"ban":    50,
		})
		f.addState(f.member(joined, joined, Join))
		return f
	}

	t.Run("JoinPublicRoom", func(t *testing.T) {
		f := setup(JoinRulePublic)
		assert.NoError(t, Allowed(f.member(outsider, outsider, Join), &f.auth))
	})

	t.Run("JoinInviteRoomWithoutInvite", func(t *testing.T) {
		f := setup(JoinRuleInvite)
		assert.Error(t, Allowed(f.member(outsider, outsider, Join), &f.auth))
	})

	t.Run("AcceptInvite", func(t *testing.T) {
		f := setup(JoinRuleInvite)
		f.addState(f.member(creator, outsider, Invite))
		assert.NoError(t, Allowed(f.member(outsider, outsider, Join), &f.auth))
	})

	t.Run("DeclineInvite", func(t *testing.T) {
		f := setup(JoinRuleInvite)
		f.addState(f.member(creator, outsider, Invite))
		assert.NoError(t, Allowed(f.member(outsider, outsider, Leave), &f.auth))
	})

	t.Run("InviteRequiresPower", func(t *testing.T) {
		f := setup(JoinRuleInvite)
		// The joined user has the default power level 0, below invite=50.
		assert.Error(t, Allowed(f.member(joined, outsider, Invite), &f.auth))
		assert.NoError(t, Allowed(f.member(creator, outsider, Invite), &f.auth))
	})

	t.Run("InviteToBannedDisallowed", func(t *testing.T) {
		f := setup(JoinRuleInvite)
		f.addState(f.member(creator, outsider, Ban))
		assert.Error(t, Allowed(f.member(creator, outsider, Invite), &f.auth))
	})

	t.Run("KickRequiresPower", func(t *testing.T) {
		f := setup(JoinRulePublic)
		assert.Error(t, Allowed(f.member(joined, creator, Leave), &f.auth))
		assert.NoError(t, Allowed(f.member(creator, joined, Leave), &f.auth))
	})

	t.Run("SelfLeave", func(t *testing.T) {
		f := setup(JoinRulePublic)
		assert.NoError(t, Allowed(f.member(joined, joined, Leave), &f.auth))
	})

	t.Run("BanAndUnban", func(t *testing.T) {
		f := setup(JoinRulePublic)
		assert.NoError(t, Allowed(f.member(creator, joined, Ban), &f.auth))
		f.addState(f.member(creator, joined, Ban))
		// A banned user may not rejoin.
		assert.Error(t, Allowed(f.member(joined, joined, Join), &f.auth))
		// The unbanner needs ban power.
		assert.NoError(t, Allowed(f.member(creator, joined, Leave), &f.auth))
	})

	t.Run("BannedSenderMayNotBan", func(t *testing.T) {
		f := setup(JoinRulePublic)
		f.addState(f.member(creator, joined, Ban))
		assert.Error(t, Allowed(f.member(joined, outsider, Ban), &f.auth))
	})

	t.Run("KnockOnKnockRoom", func(t *testing.T) {
		f := setup(JoinRuleKnock)
		assert.NoError(t, Allowed(f.member(outsider, outsider, Knock), &f.auth))
	})

	t.Run("KnockOnPublicRoomDisallowed", func(t *testing.T) {
		f := setup(JoinRulePublic)
		assert.Error(t, Allowed(f.member(outsider, outsider, Knock), &f.auth))
	})

	t.Run("KnockThenInviteThenJoin", func(t *testing.T) {
		f := setup(JoinRuleKnock)
		f.addState(f.member(outsider, outsider, Knock))
		assert.NoError(t, Allowed(f.member(creator, outsider, Invite), &f.auth))
		f.addState(f.member(creator, outsider, Invite))
		assert.NoError(t, Allowed(f.member(outsider, outsider, Join), &f.auth))
	})

	t.Run("JoinedUserMayNotKnock", func(t *testing.T) {
		f := setup(JoinRuleKnock)
		assert.Error(t, Allowed(f.member(joined, joined, Knock), &f.auth))
	})
}

func TestPowerLevelChanges(t *testing.T) {
	creator := "@creator:example.org"
	mod := "@mod:example.org"

	f := newRoomFixture(t, creator, JoinRulePublic, map[string]interface{}{
		"users": map[string]interface{}{creator: 100, mod: 50},
	})
	f.addState(f.member(mod, mod, Join))

	// The moderator may not promote themselves above their own level.
	overreach := f.buildEvent(mod, MRoomPowerLevels, "", map[string]interface{}{
		"users": map[string]interface{}{creator: 100, mod: 75},
	}, nil)
	assert.Error(t, Allowed(overreach, &f.auth))

	// The moderator may reduce their own level.
	reduce := f.buildEvent(mod, MRoomPowerLevels, "", map[string]interface{}{
		"users": map[string]interface{}{creator: 100, mod: 25},
	}, nil)
	assert.NoError(t, Allowed(reduce, &f.auth))

	// The moderator may not change the creator's level.
	demote := f.buildEvent(mod, MRoomPowerLevels, "", map[string]interface{}{
		"users": map[string]interface{}{creator: 50, mod: 50},
	}, nil)
	assert.Error(t, Allowed(demote, &f.auth))

	// The creator can do all of the above.
	promote := f.buildEvent(creator, MRoomPowerLevels, "", map[string]interface{}{
		"users": map[string]interface{}{creator: 100, mod: 75},
	}, nil)
	assert.NoError(t, Allowed(promote, &f.auth))
}

func TestStateNeededForAuth(t *testing.T) {
	f := newRoomFixture(t, "@creator:example.org", JoinRulePublic, nil)
	join := f.member("@u:example.org", "@u:example.org", Join)
	needed := StateNeededForAuth([]*Event{join})
	assert.True(t, needed.Create)
	assert.True(t, needed.PowerLevels)
	assert.True(t, needed.JoinRules)
	assert.Equal(t, []string{"@u:example.org"}, needed.Member)

	message := f.buildMessage("@u:example.org", map[string]string{"body": "x"})
	needed = StateNeededForAuth([]*Event{message})
	assert.True(t, needed.Create)
	assert.True(t, needed.PowerLevels)
	assert.False(t, needed.JoinRules)
}
