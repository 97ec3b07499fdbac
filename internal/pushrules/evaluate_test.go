// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package pushrules

import (
	"crypto/ed25519"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/element-hq/spire/matrix"
)

type fakeEvaluationContext struct {
	displayName string
	memberCount int
	powerful    bool
}

func (f *fakeEvaluationContext) UserDisplayName() string { return f.displayName }
func (f *fakeEvaluationContext) RoomMemberCount() (int, error) {
	return f.memberCount, nil
}
func (f *fakeEvaluationContext) HasPowerLevel(senderID, levelKey string) (bool, error) {
	return f.powerful, nil
}

func buildEvent(t *testing.T, eventType string, content map[string]interface{}) *matrix.Event {
	t.Helper()
	builder := &matrix.EventBuilder{
		Sender: "@sender:example.org",
		RoomID: "!room:example.org",
		Type:   eventType,
		Depth:  1,
	}
	if err := builder.SetContent(content); err != nil {
		t.Fatal(err)
	}
	key := ed25519.NewKeyFromSeed([]byte(strings.Repeat("p", ed25519.SeedSize)))
	event, err := builder.Build(time.Unix(1700000000, 0), "example.org", "ed25519:1", key, matrix.RoomVersionV10)
	if err != nil {
		t.Fatal(err)
	}
	return event
}

func TestDefaultMessageRuleNotifies(t *testing.T) {
	ec := &fakeEvaluationContext{displayName: "Ann", memberCount: 5}
	rs := DefaultAccountRuleSets("ann", "example.org")
	ev := NewRuleSetEvaluator(ec, &rs.Global)

	rule, err := ev.MatchEvent(buildEvent(t, "m.room.message", map[string]interface{}{
		"msgtype": "m.text",
		"body":    "hello world",
	}))
	assert.NilError(t, err)
	assert.Assert(t, rule != nil)
	assert.Equal(t, rule.RuleID, ".m.rule.message")
	notify, _, highlight := ActionsToNotification(rule.Actions)
	assert.Equal(t, notify, true)
	assert.Equal(t, highlight, false)
}

func TestDisplayNameMentionHighlights(t *testing.T) {
	ec := &fakeEvaluationContext{displayName: "Ann", memberCount: 5}
	rs := DefaultAccountRuleSets("ann", "example.org")
	ev := NewRuleSetEvaluator(ec, &rs.Global)

	rule, err := ev.MatchEvent(buildEvent(t, "m.room.message", map[string]interface{}{
		"msgtype": "m.text",
		"body":    "hey Ann, are you around?",
	}))
	assert.NilError(t, err)
	assert.Assert(t, rule != nil)
	assert.Equal(t, rule.RuleID, ".m.rule.contains_display_name")
	notify, sound, highlight := ActionsToNotification(rule.Actions)
	assert.Equal(t, notify, true)
	assert.Equal(t, sound, "default")
	assert.Equal(t, highlight, true)
}

func TestNoticesSuppressed(t *testing.T) {
	ec := &fakeEvaluationContext{displayName: "Ann", memberCount: 5}
	rs := DefaultAccountRuleSets("ann", "example.org")
	ev := NewRuleSetEvaluator(ec, &rs.Global)

	rule, err := ev.MatchEvent(buildEvent(t, "m.room.message", map[string]interface{}{
		"msgtype": "m.notice",
		"body":    "automated message",
	}))
	assert.NilError(t, err)
	assert.Assert(t, rule != nil)
	assert.Equal(t, rule.RuleID, ".m.rule.suppress_notices")
	notify, _, _ := ActionsToNotification(rule.Actions)
	assert.Equal(t, notify, false)
}

func TestOneToOneRuleBeatsMessageRule(t *testing.T) {
	// The evaluation order is pinned: with two members in the room, the
	// one-to-one underride rule matches before the general message rule.
	ec := &fakeEvaluationContext{displayName: "Ann", memberCount: 2}
	rs := DefaultAccountRuleSets("ann", "example.org")
	ev := NewRuleSetEvaluator(ec, &rs.Global)

	rule, err := ev.MatchEvent(buildEvent(t, "m.room.message", map[string]interface{}{
		"msgtype": "m.text",
		"body":    "just us",
	}))
	assert.NilError(t, err)
	assert.Assert(t, rule != nil)
	assert.Equal(t, rule.RuleID, ".m.rule.room_one_to_one")
}

func TestContentRuleBeatsUnderride(t *testing.T) {
	// Legacy content rules are evaluated in the content slot, ahead of
	// underride rules.
	ec := &fakeEvaluationContext{displayName: "Annabel Smith", memberCount: 10}
	rs := DefaultAccountRuleSets("ann", "example.org")
	ev := NewRuleSetEvaluator(ec, &rs.Global)

	rule, err := ev.MatchEvent(buildEvent(t, "m.room.message", map[string]interface{}{
		"msgtype": "m.text",
		"body":    "ann should see this",
	}))
	assert.NilError(t, err)
	assert.Assert(t, rule != nil)
	assert.Equal(t, rule.RuleID, ".m.rule.contains_user_name")
}

func TestRoomMemberCountCondition(t *testing.T) {
	for _, tc := range []struct {
		is    string
		count int
		want  bool
	}{
		{"2", 2, true},
		{"2", 3, false},
		{"<3", 2, true},
		{">=10", 10, true},
		{">10", 10, false},
		{"<=1", 1, true},
	} {
		cmp, err := parseRoomMemberCountCondition(tc.is)
		assert.NilError(t, err)
		assert.Equal(t, cmp(tc.count), tc.want, "is=%q count=%d", tc.is, tc.count)
	}
}

func TestMasterRuleDisabledByDefault(t *testing.T) {
	rs := DefaultAccountRuleSets("ann", "example.org")
	assert.Equal(t, rs.Global.Override[0].RuleID, ".m.rule.master")
	assert.Equal(t, rs.Global.Override[0].Enabled, false)
}
