// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package matrix

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolvedIDs(events []*Event) []string {
	ids := make([]string, 0, len(events))
	for _, event := range events {
		ids = append(ids, event.EventID())
	}
	return ids
}

// reverse returns a reversed copy of the input, leaving the input untouched.
func reverse(events []*Event) []*Event {
	out := make([]*Event, len(events))
	for i, event := range events {
		out[len(events)-1-i] = event
	}
	return out
}

func TestSeparateStateConflicts(t *testing.T) {
	f := newRoomFixture(t, "@creator:example.org", JoinRulePublic, nil)
	topic1 := f.buildEvent("@creator:example.org", MRoomTopic, "", map[string]string{"topic": "one"}, nil)
	topic2 := f.buildEvent("@creator:example.org", MRoomTopic, "", map[string]string{"topic": "two"}, nil)

	all := append(append([]*Event{}, f.events...), topic1, topic2)
	conflicted, unconflicted := SeparateStateConflicts(all)
	assert.Len(t, conflicted, 2)
	assert.Len(t, unconflicted, len(f.events))
}

func TestResolveStateConflictsPicksOneTopic(t *testing.T) {
	f := newRoomFixture(t, "@creator:example.org", JoinRulePublic, nil)
	topic1 := f.buildEvent("@creator:example.org", MRoomTopic, "", map[string]string{"topic": "one"}, nil)
	topic2 := f.buildEvent("@creator:example.org", MRoomTopic, "", map[string]string{"topic": "two"}, nil)

	// Give the conflicted events the auth events they claim to need.
	authEvents := append([]*Event{}, f.events...)

	resolved := ResolveStateConflictsV2(
		[]*Event{topic1, topic2},
		f.events,
		authEvents,
	)

	// One topic must win and the unconflicted state must survive intact.
	var topics []*Event
	for _, event := range resolved {
		if event.Type() == MRoomTopic {
			topics = append(topics, event)
		}
	}
	require.Len(t, topics, 1)
	assert.Len(t, resolved, len(f.events)+1)
}

func TestResolveStateConflictsDeterministic(t *testing.T) {
	f := newRoomFixture(t, "@creator:example.org", JoinRulePublic, nil)
	memberA1 := f.member("@creator:example.org", "@a:example.org", Invite)
	memberA2 := f.member("@creator:example.org", "@a:example.org", Ban)
	topic1 := f.buildEvent("@creator:example.org", MRoomTopic, "", map[string]string{"topic": "one"}, nil)
	topic2 := f.buildEvent("@creator:example.org", MRoomTopic, "", map[string]string{"topic": "two"}, nil)

	conflicted := []*Event{memberA1, memberA2, topic1, topic2}
	authEvents := append([]*Event{}, f.events...)

	baseline := resolvedIDs(ResolveStateConflictsV2(conflicted, f.events, authEvents))

	// The same inputs must resolve identically across runs and across
	// permutations of the input order.
	for i := 0; i < 5; i++ {
		again := resolvedIDs(ResolveStateConflictsV2(conflicted, f.events, authEvents))
		if diff := cmp.Diff(baseline, again); diff != "" {
			t.Fatalf("state resolution was not deterministic (-want +got):\n%s", diff)
		}
	}
	permuted := resolvedIDs(ResolveStateConflictsV2(reverse(conflicted), reverse(f.events), authEvents))
	if diff := cmp.Diff(baseline, permuted); diff != "" {
		t.Fatalf("state resolution depended on input order (-want +got):\n%s", diff)
	}
}

func TestAuthDifference(t *testing.T) {
	f := newRoomFixture(t, "@creator:example.org", JoinRulePublic, nil)
	shared := f.events[0]
	onlyInFirst := f.events[1]

	chainA := map[string]*Event{
		shared.EventID():      shared,
		onlyInFirst.EventID(): onlyInFirst,
	}
	chainB := map[string]*Event{
		shared.EventID(): shared,
	}

	difference := AuthDifference(chainA, chainB)
	require.Len(t, difference, 1)
	assert.Equal(t, onlyInFirst.EventID(), difference[0].EventID())
}
