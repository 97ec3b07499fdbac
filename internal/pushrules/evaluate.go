// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package pushrules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/element-hq/spire/matrix"
)

// A RuleSetEvaluator encapsulates context to evaluate an event against a rule
// set.
type RuleSetEvaluator struct {
	ec      EvaluationContext
	ruleSet []kindAndRules
}

// An EvaluationContext gives a RuleSetEvaluator access to the room state it
// needs for condition evaluation.
type EvaluationContext interface {
	// UserDisplayName returns the current user's display name.
	UserDisplayName() string

	// RoomMemberCount returns the number of members in the room of the
	// current event.
	RoomMemberCount() (int, error)

	// HasPowerLevel returns whether the user has at least the given power
	// level in the room of the current event.
	HasPowerLevel(senderID, levelKey string) (bool, error)
}

// A kindAndRules is just here to simplify iteration of the (ordered) kinds
// of rules.
type kindAndRules struct {
	Kind  Kind
	Rules []*Rule
}

// NewRuleSetEvaluator creates a new evaluator for the given rule set. The
// kind evaluation order is pinned: override, content, room, sender,
// underride.
func NewRuleSetEvaluator(ec EvaluationContext, ruleSet *RuleSet) *RuleSetEvaluator {
	return &RuleSetEvaluator{
		ec: ec,
		ruleSet: []kindAndRules{
			{OverrideKind, ruleSet.Override},
			{ContentKind, ruleSet.Content},
			{RoomKind, ruleSet.Room},
			{SenderKind, ruleSet.Sender},
			{UnderrideKind, ruleSet.Underride},
		},
	}
}

// MatchEvent returns the first matching rule. Returns nil if there was no
// match and no error.
func (rse *RuleSetEvaluator) MatchEvent(event *matrix.Event) (*Rule, error) {
	// TODO: server-default rules have lower priority than user rules, but
	// as written here the default rules are interleaved with user rules by
	// kind. Dendrite and Synapse do the same.
	for _, rsat := range rse.ruleSet {
		for _, rule := range rsat.Rules {
			ok, err := ruleMatches(rule, rsat.Kind, event, rse.ec)
			if err != nil {
				return nil, err
			}
			if ok {
				return rule, nil
			}
		}
	}

	// No matching rule.
	return nil, nil
}

func ruleMatches(rule *Rule, kind Kind, event *matrix.Event, ec EvaluationContext) (bool, error) {
	if !rule.Enabled {
		return false, nil
	}

	switch kind {
	case OverrideKind, UnderrideKind:
		for _, cond := range rule.Conditions {
			ok, err := conditionMatches(cond, event, ec)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case ContentKind:
		// TODO: "These configure behaviour for (unencrypted) messages that
		// match certain patterns." - Does that mean "content.body" is
		// guaranteed to exist for these events?
		if rule.Pattern == "" {
			return false, nil
		}
		return patternMatches("content.body", rule.Pattern, event)

	case RoomKind:
		return rule.RuleID == event.RoomID(), nil

	case SenderKind:
		return rule.RuleID == event.Sender(), nil

	default:
		return false, nil
	}
}

func conditionMatches(cond *Condition, event *matrix.Event, ec EvaluationContext) (bool, error) {
	switch cond.Kind {
	case EventMatchCondition:
		if cond.Key == "" {
			return false, fmt.Errorf("pushrules: missing event_match condition key")
		}
		return patternMatches(cond.Key, cond.Pattern, event)

	case ContainsDisplayNameCondition:
		return patternMatches("content.body", ec.UserDisplayName(), event)

	case RoomMemberCountCondition:
		cmp, err := parseRoomMemberCountCondition(cond.Is)
		if err != nil {
			return false, fmt.Errorf("pushrules: parsing room_member_count condition: %w", err)
		}
		n, err := ec.RoomMemberCount()
		if err != nil {
			return false, fmt.Errorf("pushrules: fetching room member count: %w", err)
		}
		return cmp(n), nil

	case SenderNotificationPermissionCondition:
		if cond.Key == "" {
			return false, fmt.Errorf("pushrules: missing sender_notification_permission condition key")
		}
		return ec.HasPowerLevel(event.Sender(), cond.Key)

	default:
		// An unknown condition can never match, but is not an error: new
		// condition kinds must not break old servers.
		return false, nil
	}
}

func patternMatches(key, pattern string, event *matrix.Event) (bool, error) {
	// It doesn't make sense for an empty pattern to match anything.
	if pattern == "" {
		return false, nil
	}

	re, err := globToRegexp(pattern)
	if err != nil {
		return false, err
	}

	var value string
	switch key {
	case "type":
		value = event.Type()
	case "sender":
		value = event.Sender()
	case "room_id":
		value = event.RoomID()
	case "state_key":
		if event.StateKey() == nil {
			return false, nil
		}
		value = *event.StateKey()
	default:
		if !strings.HasPrefix(key, "content.") {
			return false, nil
		}
		result := gjson.GetBytes(event.Content(), strings.TrimPrefix(key, "content."))
		if !result.Exists() {
			return false, nil
		}
		value = result.String()
	}

	// Patterns are lowercased in globToRegexp, so lowercase the value too
	// for a case-insensitive match.
	return re.MatchString(strings.ToLower(value)), nil
}

// globToRegexp converts a Matrix glob-style pattern to a regexp. Patterns
// without glob characters are matched as whole words rather than exactly.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	pattern = strings.ToLower(pattern)
	if !strings.ContainsAny(pattern, "*?") {
		pattern = regexp.QuoteMeta(pattern)
		return regexp.Compile(`(^|\W)` + pattern + `($|\W)`)
	}
	pattern = regexp.QuoteMeta(pattern)
	pattern = strings.ReplaceAll(pattern, `\*`, `.*`)
	pattern = strings.ReplaceAll(pattern, `\?`, `.`)
	return regexp.Compile("^" + pattern + "$")
}

// parseRoomMemberCountCondition parses an "is" condition of the form
// "2", "<3", ">=10" into a comparator function.
func parseRoomMemberCountCondition(s string) (func(int) bool, error) {
	var b int
	var cmp = func(a int) bool { return a == b }
	switch {
	case strings.HasPrefix(s, "<="):
		cmp = func(a int) bool { return a <= b }
		s = s[2:]
	case strings.HasPrefix(s, ">="):
		cmp = func(a int) bool { return a >= b }
		s = s[2:]
	case strings.HasPrefix(s, "<"):
		cmp = func(a int) bool { return a < b }
		s = s[1:]
	case strings.HasPrefix(s, ">"):
		cmp = func(a int) bool { return a > b }
		s = s[1:]
	case strings.HasPrefix(s, "=="):
		// Synapse extension.
		s = s[2:]
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, err
	}
	b = int(v)
	return cmp, nil
}

// ActionsToNotification works out the high-level outcome of a matched
// rule's actions: whether to notify and which tweaks apply.
func ActionsToNotification(actions []*Action) (notify bool, sound string, highlight bool) {
	for _, action := range actions {
		switch action.Kind {
		case NotifyAction, CoalesceAction:
			notify = true
		case DontNotifyAction:
			notify = false
		case SetTweakAction:
			switch action.Tweak {
			case SoundTweak:
				if s, ok := action.Value.(string); ok {
					sound = s
				}
			case HighlightTweak:
				if b, ok := action.Value.(bool); ok {
					highlight = b
				} else {
					// A set_tweak with no value defaults to true.
					highlight = action.Value == nil
				}
			}
		}
	}
	return
}
