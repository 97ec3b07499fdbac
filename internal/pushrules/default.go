// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package pushrules

// DefaultAccountRuleSets is the complete set of default push rules for an
// account.
func DefaultAccountRuleSets(localpart string, serverName string) *AccountRuleSets {
	return &AccountRuleSets{
		Global: RuleSet{
			Override:  defaultOverrideRules("@" + localpart + ":" + serverName),
			Content:   defaultContentRules(localpart),
			Underride: defaultUnderrideRules,
		},
	}
}

func defaultOverrideRules(userID string) []*Rule {
	return []*Rule{
		{
			RuleID:     ".m.rule.master",
			Default:    true,
			Enabled:    false,
			Conditions: []*Condition{},
			Actions:    []*Action{{Kind: DontNotifyAction}},
		},
		{
			RuleID:  ".m.rule.suppress_notices",
			Default: true,
			Enabled: true,
			Conditions: []*Condition{
				{
					Kind:    EventMatchCondition,
					Key:     "content.msgtype",
					Pattern: "m.notice",
				},
			},
			Actions: []*Action{{Kind: DontNotifyAction}},
		},
		{
			RuleID:  ".m.rule.invite_for_me",
			Default: true,
			Enabled: true,
			Conditions: []*Condition{
				{
					Kind:    EventMatchCondition,
					Key:     "type",
					Pattern: "m.room.member",
				},
				{
					Kind:    EventMatchCondition,
					Key:     "content.membership",
					Pattern: "invite",
				},
				{
					Kind:    EventMatchCondition,
					Key:     "state_key",
					Pattern: userID,
				},
			},
			Actions: []*Action{
				{Kind: NotifyAction},
				{
					Kind:  SetTweakAction,
					Tweak: SoundTweak,
					Value: "default",
				},
			},
		},
		{
			RuleID:  ".m.rule.member_event",
			Default: true,
			Enabled: true,
			Conditions: []*Condition{
				{
					Kind:    EventMatchCondition,
					Key:     "type",
					Pattern: "m.room.member",
				},
			},
			Actions: []*Action{{Kind: DontNotifyAction}},
		},
		{
			RuleID:  ".m.rule.contains_display_name",
			Default: true,
			Enabled: true,
			Conditions: []*Condition{
				{Kind: ContainsDisplayNameCondition},
			},
			Actions: []*Action{
				{Kind: NotifyAction},
				{
					Kind:  SetTweakAction,
					Tweak: SoundTweak,
					Value: "default",
				},
				{
					Kind:  SetTweakAction,
					Tweak: HighlightTweak,
					Value: true,
				},
			},
		},
		{
			RuleID:  ".m.rule.tombstone",
			Default: true,
			Enabled: true,
			Conditions: []*Condition{
				{
					Kind:    EventMatchCondition,
					Key:     "type",
					Pattern: "m.room.tombstone",
				},
				{
					Kind:    EventMatchCondition,
					Key:     "state_key",
					Pattern: "",
				},
			},
			Actions: []*Action{
				{Kind: NotifyAction},
				{
					Kind:  SetTweakAction,
					Tweak: HighlightTweak,
					Value: true,
				},
			},
		},
		{
			RuleID:  ".m.rule.roomnotif",
			Default: true,
			Enabled: true,
			Conditions: []*Condition{
				{
					Kind:    EventMatchCondition,
					Key:     "content.body",
					Pattern: "@room",
				},
				{
					Kind: SenderNotificationPermissionCondition,
					Key:  "room",
				},
			},
			Actions: []*Action{
				{Kind: NotifyAction},
				{
					Kind:  SetTweakAction,
					Tweak: HighlightTweak,
					Value: true,
				},
			},
		},
	}
}

func defaultContentRules(localpart string) []*Rule {
	return []*Rule{
		{
			RuleID:  ".m.rule.contains_user_name",
			Default: true,
			Enabled: true,
			Pattern: localpart,
			Actions: []*Action{
				{Kind: NotifyAction},
				{
					Kind:  SetTweakAction,
					Tweak: SoundTweak,
					Value: "default",
				},
				{
					Kind:  SetTweakAction,
					Tweak: HighlightTweak,
					Value: true,
				},
			},
		},
	}
}

var defaultUnderrideRules = []*Rule{
	{
		RuleID:  ".m.rule.call",
		Default: true,
		Enabled: true,
		Conditions: []*Condition{
			{
				Kind:    EventMatchCondition,
				Key:     "type",
				Pattern: "m.call.invite",
			},
		},
		Actions: []*Action{
			{Kind: NotifyAction},
			{
				Kind:  SetTweakAction,
				Tweak: SoundTweak,
				Value: "ring",
			},
		},
	},
	{
		RuleID:  ".m.rule.room_one_to_one",
		Default: true,
		Enabled: true,
		Conditions: []*Condition{
			{
				Kind: RoomMemberCountCondition,
				Is:   "2",
			},
			{
				Kind:    EventMatchCondition,
				Key:     "type",
				Pattern: "m.room.message",
			},
		},
		Actions: []*Action{
			{Kind: NotifyAction},
			{
				Kind:  SetTweakAction,
				Tweak: SoundTweak,
				Value: "default",
			},
		},
	},
	{
		RuleID:  ".m.rule.message",
		Default: true,
		Enabled: true,
		Conditions: []*Condition{
			{
				Kind:    EventMatchCondition,
				Key:     "type",
				Pattern: "m.room.message",
			},
		},
		Actions: []*Action{{Kind: NotifyAction}},
	},
	{
		RuleID:  ".m.rule.encrypted",
		Default: true,
		Enabled: true,
		Conditions: []*Condition{
			{
				Kind:    EventMatchCondition,
				Key:     "type",
				Pattern: "m.room.encrypted",
			},
		},
		Actions: []*Action{{Kind: NotifyAction}},
	},
}
