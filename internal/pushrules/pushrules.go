// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package pushrules

// An AccountRuleSets carries the rule sets associated with an account.
type AccountRuleSets struct {
	Global RuleSet `json:"global"` // Required
}

// A RuleSet contains all the various push rules for an account. The
// evaluation order is fixed: override, content, room, sender, underride.
// Legacy content rules are evaluated in their dedicated kind slot rather
// than being folded into override.
type RuleSet struct {
	Override  []*Rule `json:"override,omitempty"`
	Content   []*Rule `json:"content,omitempty"`
	Room      []*Rule `json:"room,omitempty"`
	Sender    []*Rule `json:"sender,omitempty"`
	Underride []*Rule `json:"underride,omitempty"`
}

// A Kind is the type of push rule.
type Kind string

const (
	// OverrideKind is a rule that is evaluated first.
	OverrideKind Kind = "override"
	// ContentKind is a rule that matches the "content.body" field.
	ContentKind Kind = "content"
	// RoomKind is a rule with a rule ID equal to the room ID it affects.
	RoomKind Kind = "room"
	// SenderKind is a rule with a rule ID equal to the user ID it affects.
	SenderKind Kind = "sender"
	// UnderrideKind is a rule that is evaluated last.
	UnderrideKind Kind = "underride"
)

// A Rule contains matchers and its resulting actions.
type Rule struct {
	// RuleID is either a free identifier, a room ID or a user ID, depending
	// on the kind. Required.
	RuleID string `json:"rule_id"`

	// Default indicates whether this is a server-defined default, or has
	// been set by the user.
	Default bool `json:"default"`

	// Enabled allows rules to be soft-disabled.
	Enabled bool `json:"enabled"`

	// Actions describe the desired outcome, should the rule match.
	Actions []*Action `json:"actions"`

	// Conditions apply only to OverrideKind and UnderrideKind rules. All
	// conditions must match for the rule to apply.
	Conditions []*Condition `json:"conditions,omitempty"`

	// Pattern is the body pattern to match for ContentKind rules. Required
	// for that kind. The interpretation is the same as for
	// EventMatchCondition's Pattern field.
	Pattern string `json:"pattern,omitempty"`
}

// An Action is a desired outcome of successfully matching a rule.
type Action struct {
	// Kind is the type of action. Required.
	Kind ActionKind `json:"-"`

	// Tweak and Value are used together with SetTweakKind.
	Tweak TweakKey    `json:"set_tweak,omitempty"`
	Value interface{} `json:"value,omitempty"`
}

// ActionKind is the primary discriminator for actions.
type ActionKind string

const (
	// NotifyAction causes a notification.
	NotifyAction ActionKind = "notify"
	// DontNotifyAction causes no notification.
	DontNotifyAction ActionKind = "dont_notify"
	// CoalesceAction causes a notification that can be grouped with other
	// notifications. Deprecated in favour of NotifyAction.
	CoalesceAction ActionKind = "coalesce"
	// SetTweakAction sets a tweak in the notification.
	SetTweakAction ActionKind = "set_tweak"
)

// A TweakKey describes a tweak to the notification.
type TweakKey string

const (
	// SoundTweak describes which sound to play.
	SoundTweak TweakKey = "sound"
	// HighlightTweak asks to highlight the message.
	HighlightTweak TweakKey = "highlight"
)

// A Condition is a matcher on an event or its room.
type Condition struct {
	// Kind is the type of condition. Required.
	Kind ConditionKind `json:"kind"`

	// Key indicates the dot-separated path of the event field to match
	// for EventMatchCondition.
	Key string `json:"key,omitempty"`

	// Pattern is a glob pattern to match for EventMatchCondition.
	Pattern string `json:"pattern,omitempty"`

	// Is is a relative member count condition for RoomMemberCountCondition,
	// e.g. "2", "<3", ">=10".
	Is string `json:"is,omitempty"`
}

// ConditionKind is the type of condition.
type ConditionKind string

const (
	// EventMatchCondition matches a field against a glob pattern.
	EventMatchCondition ConditionKind = "event_match"
	// ContainsDisplayNameCondition matches the user's display name in the
	// event body.
	ContainsDisplayNameCondition ConditionKind = "contains_display_name"
	// RoomMemberCountCondition compares the room member count.
	RoomMemberCountCondition ConditionKind = "room_member_count"
	// SenderNotificationPermissionCondition checks the sender's power level
	// against the room notification level.
	SenderNotificationPermissionCondition ConditionKind = "sender_notification_permission"
)
