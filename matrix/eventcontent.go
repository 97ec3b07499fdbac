/* Copyright 2017 Vector Creations Ltd
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package matrix

import (
	"encoding/json"
	"strconv"
)

// CreateContent is the JSON content of a m.room.create event along with
// the top level keys needed for auth.
// See https://matrix.org/docs/spec/client_server/r0.2.0.html#m-room-create for descriptions of the fields.
type CreateContent struct {
	// We need the domain of the create event when checking federatability.
	senderDomain string
	// We need the roomID to check that events are in the same room as the create event.
	roomID string
	// We need the eventID to check the first join event in the room.
	eventID string
	// The "m.federate" flag tells us whether the room can be federated to other servers.
	Federate *bool `json:"m.federate,omitempty"`
	// The creator of the room tells us what the default power levels are.
	Creator string `json:"creator,omitempty"`
	// The room version of the room.
	RoomVersion *RoomVersion `json:"room_version,omitempty"`
}

// NewCreateContentFromAuthEvents loads the create event content from the
// create event in the auth events.
func NewCreateContentFromAuthEvents(authEvents AuthEventProvider) (c CreateContent, err error) {
	var createEvent *Event
	if createEvent, err = authEvents.Create(); err != nil {
		return
	}
	if createEvent == nil {
		err = errorf("missing create event")
		return
	}
	if err = json.Unmarshal(createEvent.Content(), &c); err != nil {
		err = errorf("unparsable create event content: %s", err.Error())
		return
	}
	c.roomID = createEvent.RoomID()
	c.eventID = createEvent.EventID()
	if c.senderDomain, err = domainFromID(createEvent.Sender()); err != nil {
		return
	}
	return
}

// DomainAllowed checks whether the domain is allowed in the room by the
// "m.federate" flag.
func (c *CreateContent) DomainAllowed(domain string) error {
	if domain == c.senderDomain {
		// If the domain matches the domain of the create event then the event
		// is always allowed regardless of the value of the "m.federate" flag.
		return nil
	}
	if c.Federate == nil || *c.Federate {
		// The m.federate field defaults to true.
		// If the domains are different then event is only allowed if the
		// "m.federate" flag is absent or true.
		return nil
	}
	return errorf("room is unfederatable")
}

// UserIDAllowed checks whether the domain part of the user ID is allowed in
// the room by the "m.federate" flag.
func (c *CreateContent) UserIDAllowed(id string) error {
	domain, err := domainFromID(id)
	if err != nil {
		return err
	}
	return c.DomainAllowed(domain)
}

// MemberContent is the JSON content of a m.room.member event needed for auth checks.
// See https://matrix.org/docs/spec/client_server/r0.2.0.html#m-room-member for descriptions of the fields.
type MemberContent struct {
	// We use the membership key in order to check if the user is in the room.
	Membership string `json:"membership"`
	// Optional fields carried on membership events.
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Reason      string `json:"reason,omitempty"`
	IsDirect    bool   `json:"is_direct,omitempty"`
	// We use the third_party_invite key to special case thirdparty invites.
	ThirdPartyInvite *MemberThirdPartyInvite `json:"third_party_invite,omitempty"`
	// The user ID, on the authorising server, that authorised a
	// restricted-room join, if any.
	AuthorisedVia string `json:"join_authorised_via_users_server,omitempty"`
}

// MemberThirdPartyInvite is the "Invite" structure defined at http://matrix.org/docs/spec/client_server/r0.2.0.html#m-room-member
type MemberThirdPartyInvite struct {
	DisplayName string                       `json:"display_name"`
	Signed      MemberThirdPartyInviteSigned `json:"signed"`
}

// MemberThirdPartyInviteSigned is the "signed" structure defined at http://matrix.org/docs/spec/client_server/r0.2.0.html#m-room-member
type MemberThirdPartyInviteSigned struct {
	MXID       string                             `json:"mxid"`
	Signatures map[string]map[string]Base64String `json:"signatures"`
	Token      string                             `json:"token"`
}

// NewMemberContentFromAuthEvents loads the member content from the member event for the user ID in the auth events.
// Returns an error if there was an error loading the member event or parsing the event content.
func NewMemberContentFromAuthEvents(authEvents AuthEventProvider, userID string) (c MemberContent, err error) {
	var memberEvent *Event
	if memberEvent, err = authEvents.Member(userID); err != nil {
		return
	}
	if memberEvent == nil {
		// If there isn't a member event then the membership for the user
		// defaults to leave.
		c.Membership = Leave
		return
	}
	return NewMemberContentFromEvent(memberEvent)
}

// NewMemberContentFromEvent parses the member content from an event.
// Returns an error if the content couldn't be parsed.
func NewMemberContentFromEvent(event *Event) (c MemberContent, err error) {
	if err = json.Unmarshal(event.Content(), &c); err != nil {
		err = errorf("unparsable member event content: %s", err.Error())
		return
	}
	return
}

// JoinRuleContent is the JSON content of a m.room.join_rules event needed for auth checks.
// See  https://matrix.org/docs/spec/client_server/r0.2.0.html#m-room-join-rules for descriptions of the fields.
type JoinRuleContent struct {
	// We use the join_rule key to check whether join m.room.member events are allowed.
	JoinRule string `json:"join_rule"`
	// Allow conditions for restricted rooms.
	Allow []JoinRuleContentAllowRule `json:"allow,omitempty"`
}

// JoinRuleContentAllowRule is a single condition under the "allow" key of a
// restricted join rule.
type JoinRuleContentAllowRule struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// The allow rule type for room membership conditions.
const JoinRuleAllowRoomMembership = "m.room_membership"

// NewJoinRuleContentFromAuthEvents loads the join rule content from the join rules event in the auth event.
// Returns an error if there was an error loading the join rule event or parsing the content.
func NewJoinRuleContentFromAuthEvents(authEvents AuthEventProvider) (c JoinRuleContent, err error) {
	var joinRulesEvent *Event
	if joinRulesEvent, err = authEvents.JoinRules(); err != nil {
		return
	}
	if joinRulesEvent == nil {
		// Default to "invite"
		// https://github.com/matrix-org/synapse/blob/v0.18.5/synapse/api/auth.py#L368
		c.JoinRule = JoinRuleInvite
		return
	}
	if err = json.Unmarshal(joinRulesEvent.Content(), &c); err != nil {
		err = errorf("unparsable join_rules event content: %s", err.Error())
		return
	}
	return
}

// PowerLevelContent is the JSON content of a m.room.power_levels event needed for auth checks.
// See https://matrix.org/docs/spec/client_server/r0.2.0.html#m-room-power-levels for descriptions of the fields.
type PowerLevelContent struct {
	banLevel          int64
	inviteLevel       int64
	kickLevel         int64
	redactLevel       int64
	userLevels        map[string]int64
	userDefaultLevel  int64
	eventLevels       map[string]int64
	eventDefaultLevel int64
	stateDefaultLevel int64
}

// UserLevel returns the power level a user has in the room.
func (c *PowerLevelContent) UserLevel(userID string) int64 {
	level, ok := c.userLevels[userID]
	if ok {
		return level
	}
	return c.userDefaultLevel
}

// EventLevel returns the power level needed to send an event in the room.
func (c *PowerLevelContent) EventLevel(eventType string, isState bool) int64 {
	if eventType == MRoomThirdPartyInvite {
		// Special case third_party_invite events to have the same level as
		// invite events.
		// https://github.com/matrix-org/synapse/blob/v0.18.5/synapse/api/auth.py#L182
		return c.inviteLevel
	}
	level, ok := c.eventLevels[eventType]
	if ok {
		return level
	}
	if isState {
		return c.stateDefaultLevel
	}
	return c.eventDefaultLevel
}

// BanLevel returns the power level needed to ban.
func (c *PowerLevelContent) BanLevel() int64 { return c.banLevel }

// InviteLevel returns the power level needed to invite.
func (c *PowerLevelContent) InviteLevel() int64 { return c.inviteLevel }

// KickLevel returns the power level needed to kick.
func (c *PowerLevelContent) KickLevel() int64 { return c.kickLevel }

// RedactLevel returns the power level needed to redact.
func (c *PowerLevelContent) RedactLevel() int64 { return c.redactLevel }

// UserLevels returns the per-user power level overrides.
func (c *PowerLevelContent) UserLevels() map[string]int64 { return c.userLevels }

// EventLevels returns the per-event-type power level overrides.
func (c *PowerLevelContent) EventLevels() map[string]int64 { return c.eventLevels }

// UserDefaultLevel returns the default power level for users.
func (c *PowerLevelContent) UserDefaultLevel() int64 { return c.userDefaultLevel }

// StateDefaultLevel returns the default level needed to send state events.
func (c *PowerLevelContent) StateDefaultLevel() int64 { return c.stateDefaultLevel }

// EventDefaultLevel returns the default level needed to send message events.
func (c *PowerLevelContent) EventDefaultLevel() int64 { return c.eventDefaultLevel }

// NewPowerLevelContentFromAuthEvents loads the power level content from the
// power level event in the auth events or returns the default values if there
// is no power level event.
func NewPowerLevelContentFromAuthEvents(authEvents AuthEventProvider, creatorUserID string) (c PowerLevelContent, err error) {
	powerLevelsEvent, err := authEvents.PowerLevels()
	if err != nil {
		return
	}
	if powerLevelsEvent != nil {
		return NewPowerLevelContentFromEvent(powerLevelsEvent)
	}

	// If there are no power levels then fall back to defaults.
	c.Defaults()
	// If there is no power level event then the creator gets level 100
	// https://github.com/matrix-org/synapse/blob/v0.18.5/synapse/api/auth.py#L569
	c.userLevels = map[string]int64{creatorUserID: 100}
	// If there is no power level event then the state_default is level 0
	// https://github.com/matrix-org/synapse/blob/v0.18.5/synapse/api/auth.py#L997
	c.stateDefaultLevel = 0
	return
}

// Defaults sets the power levels to their default values.
func (c *PowerLevelContent) Defaults() {
	// Default invite level is 0.
	// https://github.com/matrix-org/synapse/blob/v0.18.5/synapse/api/auth.py#L426
	c.inviteLevel = 0
	// Default ban, kick and redacts levels are 50
	// https://github.com/matrix-org/synapse/blob/v0.18.5/synapse/api/auth.py#L376
	c.banLevel = 50
	c.kickLevel = 50
	c.redactLevel = 50
	// Default user level is 0
	// https://github.com/matrix-org/synapse/blob/v0.18.5/synapse/api/auth.py#L558
	c.userDefaultLevel = 0
	// Default event level is 0, Default state level is 50
	// https://github.com/matrix-org/synapse/blob/v0.18.5/synapse/api/auth.py#L987
	// https://github.com/matrix-org/synapse/blob/v0.18.5/synapse/api/auth.py#L991
	c.eventDefaultLevel = 0
	c.stateDefaultLevel = 50
}

// NewPowerLevelContentFromEvent loads the power level content from an event.
func NewPowerLevelContentFromEvent(event *Event) (c PowerLevelContent, err error) {
	// Set the levels to their default values.
	c.Defaults()

	strict, err := event.Version().EnforceIntegerPowerLevels()
	if err != nil {
		return
	}

	// We can't extract the JSON directly to the powerLevelContent because we
	// need to convert the level values from JSON numbers or strings to int64s.
	var content struct {
		InviteLevel       levelJSONValue            `json:"invite"`
		BanLevel          levelJSONValue            `json:"ban"`
		KickLevel         levelJSONValue            `json:"kick"`
		RedactLevel       levelJSONValue            `json:"redact"`
		UserLevels        map[string]levelJSONValue `json:"users"`
		UsersDefaultLevel levelJSONValue            `json:"users_default"`
		EventLevels       map[string]levelJSONValue `json:"events"`
		StateDefaultLevel levelJSONValue            `json:"state_default"`
		EventDefaultLevel levelJSONValue            `json:"events_default"`
	}
	if err = json.Unmarshal(event.Content(), &content); err != nil {
		err = errorf("unparsable power_levels event content: %s", err.Error())
		return
	}

	levels := []*levelJSONValue{
		&content.InviteLevel, &content.BanLevel, &content.KickLevel,
		&content.RedactLevel, &content.UsersDefaultLevel,
		&content.StateDefaultLevel, &content.EventDefaultLevel,
	}
	for _, level := range content.UserLevels {
		level := level
		levels = append(levels, &level)
	}
	for _, level := range content.EventLevels {
		level := level
		levels = append(levels, &level)
	}
	if strict {
		for _, level := range levels {
			if level.exists && level.fromString {
				err = errorf("power levels must be integers in this room version")
				return
			}
		}
	}

	// Update the levels with the values that are present in the event content.
	content.InviteLevel.assignIfExists(&c.inviteLevel)
	content.BanLevel.assignIfExists(&c.banLevel)
	content.KickLevel.assignIfExists(&c.kickLevel)
	content.RedactLevel.assignIfExists(&c.redactLevel)
	content.UsersDefaultLevel.assignIfExists(&c.userDefaultLevel)
	content.StateDefaultLevel.assignIfExists(&c.stateDefaultLevel)
	content.EventDefaultLevel.assignIfExists(&c.eventDefaultLevel)

	for k, v := range content.UserLevels {
		if c.userLevels == nil {
			c.userLevels = make(map[string]int64)
		}
		c.userLevels[k] = v.value
	}

	for k, v := range content.EventLevels {
		if c.eventLevels == nil {
			c.eventLevels = make(map[string]int64)
		}
		c.eventLevels[k] = v.value
	}

	return
}

// A levelJSONValue is used for unmarshalling power levels from JSON.
// It is intended to replicate the effects of x = int(content["key"]) in python.
type levelJSONValue struct {
	// Was a value loaded from the JSON?
	exists bool
	// Was the value in the JSON a string?
	fromString bool
	// The integer value of the level.
	value int64
}

func (v *levelJSONValue) UnmarshalJSON(data []byte) error {
	var stringValue string
	var int64Value int64
	var floatValue float64
	var err error

	// First try to unmarshal as an int64.
	if err = json.Unmarshal(data, &int64Value); err != nil {
		// If unmarshalling as an int64 fails try as a string.
		if err = json.Unmarshal(data, &stringValue); err != nil {
			// If unmarshalling as a string fails try as a float.
			if err = json.Unmarshal(data, &floatValue); err != nil {
				return err
			}
			int64Value = int64(floatValue)
		} else {
			v.fromString = true
			// If we managed to get a string, try parsing the string as an int.
			int64Value, err = strconv.ParseInt(stringValue, 10, 64)
			if err != nil {
				return err
			}
		}
	}
	v.exists = true
	v.value = int64Value
	return nil
}

// assignIfExists assigns the value if it exists in the JSON.
func (v *levelJSONValue) assignIfExists(to *int64) {
	if v.exists {
		*to = v.value
	}
}

// ThirdPartyInviteContent is the JSON content of a m.room.third_party_invite event.
type ThirdPartyInviteContent struct {
	DisplayName    string      `json:"display_name"`
	KeyValidityURL string      `json:"key_validity_url"`
	PublicKey      string      `json:"public_key"`
	PublicKeys     []PublicKey `json:"public_keys"`
}

// A PublicKey in a third party invite.
type PublicKey struct {
	PublicKey      Base64String `json:"public_key"`
	KeyValidityURL string       `json:"key_validity_url"`
}

func isValidUserID(userID string) bool {
	_, _, err := SplitID('@', userID)
	return err == nil
}
