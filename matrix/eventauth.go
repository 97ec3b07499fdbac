/* Copyright 2016-2017 Vector Creations Ltd
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
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// StateNeeded lists the event types and state_keys needed to authenticate an event.
type StateNeeded struct {
	// Is the m.room.create event needed to auth the event.
	Create bool
	// Is the m.room.join_rules event needed to auth the event.
	JoinRules bool
	// Is the m.room.power_levels event needed to auth the event.
	PowerLevels bool
	// List of m.room.member state_keys needed to auth the event
	Member []string
	// List of m.room.third_party_invite state_keys
	ThirdPartyInvite []string
}

// Tuples returns the needed state key tuples for performing auth on an event.
func (s StateNeeded) Tuples() (res []StateKeyTuple) {
	if s.Create {
		res = append(res, StateKeyTuple{EventType: MRoomCreate, StateKey: ""})
	}
	if s.JoinRules {
		res = append(res, StateKeyTuple{EventType: MRoomJoinRules, StateKey: ""})
	}
	if s.PowerLevels {
		res = append(res, StateKeyTuple{EventType: MRoomPowerLevels, StateKey: ""})
	}
	for _, userID := range s.Member {
		res = append(res, StateKeyTuple{EventType: MRoomMember, StateKey: userID})
	}
	for _, token := range s.ThirdPartyInvite {
		res = append(res, StateKeyTuple{EventType: MRoomThirdPartyInvite, StateKey: token})
	}
	return
}

// StateNeededForEventBuilder returns the event types and state_keys needed to authenticate
// the event being built.
func StateNeededForEventBuilder(builder *EventBuilder) (result StateNeeded, err error) {
	// Extract the 'content' object from the event if it is m.room.member as we need to know 'membership'
	var content *MemberContent
	if builder.Type == MRoomMember {
		var memberContent MemberContent
		if err = json.Unmarshal(builder.Content, &memberContent); err != nil {
			err = errorf("unparsable member event content: %s", err.Error())
			return
		}
		content = &memberContent
	}
	var stateKey string
	if builder.StateKey != nil {
		stateKey = *builder.StateKey
	}
	err = accumulateStateNeeded(&result, builder.Type, builder.Sender, &stateKey, content)
	result.Member = uniqueStrings(result.Member)
	result.ThirdPartyInvite = uniqueStrings(result.ThirdPartyInvite)
	return
}

// StateNeededForAuth returns the event types and state_keys needed to authenticate an event.
// This takes a list of events to facilitate bulk processing when doing auth checks as part of state conflict resolution.
func StateNeededForAuth(events []*Event) (result StateNeeded) {
	for _, event := range events {
		var content *MemberContent
		if event.Type() == MRoomMember {
			if c, err := NewMemberContentFromEvent(event); err == nil {
				content = &c
			}
			// If we hit an error decoding the content we ignore it here.
			// The event will be rejected when the actual checks encounter the
			// same error.
		}
		// Ignore errors when accumulating state needed.
		// The event will be rejected when the actual checks encounter the same error.
		_ = accumulateStateNeeded(&result, event.Type(), event.Sender(), event.StateKey(), content)
	}

	// Deduplicate the state keys.
	result.Member = uniqueStrings(result.Member)
	result.ThirdPartyInvite = uniqueStrings(result.ThirdPartyInvite)
	return
}

func accumulateStateNeeded(result *StateNeeded, eventType, sender string, stateKey *string, content *MemberContent) (err error) {
	switch eventType {
	case MRoomCreate:
		// The create event doesn't require any state to authenticate.
	case MRoomAliases:
		// Alias events need:
		//  * The create event.
		// Alias events need no further authentication.
		result.Create = true
	case MRoomMember:
		// Member events need:
		//  * The previous membership of the target.
		//  * The current membership state of the sender.
		//  * The join rules for the room if the event is a join, knock or invite event.
		//  * The power levels for the room.
		//  * And optionally may require a m.third_party_invite event
		result.Create = true
		result.PowerLevels = true
		if stateKey != nil {
			result.Member = append(result.Member, sender, *stateKey)
		}
		if content != nil {
			if content.Membership == Join || content.Membership == Knock || content.Membership == Invite {
				result.JoinRules = true
			}
			if content.ThirdPartyInvite != nil {
				token := content.ThirdPartyInvite.Signed.Token
				if token == "" {
					err = errorf("missing 'third_party_invite.signed.token' JSON key")
					return
				}
				result.ThirdPartyInvite = append(result.ThirdPartyInvite, token)
			}
			if content.AuthorisedVia != "" {
				// The restricted-join authorising user's membership is needed
				// to check they could have issued the authorisation.
				result.Member = append(result.Member, content.AuthorisedVia)
			}
		}
	default:
		// All other events need:
		//  * The membership of the sender.
		//  * The power levels for the room.
		result.Create = true
		result.PowerLevels = true
		result.Member = append(result.Member, sender)
	}
	return
}

func uniqueStrings(in []string) []string {
	if len(in) == 0 {
		return in
	}
	sort.Strings(in)
	out := in[:1]
	for _, s := range in[1:] {
		if out[len(out)-1] != s {
			out = append(out, s)
		}
	}
	return out
}

// An AuthEventProvider provides the state events needed to authenticate an event.
type AuthEventProvider interface {
	// Create returns the m.room.create event for the room.
	Create() (*Event, error)
	// JoinRules returns the m.room.join_rules event for the room.
	JoinRules() (*Event, error)
	// PowerLevels returns the m.room.power_levels event for the room.
	PowerLevels() (*Event, error)
	// Member returns the m.room.member event for the given user_id state_key.
	Member(stateKey string) (*Event, error)
	// ThirdPartyInvite returns the m.room.third_party_invite event for the
	// given state_key.
	ThirdPartyInvite(stateKey string) (*Event, error)
}

// AuthEvents is an implementation of AuthEventProvider backed by a map.
type AuthEvents struct {
	events map[StateKeyTuple]*Event
}

// AddEvent adds an event to the provider. If an event already existed for the (type, state_key) then
// the event is replaced with the new event. Only state events should be added.
func (a *AuthEvents) AddEvent(event *Event) error {
	if event.StateKey() == nil {
		return fmt.Errorf("matrix: AddEvent: event %s is not a state event", event.EventID())
	}
	a.events[StateKeyTuple{event.Type(), *event.StateKey()}] = event
	return nil
}

// Create implements AuthEventProvider
func (a *AuthEvents) Create() (*Event, error) {
	return a.events[StateKeyTuple{MRoomCreate, ""}], nil
}

// JoinRules implements AuthEventProvider
func (a *AuthEvents) JoinRules() (*Event, error) {
	return a.events[StateKeyTuple{MRoomJoinRules, ""}], nil
}

// PowerLevels implements AuthEventProvider
func (a *AuthEvents) PowerLevels() (*Event, error) {
	return a.events[StateKeyTuple{MRoomPowerLevels, ""}], nil
}

// Member implements AuthEventProvider
func (a *AuthEvents) Member(stateKey string) (*Event, error) {
	return a.events[StateKeyTuple{MRoomMember, stateKey}], nil
}

// ThirdPartyInvite implements AuthEventProvider
func (a *AuthEvents) ThirdPartyInvite(stateKey string) (*Event, error) {
	return a.events[StateKeyTuple{MRoomThirdPartyInvite, stateKey}], nil
}

// NewAuthEvents returns an AuthEvents containing the events from the given list.
// If the list contains multiple events with the same (type, state_key) the last one in the list wins.
func NewAuthEvents(events []*Event) AuthEvents {
	a := AuthEvents{
		events: make(map[StateKeyTuple]*Event, len(events)),
	}
	for _, e := range events {
		a.AddEvent(e) // nolint: errcheck
	}
	return a
}

// A NotAllowed error is returned if an event does not pass the auth checks.
type NotAllowed struct {
	Message string
}

func (a *NotAllowed) Error() string {
	return "eventauth: " + a.Message
}

func errorf(message string, args ...interface{}) error {
	return &NotAllowed{Message: fmt.Sprintf(message, args...)}
}

// Allowed checks whether an event is allowed by the auth events.
// It returns a NotAllowed error if the event is not allowed.
// If there was an error loading the auth events then it returns that error.
func Allowed(event *Event, authEvents AuthEventProvider) error {
	switch event.Type() {
	case MRoomCreate:
		return createEventAllowed(event)
	case MRoomAliases:
		return aliasEventAllowed(event, authEvents)
	case MRoomMember:
		return memberEventAllowed(event, authEvents)
	case MRoomPowerLevels:
		return powerLevelsEventAllowed(event, authEvents)
	case MRoomRedaction:
		return redactEventAllowed(event, authEvents)
	default:
		return defaultEventAllowed(event, authEvents)
	}
}

// createEventAllowed checks whether the m.room.create event is allowed.
// It returns an error if the event is not allowed.
func createEventAllowed(event *Event) error {
	if !event.StateKeyEquals("") {
		return errorf("create event state key is not empty: %v", event.StateKey())
	}
	roomIDDomain, err := domainFromID(event.RoomID())
	if err != nil {
		return err
	}
	senderDomain, err := domainFromID(event.Sender())
	if err != nil {
		return err
	}
	if senderDomain != roomIDDomain {
		return errorf("create event room ID domain does not match sender: %q != %q", roomIDDomain, senderDomain)
	}
	if len(event.PrevEventIDs()) > 0 {
		return errorf("create event must be the first event in the room: found %d prev_events", len(event.PrevEventIDs()))
	}
	if len(event.AuthEventIDs()) > 0 {
		return errorf("create event must not have auth_events: found %d auth_events", len(event.AuthEventIDs()))
	}
	return nil
}

// memberEventAllowed checks whether the m.room.member event is allowed.
// Membership events have different authentication rules to ordinary events.
func memberEventAllowed(event *Event, authEvents AuthEventProvider) error {
	allower, err := newMembershipAllower(authEvents, event)
	if err != nil {
		return err
	}
	return allower.membershipAllowed(event)
}

// aliasEventAllowed checks whether the m.room.aliases event is allowed.
// Alias events have different authentication rules to ordinary events.
func aliasEventAllowed(event *Event, authEvents AuthEventProvider) error {
	// The alias events have different auth rules to ordinary events.
	// In particular we allow any server to send a m.room.aliases event without
	// checking if the sender is in the room.
	// This allows server admins to update the m.room.aliases event for their
	// server when they change the aliases on their server.
	create, err := NewCreateContentFromAuthEvents(authEvents)
	if err != nil {
		return err
	}

	senderDomain, err := domainFromID(event.Sender())
	if err != nil {
		return err
	}

	if event.RoomID() != create.roomID {
		return errorf("create event has different roomID: %q != %q", event.RoomID(), create.roomID)
	}

	// Check that server is allowed in the room by the m.room.federate flag.
	if err := create.DomainAllowed(senderDomain); err != nil {
		return err
	}

	// Check that the state key matches the server sending this event.
	if !event.StateKeyEquals(senderDomain) {
		return errorf("alias state_key does not match sender domain, %q != %q", senderDomain, *event.StateKey())
	}

	return nil
}

// powerLevelsEventAllowed checks whether the m.room.power_levels event is allowed.
// It returns an error if the event is not allowed or if there was a problem
// loading the auth events needed.
func powerLevelsEventAllowed(event *Event, authEvents AuthEventProvider) error {
	allower, err := newEventAllower(authEvents, event.Sender())
	if err != nil {
		return err
	}

	// power level events must pass the default checks.
	// These checks will catch if the user has a high enough level to set a m.room.power_levels state event.
	if err = allower.commonChecks(event); err != nil {
		return err
	}

	// Parse the power levels.
	newPowerLevels, err := NewPowerLevelContentFromEvent(event)
	if err != nil {
		return err
	}

	// Check that the user levels are all valid user IDs
	for userID := range newPowerLevels.userLevels {
		if !isValidUserID(userID) {
			return errorf("Not a valid user ID: %q", userID)
		}
	}

	// Grab the old power level event so that we can check if the event existed.
	var oldEvent *Event
	if oldEvent, err = authEvents.PowerLevels(); err != nil {
		return err
	} else if oldEvent == nil {
		// If this is the first power level event then it can set the levels to
		// any value it wants to.
		return nil
	}

	// Grab the old levels so that we can compare new the levels against them.
	oldPowerLevels := allower.powerLevels
	senderLevel := oldPowerLevels.UserLevel(event.Sender())

	// Check that the changes in event levels are allowed.
	if err = checkEventLevels(senderLevel, oldPowerLevels, newPowerLevels); err != nil {
		return err
	}

	// Check that the changes in user levels are allowed.
	return checkUserLevels(senderLevel, event.Sender(), oldPowerLevels, newPowerLevels)
}

// checkEventLevels checks that the changes in event levels are allowed.
func checkEventLevels(senderLevel int64, oldPowerLevels, newPowerLevels PowerLevelContent) error {
	type levelPair struct {
		old int64
		new int64
	}
	// Build a list of event levels to check.
	// This differs slightly in behaviour from the code in synapse because it
	// will use the default value if a level is not present in one of the old
	// or new events.

	// First add all the named levels.
	levelChecks := []levelPair{
		{oldPowerLevels.banLevel, newPowerLevels.banLevel},
		{oldPowerLevels.inviteLevel, newPowerLevels.inviteLevel},
		{oldPowerLevels.kickLevel, newPowerLevels.kickLevel},
		{oldPowerLevels.redactLevel, newPowerLevels.redactLevel},
		{oldPowerLevels.stateDefaultLevel, newPowerLevels.stateDefaultLevel},
		{oldPowerLevels.eventDefaultLevel, newPowerLevels.eventDefaultLevel},
	}

	// Then add checks for each event key in the new levels.
	// We use the default values for non-state events when applying the checks.
	const isStateEvent = false
	for eventType := range newPowerLevels.eventLevels {
		levelChecks = append(levelChecks, levelPair{
			oldPowerLevels.EventLevel(eventType, isStateEvent),
			newPowerLevels.EventLevel(eventType, isStateEvent),
		})
	}

	// Then add checks for each event key in the old levels.
	// Some of these will be duplicates of the ones added using the keys from
	// the new levels. But it doesn't hurt to run the checks twice for the same level.
	for eventType := range oldPowerLevels.eventLevels {
		levelChecks = append(levelChecks, levelPair{
			oldPowerLevels.EventLevel(eventType, isStateEvent),
			newPowerLevels.EventLevel(eventType, isStateEvent),
		})
	}

	// Check each of the levels in the list.
	for _, level := range levelChecks {
		// Check if the level is being changed.
		if level.old == level.new {
			// Levels are always allowed to stay the same.
			continue
		}

		// Users are allowed to change the level for an event if:
		//   * the old level was less than or equal to their own
		//   * the new level was less than or equal to their own

		// Check if the user is trying to set any of the levels to above their own.
		if senderLevel < level.new {
			return errorf(
				"sender with level %d is not allowed to change level from %d to %d"+
					" because the new level is above the level of the sender",
				senderLevel, level.old, level.new,
			)
		}

		// Check if the user is trying to set a level that was above their own.
		if senderLevel < level.old {
			return errorf(
				"sender with level %d is not allowed to change level from %d to %d"+
					" because the current level is above the level of the sender",
				senderLevel, level.old, level.new,
			)
		}
	}

	return nil
}

// checkUserLevels checks that the changes in user levels are allowed.
func checkUserLevels(senderLevel int64, senderID string, oldPowerLevels, newPowerLevels PowerLevelContent) error {
	type levelPair struct {
		old    int64
		new    int64
		userID string
	}

	// Build a list of user levels to check.

	// First add the user default level.
	userLevelChecks := []levelPair{
		{oldPowerLevels.userDefaultLevel, newPowerLevels.userDefaultLevel, ""},
	}

	// Then add checks for each user key in the new levels.
	for userID := range newPowerLevels.userLevels {
		userLevelChecks = append(userLevelChecks, levelPair{
			oldPowerLevels.UserLevel(userID), newPowerLevels.UserLevel(userID), userID,
		})
	}

	// Then add checks for each user key in the old levels.
	// Some of these will be duplicates of the ones added using the keys from
	// the new levels. But it doesn't hurt to run the checks twice for the same level.
	for userID := range oldPowerLevels.userLevels {
		userLevelChecks = append(userLevelChecks, levelPair{
			oldPowerLevels.UserLevel(userID), newPowerLevels.UserLevel(userID), userID,
		})
	}

	// Check each of the levels in the list.
	for _, level := range userLevelChecks {
		// Check if the level is being changed.
		if level.old == level.new {
			// Levels are always allowed to stay the same.
			continue
		}

		// Users are allowed to change the level of other users if:
		//   * the old level was less than their own
		//   * the new level was less than or equal to their own
		// They are allowed to change their own level if:
		//   * the new level was less than or equal to their own

		// Check if the user is trying to set any of the levels to above their own.
		if senderLevel < level.new {
			return errorf(
				"sender with level %d is not allowed change user level from %d to %d"+
					" because the new level is above the level of the sender",
				senderLevel, level.old, level.new,
			)
		}

		// Check if the user is changing their own user level.
		if level.userID == senderID {
			// Users are always allowed to reduce their own user level.
			// We know that the user is reducing their level because of the
			// previous checks.
			continue
		}

		// Check if the user is changing the level that was above or the same as their own.
		if senderLevel <= level.old {
			return errorf(
				"sender with level %d is not allowed to change user level from %d to %d"+
					" because the old level is equal to or above the level of the sender",
				senderLevel, level.old, level.new,
			)
		}
	}

	return nil
}

// redactEventAllowed checks whether the m.room.redaction event is allowed.
// It returns an error if the event is not allowed or if there was a problem
// loading the auth events needed.
func redactEventAllowed(event *Event, authEvents AuthEventProvider) error {
	allower, err := newEventAllower(authEvents, event.Sender())
	if err != nil {
		return err
	}

	// redact events must pass the default checks.
	if err = allower.commonChecks(event); err != nil {
		return err
	}

	senderDomain, err := domainFromID(event.Sender())
	if err != nil {
		return err
	}

	redactDomain, err := domainFromID(event.Redacts())
	if err != nil {
		// The updated event ID format doesn't carry a domain, so the
		// same-domain shortcut doesn't apply and we fall through to the
		// power level check.
		redactDomain = ""
	}

	// Servers are always allowed to redact their own messages.
	// This is so that users can redact their own messages, but since
	// we don't know which user ID sent the message being redacted
	// the only check we can do is to compare the domains of the
	// sender and the redacted event.
	// We leave it up to the sending server to implement the additional checks
	// to ensure that only events that should be redacted are redacted.
	if redactDomain != "" && senderDomain == redactDomain {
		return nil
	}

	// Otherwise the sender must have enough power.
	// This allows room admins and ops to redact messages sent by other servers.
	senderLevel := allower.powerLevels.UserLevel(event.Sender())
	redactLevel := allower.powerLevels.redactLevel
	if senderLevel >= redactLevel {
		return nil
	}

	return errorf(
		"%q is not allowed to redact message. %d < %d",
		event.Sender(), senderLevel, redactLevel,
	)
}

// defaultEventAllowed checks whether the event is allowed by the default
// checks for events.
// It returns an error if the event is not allowed or if there was a
// problem loading the auth events needed.
func defaultEventAllowed(event *Event, authEvents AuthEventProvider) error {
	allower, err := newEventAllower(authEvents, event.Sender())
	if err != nil {
		return err
	}

	return allower.commonChecks(event)
}

// An eventAllower has the information needed to authorise all events types
// other than m.room.create, m.room.member and m.room.aliases which are special.
type eventAllower struct {
	// The content of the m.room.create.
	create CreateContent
	// The content of the m.room.member event for the sender.
	member MemberContent
	// The content of the m.room.power_levels event for the room.
	powerLevels PowerLevelContent
}

// newEventAllower loads the information needed to authorise an event sent
// by a given user ID from the auth events.
func newEventAllower(authEvents AuthEventProvider, senderID string) (e eventAllower, err error) {
	if e.create, err = NewCreateContentFromAuthEvents(authEvents); err != nil {
		return
	}
	if e.member, err = NewMemberContentFromAuthEvents(authEvents, senderID); err != nil {
		return
	}
	if e.powerLevels, err = NewPowerLevelContentFromAuthEvents(authEvents, e.create.Creator); err != nil {
		return
	}
	return
}

// commonChecks does the checks that are applied to all events types other than
// m.room.create, m.room.member, or m.room.aliases.
func (e *eventAllower) commonChecks(event *Event) error {
	if event.RoomID() != e.create.roomID {
		return errorf("create event has different roomID: %q != %q", event.RoomID(), e.create.roomID)
	}

	sender := event.Sender()
	stateKey := event.StateKey()

	if err := e.create.UserIDAllowed(sender); err != nil {
		return err
	}

	// Check that the sender is in the room.
	// Every event other than m.room.create, m.room.member and m.room.aliases require this.
	if e.member.Membership != Join {
		return errorf("sender %q not in room", sender)
	}

	senderLevel := e.powerLevels.UserLevel(sender)
	eventLevel := e.powerLevels.EventLevel(event.Type(), stateKey != nil)
	if senderLevel < eventLevel {
		return errorf(
			"sender %q is not allowed to send event. %d < %d",
			event.Sender(), senderLevel, eventLevel,
		)
	}

	// Check that all state_keys that begin with '@' are only updated by users
	// with that ID.
	if stateKey != nil && len(*stateKey) > 0 && (*stateKey)[0] == '@' {
		if *stateKey != sender {
			return errorf(
				"sender %q is not allowed to modify the state belonging to %q",
				sender, *stateKey,
			)
		}
	}

	return nil
}

// A membershipAllower has the information needed to authenticate a m.room.member event.
type membershipAllower struct {
	roomVersion RoomVersion
	// The user ID of the user whose membership is changing.
	targetID string
	// The user ID of the user who sent the membership event.
	senderID string
	// The membership of the user who sent the membership event.
	senderMember MemberContent
	// The previous membership of the user whose membership is changing.
	oldMember MemberContent
	// The new membership of the user if this event is accepted.
	newMember MemberContent
	// The m.room.create content for the room.
	create CreateContent
	// The m.room.power_levels content for the room.
	powerLevels PowerLevelContent
	// The m.room.join_rules content for the room.
	joinRule JoinRuleContent
	// The auth events, needed for third party invite checks.
	authEvents AuthEventProvider
}

// newMembershipAllower loads the information needed to authenticate the
// m.room.member event from the auth events.
func newMembershipAllower(authEvents AuthEventProvider, event *Event) (m membershipAllower, err error) {
	stateKey := event.StateKey()
	if stateKey == nil {
		err = errorf("m.room.member must be a state event")
		return
	}
	if !isValidUserID(*stateKey) {
		err = errorf("m.room.member state_key must be a user ID: %q", *stateKey)
		return
	}
	m.roomVersion = event.Version()
	m.authEvents = authEvents
	m.targetID = *stateKey
	m.senderID = event.Sender()
	if m.create, err = NewCreateContentFromAuthEvents(authEvents); err != nil {
		return
	}
	if m.newMember, err = NewMemberContentFromEvent(event); err != nil {
		return
	}
	if m.oldMember, err = NewMemberContentFromAuthEvents(authEvents, m.targetID); err != nil {
		return
	}
	if m.senderMember, err = NewMemberContentFromAuthEvents(authEvents, m.senderID); err != nil {
		return
	}
	if m.powerLevels, err = NewPowerLevelContentFromAuthEvents(authEvents, m.create.Creator); err != nil {
		return
	}
	// We only need to check the join rules if the proposed membership is
	// "join" or "knock".
	if m.newMember.Membership == Join || m.newMember.Membership == Knock {
		if m.joinRule, err = NewJoinRuleContentFromAuthEvents(authEvents); err != nil {
			return
		}
	}
	return
}

// membershipAllowed checks whether the membership event is allowed.
func (m *membershipAllower) membershipAllowed(event *Event) error {
	if m.create.roomID != event.RoomID() {
		return errorf("create event has different roomID: %q != %q", event.RoomID(), m.create.roomID)
	}
	if err := m.create.UserIDAllowed(m.senderID); err != nil {
		return err
	}
	if err := m.create.UserIDAllowed(m.targetID); err != nil {
		return err
	}
	// Special case the first join event in the room to allow the creator to join.
	if m.targetID == m.create.Creator &&
		m.newMember.Membership == Join &&
		m.senderID == m.targetID &&
		len(event.PrevEventIDs()) == 1 {

		// Grab the event ID of the previous event.
		prevEventID := event.PrevEventIDs()[0]

		if prevEventID == m.create.eventID {
			// If this is the room creator joining the room directly after the
			// the create event, then allow.
			return nil
		}
		// Otherwise fall back to the normal checks.
	}

	if m.newMember.Membership == Invite && m.newMember.ThirdPartyInvite != nil {
		// Special case third party invites.
		return m.membershipAllowedFromThirdPartyInvite()
	}

	if m.targetID == m.senderID {
		// If the state_key and the sender are the same then this is an attempt
		// by a user to update their own membership.
		return m.membershipAllowedSelf()
	}
	// Otherwise this is an attempt to modify the membership of somebody else.
	return m.membershipAllowedOther()
}

// membershipAllowedFromThirdPartyInvite determines if the member events is
// following a previously sent m.room.third_party_invite event.
func (m *membershipAllower) membershipAllowedFromThirdPartyInvite() error {
	// Check if the event's target matches with the Matrix ID provided by the
	// identity server.
	if m.targetID != m.newMember.ThirdPartyInvite.Signed.MXID {
		return errorf(
			"The invite target %s doesn't match with the Matrix ID provided by the identity server %s",
			m.targetID, m.newMember.ThirdPartyInvite.Signed.MXID,
		)
	}
	// Marshal the "signed" so it can be verified by VerifyJSON.
	marshalledSigned, err := json.Marshal(m.newMember.ThirdPartyInvite.Signed)
	if err != nil {
		return err
	}
	// Retrieve the m.room.third_party_invite event pointed to by the token.
	thirdPartyInviteEvent, err := m.authEvents.ThirdPartyInvite(m.newMember.ThirdPartyInvite.Signed.Token)
	if err != nil {
		return err
	}
	if thirdPartyInviteEvent == nil {
		return errorf(
			"There is no third_party_invite event matching the token %s",
			m.newMember.ThirdPartyInvite.Signed.Token,
		)
	}
	// The sender of the m.room.member event must match the sender of the
	// m.room.third_party_invite event it completes.
	if thirdPartyInviteEvent.Sender() != m.senderID {
		return errorf(
			"The sender of the invite %s doesn't match with the sender of the third_party_invite %s",
			m.senderID, thirdPartyInviteEvent.Sender(),
		)
	}
	var thirdPartyInviteContent ThirdPartyInviteContent
	if err := json.Unmarshal(thirdPartyInviteEvent.Content(), &thirdPartyInviteContent); err != nil {
		return err
	}
	// Check that one of the public keys in the third party invite verifies
	// the signed block.
	publicKeys := thirdPartyInviteContent.PublicKeys
	if thirdPartyInviteContent.PublicKey != "" {
		publicKeys = append(publicKeys, PublicKey{
			PublicKey: mustDecodeBase64Key(thirdPartyInviteContent.PublicKey),
		})
	}
	for _, publicKey := range publicKeys {
		for entity, signatures := range m.newMember.ThirdPartyInvite.Signed.Signatures {
			for keyID := range signatures {
				if strings.HasPrefix(keyID, "ed25519") {
					if err = VerifyJSON(
						entity, KeyID(keyID),
						ed25519.PublicKey(publicKey.PublicKey),
						marshalledSigned,
					); err == nil {
						// A signature verified, the invite is valid.
						return nil
					}
				}
			}
		}
	}
	return errorf("Couldn't verify signature on third-party invite for %s", m.targetID)
}

// membershipAllowedSelf determines if the change made by the user to their own
// membership is allowed.
func (m *membershipAllower) membershipAllowedSelf() error {
	switch m.newMember.Membership {
	case Knock:
		allowKnock, err := m.roomVersion.AllowKnocking()
		if err != nil {
			return err
		}
		if !allowKnock {
			return errorf("room version %q does not support knocking", m.roomVersion)
		}
		if m.joinRule.JoinRule != JoinRuleKnock && m.joinRule.JoinRule != "knock_restricted" {
			return errorf("join rule %q does not allow knocking", m.joinRule.JoinRule)
		}
		// A user that is not in the room is allowed to knock. A user that is
		// banned or already joined may not.
		switch m.oldMember.Membership {
		case Leave, Knock:
			return nil
		}
		return m.membershipFailed()
	case Join:
		if m.oldMember.Membership == Ban {
			// Banned users may not rejoin.
			return m.membershipFailed()
		}
		// A user that has been invited or is joined may always (re)join.
		if m.oldMember.Membership == Invite || m.oldMember.Membership == Join {
			return nil
		}
		switch m.joinRule.JoinRule {
		case JoinRulePublic:
			return nil
		case JoinRuleRestricted, "knock_restricted":
			return m.restrictedJoinAllowed()
		}
		return m.membershipFailed()
	case Leave:
		// A joined or knocking user is allowed to leave the room or retract
		// the knock.
		if m.oldMember.Membership == Join || m.oldMember.Membership == Knock {
			return nil
		}
		// An invited user is allowed to reject an invite.
		if m.oldMember.Membership == Invite {
			return nil
		}
		// Leaving when already left is an allowed no-op.
		if m.oldMember.Membership == Leave {
			return nil
		}
		return m.membershipFailed()
	}
	return m.membershipFailed()
}

// restrictedJoinAllowed checks the join_authorised_via_users_server condition
// for restricted rooms.
func (m *membershipAllower) restrictedJoinAllowed() error {
	allowRestricted, err := m.roomVersion.AllowRestrictedJoins()
	if err != nil {
		return err
	}
	if !allowRestricted {
		return errorf("room version %q does not support restricted joins", m.roomVersion)
	}
	// A remote server vouched for the join. Check the authorising user is in
	// the room and has the power to issue invites.
	if m.newMember.AuthorisedVia != "" {
		authoriser, err := NewMemberContentFromAuthEvents(m.authEvents, m.newMember.AuthorisedVia)
		if err != nil {
			return err
		}
		if authoriser.Membership != Join {
			return errorf("restricted join authorising user %q is not in the room", m.newMember.AuthorisedVia)
		}
		if m.powerLevels.UserLevel(m.newMember.AuthorisedVia) < m.powerLevels.inviteLevel {
			return errorf("restricted join authorising user %q cannot send invites", m.newMember.AuthorisedVia)
		}
		return nil
	}
	return errorf("restricted join is missing join_authorised_via_users_server")
}

// membershipAllowedOther determines if the user is allowed to change the
// membership of another user.
func (m *membershipAllower) membershipAllowedOther() error {
	senderLevel := m.powerLevels.UserLevel(m.senderID)
	targetLevel := m.powerLevels.UserLevel(m.targetID)

	// You may only modify the membership of another user if you are in the room.
	if m.senderMember.Membership != Join {
		return errorf("sender %q is not in the room", m.senderID)
	}

	switch m.newMember.Membership {
	case Ban:
		// A user may ban another user if their level is high enough
		if senderLevel >= m.powerLevels.banLevel &&
			senderLevel > targetLevel {
			return nil
		}
	case Leave:
		// A user may unban another user if their level is high enough.
		// This doesn't require the same power_level checks as banning.
		// You can unban someone with higher power_level than you.
		if m.oldMember.Membership == Ban && senderLevel >= m.powerLevels.banLevel {
			return nil
		}
		// A user may kick another user if their level is high enough.
		if m.oldMember.Membership != Ban &&
			senderLevel >= m.powerLevels.kickLevel &&
			senderLevel > targetLevel {
			return nil
		}
	case Invite:
		// An invite may not be sent to a banned or already-joined user.
		switch m.oldMember.Membership {
		case Ban, Join:
			return m.membershipFailed()
		}
		// A user may invite another user if their level is high enough.
		// This covers re-invites and invites following a knock.
		if senderLevel >= m.powerLevels.inviteLevel {
			return nil
		}
	}

	return m.membershipFailed()
}

// membershipFailed returns an error explaining why the membership change was
// disallowed.
func (m *membershipAllower) membershipFailed() error {
	if m.senderID == m.targetID {
		return errorf(
			"%q is not allowed to change their membership from %q to %q",
			m.targetID, m.oldMember.Membership, m.newMember.Membership,
		)
	}

	return errorf(
		"%q is not allowed to change the membership of %q from %q to %q",
		m.senderID, m.targetID, m.oldMember.Membership, m.newMember.Membership,
	)
}

func mustDecodeBase64Key(key string) Base64String {
	var b Base64String
	if err := b.UnmarshalJSON([]byte(`"` + key + `"`)); err != nil {
		return nil
	}
	return b
}
