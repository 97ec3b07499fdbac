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
)

// RedactEvent strips the user controlled fields from an event, but leaves the
// fields necessary for authenticating the event. The room version decides
// which content keys survive.
func RedactEvent(eventJSON []byte, roomVersion RoomVersion) ([]byte, error) {
	updatedRules, err := roomVersion.UpdatedRedactionRules()
	if err != nil {
		return nil, err
	}
	allowRestricted, err := roomVersion.AllowRestrictedJoins()
	if err != nil {
		return nil, err
	}

	// createContent keeps the fields needed in a m.room.create event.
	type createContent struct {
		Creator     RawJSON `json:"creator,omitempty"`
		Federate    RawJSON `json:"m.federate,omitempty"`
		RoomVersion RawJSON `json:"room_version,omitempty"`
	}

	// joinRulesContent keeps the fields needed in a m.room.join_rules event.
	// Room versions with restricted joins also keep the allow conditions,
	// since the auth rules read them.
	type joinRulesContent struct {
		JoinRule RawJSON `json:"join_rule,omitempty"`
		Allow    RawJSON `json:"allow,omitempty"`
	}

	// powerLevelContent keeps the fields needed in a m.room.power_levels event.
	type powerLevelContent struct {
		Users         RawJSON `json:"users,omitempty"`
		UsersDefault  RawJSON `json:"users_default,omitempty"`
		Events        RawJSON `json:"events,omitempty"`
		EventsDefault RawJSON `json:"events_default,omitempty"`
		StateDefault  RawJSON `json:"state_default,omitempty"`
		Ban           RawJSON `json:"ban,omitempty"`
		Kick          RawJSON `json:"kick,omitempty"`
		Redact        RawJSON `json:"redact,omitempty"`
		Invite        RawJSON `json:"invite,omitempty"`
		Notifications RawJSON `json:"notifications,omitempty"`
	}

	// memberContent keeps the fields needed in a m.room.member event. The
	// signed block of a third-party invite and the restricted-join
	// authorising server survive redaction because the auth rules need them.
	type memberContent struct {
		Membership       RawJSON `json:"membership,omitempty"`
		ThirdPartyInvite RawJSON `json:"third_party_invite,omitempty"`
		AuthorisedVia    RawJSON `json:"join_authorised_via_users_server,omitempty"`
	}

	// historyVisibilityContent keeps the fields needed in a
	// m.room.history_visibility event.
	type historyVisibilityContent struct {
		HistoryVisibility RawJSON `json:"history_visibility,omitempty"`
	}

	// redactionContent keeps the fields needed in a m.room.redaction event
	// under the updated redaction rules.
	type redactionContent struct {
		Redacts RawJSON `json:"redacts,omitempty"`
	}

	type allContent struct {
		createContent
		joinRulesContent
		powerLevelContent
		memberContent
		historyVisibilityContent
		redactionContent
	}

	// eventFields keeps the top level keys needed by all event types.
	type eventFields struct {
		EventID        RawJSON    `json:"event_id,omitempty"`
		Sender         RawJSON    `json:"sender,omitempty"`
		RoomID         RawJSON    `json:"room_id,omitempty"`
		Hashes         RawJSON    `json:"hashes,omitempty"`
		Signatures     RawJSON    `json:"signatures,omitempty"`
		Content        allContent `json:"content"`
		Type           string     `json:"type"`
		StateKey       RawJSON    `json:"state_key,omitempty"`
		Depth          RawJSON    `json:"depth,omitempty"`
		PrevEvents     RawJSON    `json:"prev_events,omitempty"`
		AuthEvents     RawJSON    `json:"auth_events,omitempty"`
		Origin         RawJSON    `json:"origin,omitempty"`
		OriginServerTS RawJSON    `json:"origin_server_ts,omitempty"`
		Redacts        RawJSON    `json:"redacts,omitempty"`
	}

	var event eventFields
	// Unmarshalling into a struct will discard any extra fields from the event.
	if err := json.Unmarshal(eventJSON, &event); err != nil {
		return nil, err
	}
	var newContent allContent
	// Copy the content fields that we should keep for the event type.
	// By default we copy nothing, leaving the content object empty.
	switch event.Type {
	case MRoomCreate:
		newContent.createContent = event.Content.createContent
		if !updatedRules {
			// The older rules only keep the creator.
			newContent.createContent.Federate = nil
			newContent.createContent.RoomVersion = nil
		}
	case MRoomMember:
		newContent.memberContent = event.Content.memberContent
		if !updatedRules {
			newContent.memberContent.ThirdPartyInvite = nil
		}
		if !allowRestricted {
			newContent.memberContent.AuthorisedVia = nil
		}
	case MRoomJoinRules:
		newContent.joinRulesContent = event.Content.joinRulesContent
		if !allowRestricted {
			newContent.joinRulesContent.Allow = nil
		}
	case MRoomPowerLevels:
		newContent.powerLevelContent = event.Content.powerLevelContent
	case MRoomHistoryVisibility:
		newContent.historyVisibilityContent = event.Content.historyVisibilityContent
	case MRoomRedaction:
		if updatedRules {
			newContent.redactionContent = event.Content.redactionContent
		}
	}
	// Replace the content with our new filtered content.
	// This will zero out any keys that weren't copied in the switch statement above.
	event.Content = newContent
	if updatedRules {
		// The updated rules drop the top-level redacts and origin keys.
		event.Redacts = nil
		event.Origin = nil
	}
	// Return the redacted event encoded as JSON.
	return json.Marshal(&event)
}
