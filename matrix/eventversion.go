/* Copyright 2019 The Matrix.org Foundation C.I.C.
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

import "fmt"

// RoomVersion refers to the room version for a specific room.
type RoomVersion string

// Room version constants. These are strings because the version grammar
// allows for future expansion.
// https://matrix.org/docs/spec/#room-version-grammar
const (
	RoomVersionV6  RoomVersion = "6"
	RoomVersionV7  RoomVersion = "7"
	RoomVersionV8  RoomVersion = "8"
	RoomVersionV9  RoomVersion = "9"
	RoomVersionV10 RoomVersion = "10"
	RoomVersionV11 RoomVersion = "11"
)

// RoomVersionDescription contains information about a room version: whether it
// is marked as supported or stable in this server version, and which auth,
// redaction and membership capabilities it carries.
//
// A version is supported if the server has some support for rooms that are
// this version. A version is marked as stable or unstable in order to hint
// whether the version should be advertised to clients calling the
// /capabilities endpoint.
type RoomVersionDescription struct {
	Supported bool
	Stable    bool
	// allowKnocking is true if the join rule "knock" and the membership
	// "knock" are recognised.
	allowKnocking bool
	// allowRestrictedJoins is true if the join rules "restricted" and
	// "knock_restricted" are recognised.
	allowRestrictedJoins bool
	// enforceIntegerPowerLevels is true if power level values must be
	// integers rather than integer-valued strings.
	enforceIntegerPowerLevels bool
	// updatedRedactionRules is true if the room version uses the updated
	// redaction rules: member events keep third_party_invite, create events
	// keep m.federate and room_version, redaction events keep
	// content.redacts, and the top-level redacts and origin keys are dropped.
	updatedRedactionRules bool
}

var roomVersionMeta = map[RoomVersion]RoomVersionDescription{
	RoomVersionV6: {
		Supported: true,
		Stable:    true,
	},
	RoomVersionV7: {
		Supported:     true,
		Stable:        true,
		allowKnocking: true,
	},
	RoomVersionV8: {
		Supported:            true,
		Stable:               true,
		allowKnocking:        true,
		allowRestrictedJoins: true,
	},
	RoomVersionV9: {
		Supported:            true,
		Stable:               true,
		allowKnocking:        true,
		allowRestrictedJoins: true,
	},
	RoomVersionV10: {
		Supported:                 true,
		Stable:                    true,
		allowKnocking:             true,
		allowRestrictedJoins:      true,
		enforceIntegerPowerLevels: true,
	},
	RoomVersionV11: {
		Supported:                 true,
		Stable:                    true,
		allowKnocking:             true,
		allowRestrictedJoins:      true,
		enforceIntegerPowerLevels: true,
		updatedRedactionRules:     true,
	},
}

// RoomVersions returns the room versions currently implemented.
func RoomVersions() map[RoomVersion]RoomVersionDescription {
	return roomVersionMeta
}

// SupportedRoomVersions returns a map of descriptions for room
// versions that are marked as supported.
func SupportedRoomVersions() map[RoomVersion]RoomVersionDescription {
	versions := make(map[RoomVersion]RoomVersionDescription)
	for id, version := range RoomVersions() {
		if version.Supported {
			versions[id] = version
		}
	}
	return versions
}

// StableRoomVersions returns a map of descriptions for room
// versions that are marked as stable.
func StableRoomVersions() map[RoomVersion]RoomVersionDescription {
	versions := make(map[RoomVersion]RoomVersionDescription)
	for id, version := range RoomVersions() {
		if version.Supported && version.Stable {
			versions[id] = version
		}
	}
	return versions
}

// DefaultRoomVersion is the version used for newly created rooms unless the
// creator asks for something else.
const DefaultRoomVersion = RoomVersionV10

// Supported returns true if this server implements the room version.
func (v RoomVersion) Supported() bool {
	r, ok := roomVersionMeta[v]
	return ok && r.Supported
}

// AllowKnocking returns whether the membership "knock" is recognised in this
// room version.
func (v RoomVersion) AllowKnocking() (bool, error) {
	if r, ok := roomVersionMeta[v]; ok {
		return r.allowKnocking, nil
	}
	return false, UnsupportedRoomVersionError{v}
}

// AllowRestrictedJoins returns whether the join rule "restricted" is
// recognised in this room version.
func (v RoomVersion) AllowRestrictedJoins() (bool, error) {
	if r, ok := roomVersionMeta[v]; ok {
		return r.allowRestrictedJoins, nil
	}
	return false, UnsupportedRoomVersionError{v}
}

// EnforceIntegerPowerLevels returns whether power level values must be
// integers in this room version.
func (v RoomVersion) EnforceIntegerPowerLevels() (bool, error) {
	if r, ok := roomVersionMeta[v]; ok {
		return r.enforceIntegerPowerLevels, nil
	}
	return false, UnsupportedRoomVersionError{v}
}

// UpdatedRedactionRules returns whether the room version uses the updated
// redaction rules (see RoomVersionDescription.updatedRedactionRules).
func (v RoomVersion) UpdatedRedactionRules() (bool, error) {
	if r, ok := roomVersionMeta[v]; ok {
		return r.updatedRedactionRules, nil
	}
	return false, UnsupportedRoomVersionError{v}
}

// UnsupportedRoomVersionError occurs when a call has been made with a room
// version that is not supported by this server.
type UnsupportedRoomVersionError struct {
	Version RoomVersion
}

func (e UnsupportedRoomVersionError) Error() string {
	return fmt.Sprintf("matrix: unsupported room version '%s'", e.Version)
}
