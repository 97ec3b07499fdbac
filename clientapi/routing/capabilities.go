// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"net/http"

	"github.com/matrix-org/util"

	"github.com/element-hq/spire/matrix"
)

// GetCapabilities implements GET /_matrix/client/v3/capabilities
func GetCapabilities() util.JSONResponse {
	versionsMap := map[matrix.RoomVersion]string{}
	for version, desc := range matrix.RoomVersions() {
		if desc.Stable {
			versionsMap[version] = "stable"
		} else {
			versionsMap[version] = "unstable"
		}
	}

	response := map[string]interface{}{
		"capabilities": map[string]interface{}{
			"m.change_password": map[string]bool{
				"enabled": true,
			},
			"m.room_versions": map[string]interface{}{
				"default":   matrix.DefaultRoomVersion,
				"available": versionsMap,
			},
		},
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: response,
	}
}
