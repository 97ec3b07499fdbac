// Copyright 2017 Vector Creations Ltd
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package routing

import (
	"net/http"

	"github.com/matrix-org/util"

	"github.com/element-hq/spire/clientapi/jsonerror"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/api"
	"github.com/element-hq/spire/setup/config"
)

// RoomAliasToID implements GET /_matrix/federation/v1/query/directory
func RoomAliasToID(
	httpReq *http.Request,
	cfg *config.Global,
	rsAPI api.RoomserverInternalAPI,
) util.JSONResponse {
	roomAlias := httpReq.FormValue("room_alias")
	if roomAlias == "" {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.MissingArgument("Must supply room alias parameter."),
		}
	}
	_, domain, err := matrix.SplitID('#', roomAlias)
	if err != nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.BadJSON("Room alias must be in the form '#localpart:domain'"),
		}
	}
	if domain != cfg.ServerName {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.InvalidParam("The alias does not belong to this server"),
		}
	}

	roomID, err := rsAPI.GetRoomIDForAlias(httpReq.Context(), roomAlias)
	if err != nil {
		util.GetLogger(httpReq.Context()).WithError(err).Error("GetRoomIDForAlias failed")
		return jsonerror.InternalServerError()
	}
	if roomID == "" {
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: jsonerror.NotFound("Room alias not found"),
		}
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: matrix.RespDirectory{
			RoomID:  roomID,
			Servers: []matrix.ServerName{cfg.ServerName},
		},
	}
}
