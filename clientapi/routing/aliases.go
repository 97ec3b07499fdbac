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

	"github.com/element-hq/spire/clientapi/httputil"
	"github.com/element-hq/spire/clientapi/jsonerror"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/api"
	"github.com/element-hq/spire/roomserver/internalapi/perform"
	"github.com/element-hq/spire/roomserver/types"
	"github.com/element-hq/spire/setup/config"
	userapi "github.com/element-hq/spire/userapi/api"
)

// DirectoryRoom implements GET /_matrix/client/v3/directory/room/{roomAlias}
func DirectoryRoom(
	req *http.Request,
	roomAlias string,
	cfg *config.Global,
	rsAPI api.RoomserverInternalAPI,
	fedClient *matrix.FederationClient,
) util.JSONResponse {
	_, domain, err := matrix.SplitID('#', roomAlias)
	if err != nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.BadJSON("Room alias must be in the form '#localpart:domain'"),
		}
	}

	if domain == cfg.ServerName {
		roomID, err := rsAPI.GetRoomIDForAlias(req.Context(), roomAlias)
		if err != nil {
			util.GetLogger(req.Context()).WithError(err).Error("GetRoomIDForAlias failed")
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

	// The alias belongs to a remote server: ask it over federation.
	if fedClient == nil {
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: jsonerror.NotFound("Room alias not found"),
		}
	}
	res, err := fedClient.LookupRoomAlias(req.Context(), domain, roomAlias)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Warn("Federated alias lookup failed")
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: jsonerror.NotFound("Room alias not found"),
		}
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: res}
}

// SetLocalAlias implements PUT /_matrix/client/v3/directory/room/{roomAlias}
func SetLocalAlias(
	req *http.Request,
	device *userapi.Device,
	roomAlias string,
	performer *perform.Performer,
) util.JSONResponse {
	var body struct {
		RoomID string `json:"room_id"`
	}
	if resErr := httputil.UnmarshalJSONRequest(req, &body); resErr != nil {
		return *resErr
	}

	err := performer.SetRoomAlias(req.Context(), roomAlias, body.RoomID, device.UserID)
	switch {
	case err == types.ErrAliasExists:
		return util.JSONResponse{
			Code: http.StatusConflict,
			JSON: jsonerror.RoomInUse("The alias is already in use."),
		}
	case err == types.ErrRoomNoExists:
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: jsonerror.NotFound("Room does not exist"),
		}
	case err != nil:
		if _, ok := err.(types.RejectedError); ok {
			return util.JSONResponse{
				Code: http.StatusForbidden,
				JSON: jsonerror.Forbidden(err.Error()),
			}
		}
		util.GetLogger(req.Context()).WithError(err).Error("SetRoomAlias failed")
		return jsonerror.InternalServerError()
	}

	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}

// RemoveLocalAlias implements DELETE /_matrix/client/v3/directory/room/{roomAlias}
func RemoveLocalAlias(
	req *http.Request,
	device *userapi.Device,
	roomAlias string,
	performer *perform.Performer,
) util.JSONResponse {
	err := performer.RemoveRoomAlias(req.Context(), roomAlias, device.UserID)
	switch {
	case err == types.ErrRoomNoExists:
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: jsonerror.NotFound("The alias does not exist."),
		}
	case err != nil:
		if _, ok := err.(types.RejectedError); ok {
			return util.JSONResponse{
				Code: http.StatusForbidden,
				JSON: jsonerror.Forbidden(err.Error()),
			}
		}
		util.GetLogger(req.Context()).WithError(err).Error("RemoveRoomAlias failed")
		return jsonerror.InternalServerError()
	}

	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}
