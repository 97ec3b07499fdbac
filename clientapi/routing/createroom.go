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
	"encoding/json"
	"net/http"
	"strings"

	"github.com/matrix-org/util"

	"github.com/element-hq/spire/clientapi/httputil"
	"github.com/element-hq/spire/clientapi/jsonerror"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/internalapi/perform"
	"github.com/element-hq/spire/roomserver/types"
	userapi "github.com/element-hq/spire/userapi/api"
)

type createRoomRequest struct {
	Invite                    []string               `json:"invite"`
	Name                      string                 `json:"name"`
	Topic                     string                 `json:"topic"`
	Visibility                string                 `json:"visibility"`
	Preset                    string                 `json:"preset"`
	RoomAliasName             string                 `json:"room_alias_name"`
	RoomVersion               string                 `json:"room_version"`
	IsDirect                  bool                   `json:"is_direct"`
	CreationContent           json.RawMessage        `json:"creation_content"`
	InitialState              []initialStateEvent    `json:"initial_state"`
	PowerLevelContentOverride map[string]interface{} `json:"power_level_content_override"`
}

type initialStateEvent struct {
	Type     string          `json:"type"`
	StateKey string          `json:"state_key"`
	Content  json.RawMessage `json:"content"`
}

// Room creation presets.
const (
	presetPrivateChat        = "private_chat"
	presetTrustedPrivateChat = "trusted_private_chat"
	presetPublicChat         = "public_chat"
)

type createRoomResponse struct {
	RoomID    string `json:"room_id"`
	RoomAlias string `json:"room_alias,omitempty"`
}

// CreateRoom implements POST /_matrix/client/v3/createRoom
func CreateRoom(
	req *http.Request,
	device *userapi.Device,
	performer *perform.Performer,
) util.JSONResponse {
	var r createRoomRequest
	if resErr := httputil.UnmarshalJSONRequest(req, &r); resErr != nil {
		return *resErr
	}

	if r.Visibility != "" && r.Visibility != types.VisibilityPublic && r.Visibility != types.VisibilityPrivate {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.InvalidParam("visibility must be 'public' or 'private'"),
		}
	}

	isPublic := r.Visibility == types.VisibilityPublic || r.Preset == presetPublicChat

	if r.RoomAliasName != "" && strings.ContainsAny(r.RoomAliasName, "#:") {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.InvalidParam("room_alias_name must not contain '#' or ':'"),
		}
	}

	initialState := map[matrix.StateKeyTuple]interface{}{}
	for _, stateEvent := range r.InitialState {
		initialState[matrix.StateKeyTuple{
			EventType: stateEvent.Type,
			StateKey:  stateEvent.StateKey,
		}] = json.RawMessage(stateEvent.Content)
	}

	info, err := performer.CreateRoom(req.Context(), &perform.CreateRoomRequest{
		Creator:                   device.UserID,
		RoomVersion:               matrix.RoomVersion(r.RoomVersion),
		Name:                      r.Name,
		Topic:                     r.Topic,
		RoomAliasName:             r.RoomAliasName,
		IsPublic:                  isPublic,
		IsDirect:                  r.IsDirect,
		Invites:                   r.Invite,
		InitialState:              initialState,
		PowerLevelContentOverride: r.PowerLevelContentOverride,
	})
	if err != nil {
		switch err.(type) {
		case matrix.UnsupportedRoomVersionError:
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: jsonerror.UnsupportedRoomVersion("Room version not supported"),
			}
		case types.RejectedError, *matrix.NotAllowed:
			return util.JSONResponse{
				Code: http.StatusForbidden,
				JSON: jsonerror.Forbidden(err.Error()),
			}
		}
		if err == types.ErrAliasExists {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: jsonerror.RoomInUse("Room alias already exists."),
			}
		}
		util.GetLogger(req.Context()).WithError(err).Error("CreateRoom failed")
		return jsonerror.InternalServerError()
	}

	response := createRoomResponse{RoomID: info.RoomID}
	if r.RoomAliasName != "" {
		response.RoomAlias = "#" + r.RoomAliasName + ":" + string(performer.Cfg.ServerName)
	}
	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: response,
	}
}
