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
	"strconv"
	"time"

	"github.com/matrix-org/util"

	"github.com/element-hq/spire/clientapi/jsonerror"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/api"
	"github.com/element-hq/spire/setup/config"
)

// GetState implements GET /_matrix/federation/v1/state/{roomID}
func GetState(
	httpReq *http.Request,
	request *matrix.FederationRequest,
	roomID string,
	rsAPI api.RoomserverInternalAPI,
) util.JSONResponse {
	if resp := checkServerInRoom(httpReq, request, roomID, rsAPI); resp != nil {
		return *resp
	}

	stateRes := api.QueryLatestEventsAndStateResponse{}
	if err := rsAPI.QueryLatestEventsAndState(httpReq.Context(), &api.QueryLatestEventsAndStateRequest{
		RoomID: roomID,
	}, &stateRes); err != nil || !stateRes.RoomExists {
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: jsonerror.NotFound("Room does not exist"),
		}
	}

	stateEvents := make([]json.RawMessage, 0, len(stateRes.StateEvents))
	var authChainIDs []string
	for _, stateEvent := range stateRes.StateEvents {
		stateEvents = append(stateEvents, stateEvent.JSON())
		authChainIDs = append(authChainIDs, stateEvent.AuthEventIDs()...)
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: matrix.RespState{
			StateEvents: stateEvents,
			AuthEvents:  collectAuthChain(httpReq, rsAPI, authChainIDs),
		},
	}
}

// GetEvent implements GET /_matrix/federation/v1/event/{eventID}
func GetEvent(
	httpReq *http.Request,
	request *matrix.FederationRequest,
	eventID string,
	cfg *config.Global,
	rsAPI api.RoomserverInternalAPI,
) util.JSONResponse {
	res := api.QueryEventsByIDResponse{}
	if err := rsAPI.QueryEventsByID(httpReq.Context(), &api.QueryEventsByIDRequest{EventIDs: []string{eventID}}, &res); err != nil {
		util.GetLogger(httpReq.Context()).WithError(err).Error("QueryEventsByID failed")
		return jsonerror.InternalServerError()
	}
	if len(res.Events) == 0 {
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: jsonerror.NotFound("Event not found"),
		}
	}
	event := res.Events[0]

	if resp := checkServerInRoom(httpReq, request, event.RoomID(), rsAPI); resp != nil {
		return *resp
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: matrix.Transaction{
			Origin:         cfg.ServerName,
			OriginServerTS: matrix.AsTimestamp(time.Now()),
			PDUs:           []json.RawMessage{event.JSON()},
		},
	}
}

// Backfill implements GET /_matrix/federation/v1/backfill/{roomID}
//
// Soft-failed events are returned here: backfill is the read path where
// they remain visible to the origin server.
func Backfill(
	httpReq *http.Request,
	request *matrix.FederationRequest,
	roomID string,
	cfg *config.Global,
	rsAPI api.RoomserverInternalAPI,
) util.JSONResponse {
	if resp := checkServerInRoom(httpReq, request, roomID, rsAPI); resp != nil {
		return *resp
	}

	eventIDs := httpReq.URL.Query()["v"]
	limit := 100
	if limitStr := httpReq.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: jsonerror.InvalidParam("Invalid limit"),
			}
		}
		limit = parsed
	}

	res := api.QueryBackfillResponse{}
	if err := rsAPI.QueryBackfill(httpReq.Context(), &api.QueryBackfillRequest{
		RoomID:       roomID,
		PrevEventIDs: eventIDs,
		Limit:        limit,
	}, &res); err != nil {
		util.GetLogger(httpReq.Context()).WithError(err).Error("QueryBackfill failed")
		return jsonerror.InternalServerError()
	}

	pdus := make([]json.RawMessage, 0, len(res.Events))
	for _, event := range res.Events {
		pdus = append(pdus, event.JSON())
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: matrix.RespBackfill{
			Origin:         cfg.ServerName,
			OriginServerTS: matrix.AsTimestamp(time.Now()),
			PDUs:           pdus,
		},
	}
}

// GetEventAuth implements GET /_matrix/federation/v1/event_auth/{roomID}/{eventID}
func GetEventAuth(
	httpReq *http.Request,
	request *matrix.FederationRequest,
	roomID, eventID string,
	rsAPI api.RoomserverInternalAPI,
) util.JSONResponse {
	if resp := checkServerInRoom(httpReq, request, roomID, rsAPI); resp != nil {
		return *resp
	}

	res := api.QueryEventsByIDResponse{}
	if err := rsAPI.QueryEventsByID(httpReq.Context(), &api.QueryEventsByIDRequest{EventIDs: []string{eventID}}, &res); err != nil || len(res.Events) == 0 {
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: jsonerror.NotFound("Event not found"),
		}
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: matrix.RespEventAuth{
			AuthEvents: collectAuthChain(httpReq, rsAPI, res.Events[0].AuthEventIDs()),
		},
	}
}

// checkServerInRoom rejects requests from servers with no user in the room.
// State and history must not leak to arbitrary servers.
func checkServerInRoom(
	httpReq *http.Request,
	request *matrix.FederationRequest,
	roomID string,
	rsAPI api.RoomserverInternalAPI,
) *util.JSONResponse {
	res := api.QueryMembershipsForRoomResponse{}
	if err := rsAPI.QueryMembershipsForRoom(httpReq.Context(), &api.QueryMembershipsForRoomRequest{
		RoomID:     roomID,
		JoinedOnly: true,
	}, &res); err != nil {
		util.GetLogger(httpReq.Context()).WithError(err).Error("QueryMembershipsForRoom failed")
		resp := jsonerror.InternalServerError()
		return &resp
	}
	for _, membership := range res.Memberships {
		_, domain, err := matrix.SplitID('@', membership.UserID)
		if err == nil && domain == request.Origin() {
			return nil
		}
	}
	return &util.JSONResponse{
		Code: http.StatusForbidden,
		JSON: jsonerror.Forbidden("The requesting server has no users in this room"),
	}
}
