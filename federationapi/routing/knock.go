// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"encoding/json"
	"net/http"

	"github.com/matrix-org/util"

	"github.com/element-hq/spire/clientapi/jsonerror"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/api"
	"github.com/element-hq/spire/setup/config"
)

// MakeKnock implements GET /_matrix/federation/v1/make_knock/{roomID}/{userID}
func MakeKnock(
	httpReq *http.Request,
	request *matrix.FederationRequest,
	roomID, userID string,
	remoteVersions []matrix.RoomVersion,
	cfg *config.Global,
	rsAPI api.RoomserverInternalAPI,
) util.JSONResponse {
	verRes := api.QueryRoomVersionForRoomResponse{}
	if err := rsAPI.QueryRoomVersionForRoom(httpReq.Context(), &api.QueryRoomVersionForRoomRequest{RoomID: roomID}, &verRes); err != nil {
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: jsonerror.NotFound("Room does not exist"),
		}
	}
	if allowed, err := verRes.RoomVersion.AllowKnocking(); err != nil || !allowed {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: jsonerror.Forbidden("This room version does not support knocking"),
		}
	}

	_, domain, err := matrix.SplitID('@', userID)
	if err != nil || domain != request.Origin() {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: jsonerror.Forbidden("The knock must be requested by the user's server"),
		}
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

	builder := matrix.EventBuilder{
		Sender:     userID,
		RoomID:     roomID,
		Type:       matrix.MRoomMember,
		StateKey:   &userID,
		PrevEvents: stateRes.LatestEventIDs,
		Depth:      stateRes.Depth,
	}
	if err := builder.SetContent(map[string]interface{}{"membership": matrix.Knock}); err != nil {
		util.GetLogger(httpReq.Context()).WithError(err).Error("builder.SetContent failed")
		return jsonerror.InternalServerError()
	}
	needed, err := matrix.StateNeededForEventBuilder(&builder)
	if err != nil {
		util.GetLogger(httpReq.Context()).WithError(err).Error("StateNeededForEventBuilder failed")
		return jsonerror.InternalServerError()
	}
	var authEventIDs []string
	for _, tuple := range needed.Tuples() {
		for _, stateEvent := range stateRes.StateEvents {
			if stateEvent.Type() == tuple.EventType && stateEvent.StateKeyEquals(tuple.StateKey) {
				authEventIDs = append(authEventIDs, stateEvent.EventID())
			}
		}
	}
	builder.AuthEvents = authEventIDs

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: matrix.RespMakeKnock{
			KnockEvent:  builder,
			RoomVersion: verRes.RoomVersion,
		},
	}
}

// SendKnock implements PUT /_matrix/federation/v1/send_knock/{roomID}/{eventID}
func SendKnock(
	httpReq *http.Request,
	request *matrix.FederationRequest,
	roomID, eventID string,
	cfg *config.Global,
	rsAPI api.RoomserverInternalAPI,
	keys matrix.JSONVerifier,
) util.JSONResponse {
	verRes := api.QueryRoomVersionForRoomResponse{}
	if err := rsAPI.QueryRoomVersionForRoom(httpReq.Context(), &api.QueryRoomVersionForRoomRequest{RoomID: roomID}, &verRes); err != nil {
		return util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: jsonerror.NotFound("Room does not exist"),
		}
	}

	event, err := matrix.NewEventFromUntrustedJSON(request.Content(), verRes.RoomVersion)
	if err != nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.BadJSON("The knock event is invalid: " + err.Error()),
		}
	}
	if event.RoomID() != roomID || event.EventID() != eventID {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.BadJSON("The room ID or event ID in the request path must match the event"),
		}
	}
	if membership, merr := event.Membership(); merr != nil || membership != matrix.Knock {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.BadJSON("The event must be a knock m.room.member event"),
		}
	}
	if err = matrix.VerifyAllEventSignatures(httpReq.Context(), []*matrix.Event{event}, keys); err != nil {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: jsonerror.Forbidden("The knock must be signed by the knocking server"),
		}
	}

	signedEvent := event.Sign(string(cfg.ServerName), cfg.KeyID, cfg.PrivateKey)

	res := api.InputRoomEventsResponse{}
	rsAPI.InputRoomEvents(httpReq.Context(), &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{{
			Kind:         api.KindNew,
			Event:        signedEvent,
			Origin:       request.Origin(),
			SendAsServer: string(cfg.ServerName),
		}},
	}, &res)
	if err := res.Err(); err != nil {
		util.GetLogger(httpReq.Context()).WithError(err).Warn("Rejected federated knock")
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: jsonerror.Forbidden("The knock was not allowed: " + err.Error()),
		}
	}

	// Give the knocking server some stripped state so its user can display
	// the room while the knock is pending.
	strippedTypes := []matrix.StateKeyTuple{
		{EventType: matrix.MRoomCreate, StateKey: ""},
		{EventType: matrix.MRoomName, StateKey: ""},
		{EventType: matrix.MRoomTopic, StateKey: ""},
		{EventType: matrix.MRoomJoinRules, StateKey: ""},
		{EventType: matrix.MRoomCanonicalAlias, StateKey: ""},
	}
	stateRes := api.QueryLatestEventsAndStateResponse{}
	if err := rsAPI.QueryLatestEventsAndState(httpReq.Context(), &api.QueryLatestEventsAndStateRequest{
		RoomID:       roomID,
		StateToFetch: strippedTypes,
	}, &stateRes); err != nil {
		util.GetLogger(httpReq.Context()).WithError(err).Error("QueryLatestEventsAndState failed")
		return jsonerror.InternalServerError()
	}
	stripped := make([]json.RawMessage, 0, len(stateRes.StateEvents))
	for _, stateEvent := range stateRes.StateEvents {
		stripped = append(stripped, stateEvent.JSON())
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: matrix.RespSendKnock{KnockRoomState: stripped},
	}
}
