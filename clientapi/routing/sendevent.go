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
	"io"
	"net/http"

	"github.com/matrix-org/util"

	"github.com/element-hq/spire/clientapi/httputil"
	"github.com/element-hq/spire/clientapi/jsonerror"
	"github.com/element-hq/spire/internal/transactions"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/internalapi/perform"
	"github.com/element-hq/spire/roomserver/types"
	userapi "github.com/element-hq/spire/userapi/api"
)

type sendEventResponse struct {
	EventID string `json:"event_id"`
}

// SendEvent implements:
//
//	PUT /_matrix/client/v3/rooms/{roomID}/send/{eventType}/{txnID}
//	PUT /_matrix/client/v3/rooms/{roomID}/state/{eventType}/{stateKey}
//
// Two identical requests with the same transaction ID from the same device
// return the same event ID: the response is cached against the
// (access token, txnID, endpoint) tuple.
func SendEvent(
	req *http.Request,
	device *userapi.Device,
	roomID, eventType string,
	txnID, stateKey *string,
	performer *perform.Performer,
	txnCache *transactions.Cache,
) util.JSONResponse {
	if txnID != nil {
		// Try to fetch response from transactionsCache
		if res, ok := txnCache.FetchTransaction(device.AccessToken, *txnID, req.URL.Path); ok {
			return *res
		}
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("io.ReadAll failed")
		return jsonerror.InternalServerError()
	}
	var content map[string]interface{}
	if resErr := httputil.UnmarshalJSON(body, &content); resErr != nil {
		return *resErr
	}

	builder := &matrix.EventBuilder{
		Sender:   device.UserID,
		RoomID:   roomID,
		Type:     eventType,
		StateKey: stateKey,
	}
	if err := builder.SetContent(content); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("builder.SetContent failed")
		return jsonerror.InternalServerError()
	}

	event, err := performer.BuildAndSendEvent(req.Context(), builder)
	if err != nil {
		return *sendEventError(req, err)
	}

	res := util.JSONResponse{
		Code: http.StatusOK,
		JSON: sendEventResponse{EventID: event.EventID()},
	}
	// Add response to transactionsCache
	if txnID != nil {
		txnCache.AddTransaction(device.AccessToken, *txnID, req.URL.Path, &res)
	}
	return res
}

func sendEventError(req *http.Request, err error) *util.JSONResponse {
	switch err.(type) {
	case types.RejectedError, *matrix.NotAllowed:
		return &util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: jsonerror.Forbidden(err.Error()),
		}
	case matrix.EventValidationError:
		return &util.JSONResponse{
			Code: http.StatusRequestEntityTooLarge,
			JSON: jsonerror.BadJSON(err.Error()),
		}
	}
	if err == types.ErrRoomNoExists {
		return &util.JSONResponse{
			Code: http.StatusNotFound,
			JSON: jsonerror.NotFound("Room does not exist"),
		}
	}
	util.GetLogger(req.Context()).WithError(err).Error("Failed to send event")
	resp := jsonerror.InternalServerError()
	return &resp
}
