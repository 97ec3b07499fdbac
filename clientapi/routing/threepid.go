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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/matrix-org/util"

	"github.com/element-hq/spire/clientapi/httputil"
	"github.com/element-hq/spire/clientapi/jsonerror"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/roomserver/internalapi/perform"
	"github.com/element-hq/spire/setup/config"
	userapi "github.com/element-hq/spire/userapi/api"
)

type threePIDInviteRequest struct {
	IDServer string `json:"id_server"`
	Medium   string `json:"medium"`
	Address  string `json:"address"`
}

// idServerStoreInviteResponse is the response from an identity server's
// /store-invite endpoint.
type idServerStoreInviteResponse struct {
	PublicKey   string `json:"public_key"`
	Token       string `json:"token"`
	DisplayName string `json:"display_name"`
	PublicKeys  []struct {
		PublicKey      matrix.Base64String `json:"public_key"`
		KeyValidityURL string              `json:"key_validity_url"`
	} `json:"public_keys"`
}

// SendThreePIDInvite implements
// POST /_matrix/client/v3/rooms/{roomID}/threepid/invite
//
// The identity server stores the invite against the address and hands back
// a signed token; we emit an m.room.third_party_invite state event keyed by
// that token. When the invitee binds the address, a normal m.room.member
// invite carrying the matching third_party_invite.signed block completes
// the flow.
func SendThreePIDInvite(
	req *http.Request,
	device *userapi.Device,
	roomID string,
	cfg *config.ClientAPI,
	performer *perform.Performer,
) util.JSONResponse {
	var body threePIDInviteRequest
	if resErr := httputil.UnmarshalJSONRequest(req, &body); resErr != nil {
		return *resErr
	}
	if body.IDServer == "" || body.Medium == "" || body.Address == "" {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.BadJSON("Missing id_server, medium or address"),
		}
	}

	stored, err := queryIDServerStoreInvite(req.Context(), cfg, device, roomID, &body)
	if err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("Identity server /store-invite failed")
		return util.JSONResponse{
			Code: http.StatusBadGateway,
			JSON: jsonerror.NotTrusted(body.IDServer),
		}
	}

	publicKeys := make([]matrix.PublicKey, 0, len(stored.PublicKeys)+1)
	for _, key := range stored.PublicKeys {
		publicKeys = append(publicKeys, matrix.PublicKey{
			PublicKey:      key.PublicKey,
			KeyValidityURL: key.KeyValidityURL,
		})
	}

	builder := &matrix.EventBuilder{
		Sender:   device.UserID,
		RoomID:   roomID,
		Type:     matrix.MRoomThirdPartyInvite,
		StateKey: &stored.Token,
	}
	validityURL := fmt.Sprintf("https://%s/_matrix/identity/api/v1/pubkey/isvalid", body.IDServer)
	if err := builder.SetContent(matrix.ThirdPartyInviteContent{
		DisplayName:    stored.DisplayName,
		KeyValidityURL: validityURL,
		PublicKey:      stored.PublicKey,
		PublicKeys:     publicKeys,
	}); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("builder.SetContent failed")
		return jsonerror.InternalServerError()
	}

	if _, err := performer.BuildAndSendEvent(req.Context(), builder); err != nil {
		return *sendEventError(req, err)
	}

	return util.JSONResponse{Code: http.StatusOK, JSON: struct{}{}}
}

// queryIDServerStoreInvite calls the identity server's /store-invite
// endpoint with the invite details.
func queryIDServerStoreInvite(
	ctx context.Context,
	cfg *config.ClientAPI,
	device *userapi.Device,
	roomID string,
	body *threePIDInviteRequest,
) (*idServerStoreInviteResponse, error) {
	requestBody := map[string]string{
		"medium":  body.Medium,
		"address": body.Address,
		"room_id": roomID,
		"sender":  device.UserID,
	}
	payload, err := json.Marshal(requestBody)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("https://%s/_matrix/identity/api/v1/store-invite", body.IDServer)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := http.Client{Timeout: cfg.IdentityServerTimeout}
	resp, err := client.Do(httpReq)
	if resp != nil {
		defer resp.Body.Close() // nolint: errcheck
	}
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity server returned HTTP %d", resp.StatusCode)
	}

	var stored idServerStoreInviteResponse
	if err := json.NewDecoder(resp.Body).Decode(&stored); err != nil {
		return nil, err
	}
	return &stored, nil
}
