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
	"strings"

	"github.com/matrix-org/util"

	"github.com/element-hq/spire/clientapi/auth"
	"github.com/element-hq/spire/clientapi/httputil"
	"github.com/element-hq/spire/clientapi/jsonerror"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/setup/config"
	userapi "github.com/element-hq/spire/userapi/api"
)

type loginRequest struct {
	Type       string `json:"type"`
	Identifier struct {
		Type string `json:"type"`
		User string `json:"user"`
	} `json:"identifier"`
	// Deprecated login field kept for older clients.
	User     string `json:"user"`
	Password string `json:"password"`

	DeviceID           *string `json:"device_id"`
	InitialDisplayName *string `json:"initial_device_display_name"`
}

type loginResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

type flowsResponse struct {
	Flows []flow `json:"flows"`
}

type flow struct {
	Type string `json:"type"`
}

// Login implements GET and POST /_matrix/client/v3/login
func Login(
	req *http.Request,
	userAPI userapi.UserInternalAPI,
	cfg *config.ClientAPI,
) util.JSONResponse {
	if req.Method == http.MethodGet {
		return util.JSONResponse{
			Code: http.StatusOK,
			JSON: flowsResponse{Flows: []flow{{Type: auth.LoginTypePassword}}},
		}
	}

	var r loginRequest
	if resErr := httputil.UnmarshalJSONRequest(req, &r); resErr != nil {
		return *resErr
	}
	if r.Type != auth.LoginTypePassword {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.InvalidParam("Unsupported login type: " + r.Type),
		}
	}

	username := r.Identifier.User
	if username == "" {
		username = r.User
	}
	if username == "" {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.BadJSON("A username must be supplied."),
		}
	}
	localpart := strings.ToLower(username)
	if strings.HasPrefix(localpart, "@") {
		var err error
		localpart, _, err = matrix.SplitID('@', localpart)
		if err != nil {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: jsonerror.InvalidUsername("Invalid user ID"),
			}
		}
	}

	res := userapi.QueryAccountByPasswordResponse{}
	if err := userAPI.QueryAccountByPassword(req.Context(), &userapi.QueryAccountByPasswordRequest{
		Localpart: localpart,
		Password:  r.Password,
	}, &res); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("QueryAccountByPassword failed")
		return jsonerror.InternalServerError()
	}
	if !res.Exists {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: jsonerror.Forbidden("The username or password was incorrect or the account does not exist."),
		}
	}

	var deviceID, displayName string
	if r.DeviceID != nil {
		deviceID = *r.DeviceID
	}
	if r.InitialDisplayName != nil {
		displayName = *r.InitialDisplayName
	}
	devRes := userapi.PerformDeviceCreationResponse{}
	if err := userAPI.PerformDeviceCreation(req.Context(), &userapi.PerformDeviceCreationRequest{
		Localpart:   res.Account.Localpart,
		DeviceID:    deviceID,
		DisplayName: displayName,
		IPAddr:      req.RemoteAddr,
		UserAgent:   req.UserAgent(),
	}, &devRes); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("PerformDeviceCreation failed")
		return jsonerror.InternalServerError()
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: loginResponse{
			UserID:      res.Account.UserID,
			AccessToken: devRes.Device.AccessToken,
			DeviceID:    devRes.Device.ID,
		},
	}
}
