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
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/matrix-org/util"

	"github.com/element-hq/spire/clientapi/auth"
	"github.com/element-hq/spire/clientapi/httputil"
	"github.com/element-hq/spire/clientapi/jsonerror"
	"github.com/element-hq/spire/setup/config"
	userapi "github.com/element-hq/spire/userapi/api"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 512
	maxUsernameLength = 254
)

var validUsernameRegex = regexp.MustCompile(`^[0-9a-z_\-=./]+$`)

type registerRequest struct {
	Username           string  `json:"username"`
	Password           string  `json:"password"`
	DeviceID           *string `json:"device_id"`
	InitialDisplayName *string `json:"initial_device_display_name"`
	InhibitLogin       bool    `json:"inhibit_login"`
	Auth               struct {
		Type    string `json:"type"`
		Session string `json:"session"`
	} `json:"auth"`
}

type registerResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
}

// Register implements POST /_matrix/client/v3/register
func Register(
	req *http.Request,
	userAPI userapi.UserInternalAPI,
	cfg *config.ClientAPI,
) util.JSONResponse {
	var r registerRequest
	if resErr := httputil.UnmarshalJSONRequest(req, &r); resErr != nil {
		return *resErr
	}

	if cfg.RegistrationDisabled {
		return util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: jsonerror.Forbidden("Registration is disabled"),
		}
	}

	// Registration uses a dummy UIA flow: the first request gets a session
	// and the flows, the second request with auth.type=m.login.dummy
	// completes.
	if r.Auth.Type == "" {
		return util.JSONResponse{
			Code: http.StatusUnauthorized,
			JSON: struct {
				Flows   []config.AuthFlow      `json:"flows"`
				Session string                 `json:"session"`
				Params  map[string]interface{} `json:"params"`
			}{
				Flows:   []config.AuthFlow{{Stages: []string{auth.LoginTypeDummy}}},
				Session: util.RandomString(24),
				Params:  map[string]interface{}{},
			},
		}
	}
	if r.Auth.Type != auth.LoginTypeDummy {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.Unrecognized("Unknown auth type: " + r.Auth.Type),
		}
	}

	if resErr := validateUsername(r.Username); resErr != nil {
		return *resErr
	}
	if resErr := validatePassword(r.Password); resErr != nil {
		return *resErr
	}

	accRes := userapi.PerformAccountCreationResponse{}
	if err := userAPI.PerformAccountCreation(req.Context(), &userapi.PerformAccountCreationRequest{
		Localpart:   strings.ToLower(r.Username),
		Password:    r.Password,
		AccountType: userapi.AccountTypeUser,
	}, &accRes); err != nil {
		if _, ok := err.(*userapi.ErrorConflict); ok {
			return util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: jsonerror.UserInUse("Desired user ID is already taken."),
			}
		}
		util.GetLogger(req.Context()).WithError(err).Error("PerformAccountCreation failed")
		return jsonerror.InternalServerError()
	}

	if r.InhibitLogin {
		return util.JSONResponse{
			Code: http.StatusOK,
			JSON: registerResponse{UserID: accRes.Account.UserID},
		}
	}

	var deviceID string
	if r.DeviceID != nil {
		deviceID = *r.DeviceID
	}
	var displayName string
	if r.InitialDisplayName != nil {
		displayName = *r.InitialDisplayName
	}
	devRes := userapi.PerformDeviceCreationResponse{}
	if err := userAPI.PerformDeviceCreation(req.Context(), &userapi.PerformDeviceCreationRequest{
		Localpart:   accRes.Account.Localpart,
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
		JSON: registerResponse{
			UserID:      accRes.Account.UserID,
			AccessToken: devRes.Device.AccessToken,
			DeviceID:    devRes.Device.ID,
		},
	}
}

func validateUsername(username string) *util.JSONResponse {
	if username == "" || len(username) > maxUsernameLength {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.InvalidUsername(fmt.Sprintf("Username must be between 1 and %d characters", maxUsernameLength)),
		}
	}
	if !validUsernameRegex.MatchString(strings.ToLower(username)) {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.InvalidUsername("Username can only contain characters a-z, 0-9, or '_-./='"),
		}
	}
	if username[0] == '_' {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.InvalidUsername("Username cannot start with a '_'"),
		}
	}
	return nil
}

func validatePassword(password string) *util.JSONResponse {
	if len(password) > maxPasswordLength {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.BadJSON(fmt.Sprintf("'password' >%d characters", maxPasswordLength)),
		}
	}
	if len(password) < minPasswordLength {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.WeakPassword(fmt.Sprintf("password too weak: min %d chars", minPasswordLength)),
		}
	}
	return nil
}
