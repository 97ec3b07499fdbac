// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/matrix-org/util"

	"github.com/element-hq/spire/clientapi/jsonerror"
	"github.com/element-hq/spire/matrix"
	userapi "github.com/element-hq/spire/userapi/api"
)

// The login types supported by user-interactive auth.
const (
	LoginTypePassword = "m.login.password"
	LoginTypeDummy    = "m.login.dummy"
)

// UserInteractive checks that the user is who they claim to be, via a UIA
// flow: https://matrix.org/docs/spec/client_server/r0.6.1#user-interactive-authentication-api
type UserInteractive struct {
	userAPI userapi.UserInternalAPI
	// The flows a client can use to complete auth.
	Flows []userInteractiveFlow
	// The currently active sessions.
	sessionsMu sync.Mutex
	sessions   map[string][]string // session id -> completed stages
}

type userInteractiveFlow struct {
	Stages []string `json:"stages"`
}

// NewUserInteractive creates the UIA helper with a password flow.
func NewUserInteractive(userAPI userapi.UserInternalAPI) *UserInteractive {
	return &UserInteractive{
		userAPI: userAPI,
		Flows: []userInteractiveFlow{
			{Stages: []string{LoginTypePassword}},
		},
		sessions: make(map[string][]string),
	}
}

// Challenge returns an HTTP 401 with the supported flows for a new session.
// Per the specification the challenge carries errcode M_FORBIDDEN alongside
// the flows so older clients surface something sensible.
func (u *UserInteractive) Challenge(sessionID string) *util.JSONResponse {
	u.sessionsMu.Lock()
	u.sessions[sessionID] = []string{}
	u.sessionsMu.Unlock()
	return &util.JSONResponse{
		Code: http.StatusUnauthorized,
		JSON: struct {
			Flows   []userInteractiveFlow  `json:"flows"`
			Session string                 `json:"session"`
			Params  map[string]interface{} `json:"params"`
			ErrCode string                 `json:"errcode"`
			Error   string                 `json:"error"`
		}{
			u.Flows, sessionID, map[string]interface{}{}, "M_FORBIDDEN", "Authentication is required",
		},
	}
}

// NewSession returns a challenge for a brand new UIA session.
func (u *UserInteractive) NewSession() *util.JSONResponse {
	return u.Challenge(util.RandomString(sessionIDLength))
}

const sessionIDLength = 24

// Verify returns an error/challenge response to send to the client, or nil
// if the user is authenticated for this request.
func (u *UserInteractive) Verify(ctx context.Context, bodyBytes []byte, device *userapi.Device) *util.JSONResponse {
	var body struct {
		Auth struct {
			Type       string `json:"type"`
			Session    string `json:"session"`
			Password   string `json:"password"`
			Identifier struct {
				Type string `json:"type"`
				User string `json:"user"`
			} `json:"identifier"`
		} `json:"auth"`
	}
	if err := json.Unmarshal(bodyBytes, &body); err != nil {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.BadJSON("The request body could not be decoded into valid JSON"),
		}
	}

	// A request without an auth block starts a new session.
	if body.Auth.Type == "" {
		return u.NewSession()
	}

	sessionID := body.Auth.Session
	u.sessionsMu.Lock()
	_, sessionExists := u.sessions[sessionID]
	u.sessionsMu.Unlock()
	if !sessionExists {
		return u.Challenge(sessionID)
	}

	switch body.Auth.Type {
	case LoginTypePassword:
		// The identifier is optional: default to the user the device
		// belongs to.
		userID := device.UserID
		if body.Auth.Identifier.User != "" {
			userID = body.Auth.Identifier.User
		}
		localpart, _, err := matrix.SplitID('@', userID)
		if err != nil {
			localpart = userID
		}
		res := userapi.QueryAccountByPasswordResponse{}
		if err := u.userAPI.QueryAccountByPassword(ctx, &userapi.QueryAccountByPasswordRequest{
			Localpart: localpart,
			Password:  body.Auth.Password,
		}, &res); err != nil {
			util.GetLogger(ctx).WithError(err).Error("QueryAccountByPassword failed")
			resp := jsonerror.InternalServerError()
			return &resp
		}
		if !res.Exists || res.Account == nil || res.Account.UserID != device.UserID {
			return &util.JSONResponse{
				Code: http.StatusUnauthorized,
				JSON: jsonerror.Forbidden("The supplied password is incorrect"),
			}
		}
	default:
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: jsonerror.Unrecognized("Unknown auth type: " + body.Auth.Type),
		}
	}

	// The flow is complete: retire the session.
	u.sessionsMu.Lock()
	delete(u.sessions, sessionID)
	u.sessionsMu.Unlock()
	return nil
}
