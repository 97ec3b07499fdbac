// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/element-hq/spire/internal/sqlutil"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/userapi/api"
	"github.com/element-hq/spire/userapi/storage"
)

// UserAPI is the concrete implementation of the user API: accounts,
// devices, key material and push state over the user database.
type UserAPI struct {
	DB         *storage.Database
	ServerName matrix.ServerName
}

// QueryAccessToken implements api.UserInternalAPI.
func (a *UserAPI) QueryAccessToken(ctx context.Context, req *api.QueryAccessTokenRequest, res *api.QueryAccessTokenResponse) error {
	device, err := a.DB.GetDeviceByAccessToken(ctx, req.AccessToken)
	if err != nil {
		return err
	}
	if device == nil {
		res.Err = "Token not found"
		return nil
	}
	res.Device = device
	return nil
}

// PerformAccountCreation implements api.UserInternalAPI.
func (a *UserAPI) PerformAccountCreation(ctx context.Context, req *api.PerformAccountCreationRequest, res *api.PerformAccountCreationResponse) error {
	account, err := a.DB.CreateAccount(ctx, req.Localpart, req.Password, req.AccountType)
	if err != nil {
		if err == sqlutil.ErrUserExists {
			return &api.ErrorConflict{Message: err.Error()}
		}
		return err
	}
	res.AccountCreated = true
	res.Account = account
	return nil
}

// PerformDeviceCreation implements api.UserInternalAPI.
func (a *UserAPI) PerformDeviceCreation(ctx context.Context, req *api.PerformDeviceCreationRequest, res *api.PerformDeviceCreationResponse) error {
	device, err := a.DB.CreateDevice(ctx, req.Localpart, req.DeviceID, req.DisplayName, req.IPAddr, req.UserAgent)
	if err != nil {
		return err
	}
	res.Device = device
	return nil
}

// PerformDeviceDeletion implements api.UserInternalAPI. Deleting a device
// invalidates its access token and removes its long-term device keys; its
// one-time and fallback keys are left in place.
func (a *UserAPI) PerformDeviceDeletion(ctx context.Context, req *api.PerformDeviceDeletionRequest, res *api.PerformDeviceDeletionResponse) error {
	localpart, _, err := matrix.SplitID('@', req.UserID)
	if err != nil {
		return err
	}
	if err := a.DB.RemoveDevices(ctx, localpart, req.DeviceIDs); err != nil {
		return err
	}
	for _, deviceID := range req.DeviceIDs {
		if err := a.DB.DeleteDeviceKeys(ctx, req.UserID, deviceID); err != nil {
			return err
		}
	}
	return nil
}

// QueryDevices implements api.UserInternalAPI.
func (a *UserAPI) QueryDevices(ctx context.Context, req *api.QueryDevicesRequest, res *api.QueryDevicesResponse) error {
	localpart, _, err := matrix.SplitID('@', req.UserID)
	if err != nil {
		return err
	}
	devices, err := a.DB.GetDevicesByLocalpart(ctx, localpart)
	if err != nil {
		return err
	}
	res.UserExists = true
	res.Devices = devices
	return nil
}

// QueryAccountByPassword implements api.UserInternalAPI.
func (a *UserAPI) QueryAccountByPassword(ctx context.Context, req *api.QueryAccountByPasswordRequest, res *api.QueryAccountByPasswordResponse) error {
	account, err := a.DB.GetAccountByPassword(ctx, req.Localpart, req.Password)
	switch err {
	case nil:
		res.Exists = true
		res.Account = account
		return nil
	case bcrypt.ErrMismatchedHashAndPassword:
		return nil
	default:
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
}

// PerformUploadKeys implements api.UserInternalAPI.
func (a *UserAPI) PerformUploadKeys(ctx context.Context, req *api.PerformUploadKeysRequest, res *api.PerformUploadKeysResponse) error {
	if req.DeviceKeys != nil {
		if err := a.DB.UpsertDeviceKeys(ctx, req.DeviceKeys); err != nil {
			return err
		}
	}
	if req.OneTimeKeys != nil {
		counts, err := a.DB.StoreOneTimeKeys(ctx, req.OneTimeKeys, false)
		if err != nil {
			return err
		}
		res.OneTimeKeyCounts = counts
	}
	if req.FallbackKeys != nil {
		if _, err := a.DB.StoreOneTimeKeys(ctx, req.FallbackKeys, true); err != nil {
			return err
		}
	}
	if res.OneTimeKeyCounts == nil {
		counts, err := a.DB.OneTimeKeyCounts(ctx, req.UserID, req.DeviceID)
		if err != nil {
			return err
		}
		res.OneTimeKeyCounts = counts
	}
	return nil
}

// PerformClaimKeys implements api.UserInternalAPI.
func (a *UserAPI) PerformClaimKeys(ctx context.Context, req *api.PerformClaimKeysRequest, res *api.PerformClaimKeysResponse) error {
	res.OneTimeKeys = map[string]map[string]map[string]json.RawMessage{}
	for userID, devices := range req.OneTimeKeys {
		for deviceID, algorithm := range devices {
			keyID, keyJSON, err := a.DB.ClaimOneTimeKey(ctx, userID, deviceID, algorithm)
			if err != nil {
				return err
			}
			if keyJSON == nil {
				continue
			}
			if res.OneTimeKeys[userID] == nil {
				res.OneTimeKeys[userID] = map[string]map[string]json.RawMessage{}
			}
			if res.OneTimeKeys[userID][deviceID] == nil {
				res.OneTimeKeys[userID][deviceID] = map[string]json.RawMessage{}
			}
			res.OneTimeKeys[userID][deviceID][keyID] = keyJSON
		}
	}
	return nil
}

// PerformUploadCrossSigningKeys implements api.UserInternalAPI.
func (a *UserAPI) PerformUploadCrossSigningKeys(ctx context.Context, req *api.PerformUploadCrossSigningKeysRequest) error {
	if req.MasterKey != nil {
		if err := a.DB.UpsertCrossSigningKey(ctx, req.UserID, api.CrossSigningKeyPurposeMaster, req.MasterKey); err != nil {
			return err
		}
	}
	if req.SelfSigningKey != nil {
		if err := a.DB.UpsertCrossSigningKey(ctx, req.UserID, api.CrossSigningKeyPurposeSelfSigning, req.SelfSigningKey); err != nil {
			return err
		}
	}
	if req.UserSigningKey != nil {
		if err := a.DB.UpsertCrossSigningKey(ctx, req.UserID, api.CrossSigningKeyPurposeUserSigning, req.UserSigningKey); err != nil {
			return err
		}
	}
	return nil
}

// QueryKeys implements api.UserInternalAPI.
func (a *UserAPI) QueryKeys(ctx context.Context, req *api.QueryKeysRequest, res *api.QueryKeysResponse) error {
	res.DeviceKeys = map[string]map[string]json.RawMessage{}
	res.MasterKeys = map[string]api.CrossSigningKey{}
	res.SelfSigningKeys = map[string]api.CrossSigningKey{}
	res.UserSigningKeys = map[string]api.CrossSigningKey{}
	for userID, deviceIDs := range req.UserToDevices {
		deviceKeys, err := a.DB.DeviceKeysForUser(ctx, userID, deviceIDs)
		if err != nil {
			return err
		}
		if len(deviceKeys) > 0 {
			res.DeviceKeys[userID] = deviceKeys
		}
		crossSigning, err := a.DB.CrossSigningKeysForUser(ctx, userID)
		if err != nil {
			return err
		}
		if key, ok := crossSigning[api.CrossSigningKeyPurposeMaster]; ok {
			res.MasterKeys[userID] = key
		}
		if key, ok := crossSigning[api.CrossSigningKeyPurposeSelfSigning]; ok {
			res.SelfSigningKeys[userID] = key
		}
		if key, ok := crossSigning[api.CrossSigningKeyPurposeUserSigning]; ok {
			res.UserSigningKeys[userID] = key
		}
	}
	return nil
}

// PerformPushReceipt is called by the push gateway layer to report the
// outcome of a notification delivery: it updates the notification status
// and the pusher's failure count for health tracking.
func (a *UserAPI) PerformPushReceipt(ctx context.Context, localpart, appID, pushkey, eventID string, success bool) error {
	status := "sent"
	if !success {
		status = "failed"
	}
	if err := a.DB.SetNotificationStatus(ctx, eventID, status); err != nil {
		return err
	}
	pushers, err := a.DB.Pushers(ctx, localpart)
	if err != nil {
		return err
	}
	for _, pusher := range pushers {
		if pusher.AppID != appID || pusher.PushKey != pushkey {
			continue
		}
		count := 0
		if !success {
			count = pusher.FailureCount + 1
		}
		return a.DB.SetPusherFailureCount(ctx, localpart, appID, pushkey, count)
	}
	return nil
}
