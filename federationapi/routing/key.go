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
	"crypto/ed25519"
	"net/http"
	"time"

	"github.com/matrix-org/util"

	"github.com/element-hq/spire/clientapi/jsonerror"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/setup/config"
)

// LocalKeys implements GET /_matrix/key/v2/server. The response is
// self-signed so that requesters can verify it came from us.
func LocalKeys(httpReq *http.Request, cfg *config.Global) util.JSONResponse {
	keys, err := localKeys(cfg, time.Now().Add(cfg.KeyValidityPeriod))
	if err != nil {
		util.GetLogger(httpReq.Context()).WithError(err).Error("failed to create local keys")
		return jsonerror.InternalServerError()
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: matrix.RawJSON(keys.Raw)}
}

func localKeys(cfg *config.Global, validUntil time.Time) (*matrix.ServerKeys, error) {
	publicKey := cfg.PrivateKey.Public().(ed25519.PublicKey)

	keys := matrix.ServerKeys{
		ServerName: cfg.ServerName,
		VerifyKeys: map[matrix.KeyID]matrix.VerifyKey{
			cfg.KeyID: {
				Key: matrix.Base64String(publicKey),
			},
		},
		OldVerifyKeys: map[matrix.KeyID]matrix.OldVerifyKey{},
		ValidUntilTS:  matrix.AsTimestamp(validUntil),
	}

	toSign, err := matrix.CanonicalJSONValue(keys)
	if err != nil {
		return nil, err
	}

	signed, err := matrix.SignJSON(string(cfg.ServerName), cfg.KeyID, cfg.PrivateKey, toSign)
	if err != nil {
		return nil, err
	}

	keys.Raw = signed
	return &keys, nil
}
