// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/spire/clientapi/jsonerror"
	"github.com/element-hq/spire/matrix"
	"github.com/element-hq/spire/setup/config"
)

// DownloadMedia implements GET /_matrix/federation/v1/media/download/{mediaId}
// and the legacy GET /_matrix/media/v3/download/{serverName}/{mediaId}.
//
// Media is served as stored: no transcoding or thumbnailing happens here.
// The authenticated endpoint checks the X-Matrix signature; requesters that
// do not understand it fall back to the legacy path on their side. The
// handler streams the file itself rather than going through the JSON
// wrappers.
func DownloadMedia(
	cfg *config.Global, keys matrix.JSONVerifier, authenticated bool,
) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if authenticated {
			if _, err := matrix.VerifyHTTPRequest(req, time.Now(), cfg.ServerName, keys); err != nil {
				logrus.WithError(err).Warn("Rejected unauthenticated media download")
				writeMediaError(w, http.StatusUnauthorized, jsonerror.Forbidden("Invalid X-Matrix signature"))
				return
			}
		}
		mediaID := mux.Vars(req)["mediaId"]
		// Media IDs are opaque; refuse anything that could traverse out of
		// the store.
		if cfg.MediaStorePath == "" || mediaID == "" || strings.ContainsAny(mediaID, "/\\.") {
			writeMediaError(w, http.StatusNotFound, jsonerror.NotFound("Media not found"))
			return
		}
		path := filepath.Join(string(cfg.MediaStorePath), mediaID)
		if _, err := os.Stat(path); err != nil {
			writeMediaError(w, http.StatusNotFound, jsonerror.NotFound("Media not found"))
			return
		}
		http.ServeFile(w, req, path)
	})
}

func writeMediaError(w http.ResponseWriter, code int, body *jsonerror.MatrixError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
