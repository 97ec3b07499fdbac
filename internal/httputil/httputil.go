// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/util"
	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/spire/clientapi/jsonerror"
	"github.com/element-hq/spire/matrix"
	userapi "github.com/element-hq/spire/userapi/api"
)

var requestDurations = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "spire",
		Subsystem: "http",
		Name:      "requests_duration_seconds",
		Help:      "How long HTTP requests take to process",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"endpoint"},
)

// BasicAuth is used for diagnostic endpoints.
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MakeAuthAPI turns a util.JSONRequestHandler function into an http.Handler
// which authenticates the request with an access token.
func MakeAuthAPI(
	metricsName string, userAPI userapi.QueryAcccessTokenAPI,
	f func(*http.Request, *userapi.Device) util.JSONResponse,
) http.Handler {
	h := func(req *http.Request) util.JSONResponse {
		logger := util.GetLogger(req.Context())

		token, err := ExtractAccessToken(req)
		if err != nil {
			return util.JSONResponse{
				Code: http.StatusUnauthorized,
				JSON: jsonerror.MissingToken(err.Error()),
			}
		}
		var res userapi.QueryAccessTokenResponse
		if err := userAPI.QueryAccessToken(req.Context(), &userapi.QueryAccessTokenRequest{
			AccessToken: token,
		}, &res); err != nil {
			logger.WithError(err).Error("userAPI.QueryAccessToken failed")
			return jsonerror.InternalServerError()
		}
		if res.Err != "" || res.Device == nil {
			return util.JSONResponse{
				Code: http.StatusUnauthorized,
				JSON: jsonerror.UnknownToken("Unknown token"),
			}
		}

		logger = logger.WithField("user_id", res.Device.UserID)
		req = req.WithContext(util.ContextWithLogger(req.Context(), logger))

		return f(req, res.Device)
	}
	return MakeExternalAPI(metricsName, h)
}

// MakeExternalAPI turns a util.JSONRequestHandler function into an
// http.Handler. This is used for APIs that are called from the internet.
func MakeExternalAPI(metricsName string, f func(*http.Request) util.JSONResponse) http.Handler {
	withSpan := func(req *http.Request) util.JSONResponse {
		span := opentracing.StartSpan(metricsName)
		defer span.Finish()
		req = req.WithContext(opentracing.ContextWithSpan(req.Context(), span))
		started := time.Now()
		defer func() {
			requestDurations.WithLabelValues(metricsName).Observe(time.Since(started).Seconds())
		}()
		defer func() {
			if r := recover(); r != nil {
				sentry.CurrentHub().Recover(r)
				logrus.WithField("panic", r).Error("Recovered from panic in HTTP handler")
				panic(r) // re-panic so util can turn it into a 500
			}
		}()
		return f(req)
	}
	return util.MakeJSONAPI(util.NewJSONRequestHandler(withSpan))
}

// MakeFedAPI makes an http.Handler that checks matrix federation authentication.
func MakeFedAPI(
	metricsName string, serverName matrix.ServerName, keyRing matrix.JSONVerifier,
	f func(*http.Request, *matrix.FederationRequest) util.JSONResponse,
) http.Handler {
	h := func(req *http.Request) util.JSONResponse {
		fedReq, err := matrix.VerifyHTTPRequest(req, time.Now(), serverName, keyRing)
		if err != nil {
			util.GetLogger(req.Context()).WithError(err).Warn("Failed to verify incoming federation request")
			return util.JSONResponse{
				Code: http.StatusUnauthorized,
				JSON: jsonerror.Forbidden("Invalid X-Matrix signature"),
			}
		}
		return f(req, fedReq)
	}
	return MakeExternalAPI(metricsName, h)
}

// ExtractAccessToken from a request, or return an error detailing what went
// wrong. The parsing is strict about the Bearer scheme but lenient about
// extra whitespace.
func ExtractAccessToken(req *http.Request) (string, error) {
	authBearer := req.Header.Get("Authorization")
	if authBearer == "" {
		return "", &jsonerror.MatrixError{
			ErrCode: "M_MISSING_TOKEN",
			Err:     "Missing access token",
		}
	}
	parts := strings.SplitN(strings.TrimSpace(authBearer), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", &jsonerror.MatrixError{
			ErrCode: "M_MISSING_TOKEN",
			Err:     "Invalid Authorization header",
		}
	}
	return strings.TrimSpace(parts[1]), nil
}
