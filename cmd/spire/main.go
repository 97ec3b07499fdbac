// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package main

import (
	"context"
	"flag"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	_ "github.com/kardianos/minwinsvc"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	clientrouting "github.com/element-hq/spire/clientapi/routing"
	fedconsumers "github.com/element-hq/spire/federationapi/consumers"
	fedqueue "github.com/element-hq/spire/federationapi/queue"
	fedrouting "github.com/element-hq/spire/federationapi/routing"
	"github.com/element-hq/spire/federationapi/statistics"
	"github.com/element-hq/spire/internal"
	"github.com/element-hq/spire/internal/caching"
	"github.com/element-hq/spire/internal/fulltext"
	"github.com/element-hq/spire/internal/httputil"
	"github.com/element-hq/spire/internal/transactions"
	"github.com/element-hq/spire/matrix"
	rsinternal "github.com/element-hq/spire/roomserver/internalapi"
	rsstorage "github.com/element-hq/spire/roomserver/storage/shared"
	"github.com/element-hq/spire/setup/config"
	"github.com/element-hq/spire/setup/jetstream"
	syncconsumers "github.com/element-hq/spire/syncapi/consumers"
	"github.com/element-hq/spire/syncapi/notifier"
	"github.com/element-hq/spire/syncapi/producers"
	syncstorage "github.com/element-hq/spire/syncapi/storage"
	"github.com/element-hq/spire/syncapi/sync"
	userconsumers "github.com/element-hq/spire/userapi/consumers"
	userinternal "github.com/element-hq/spire/userapi/internalapi"
	userstorage "github.com/element-hq/spire/userapi/storage"
)

var (
	configPath = flag.String("config", "spire.yaml", "The path to the config file.")
	httpAddr   = flag.String("http-bind-address", ":8008", "The HTTP listening port for the server")
)

func main() {
	flag.Parse()
	internal.SetupStdLogging()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	internal.SetupHookLogging(cfg.Global.Logging)

	if cfg.Global.Sentry.Enabled {
		if err = sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Global.Sentry.DSN,
			Environment: cfg.Global.Sentry.Environment,
		}); err != nil {
			logrus.WithError(err).Fatal("Failed to start Sentry")
		}
		defer sentry.Flush(time.Second * 2)
	}

	closer, err := internal.SetupTracing("spire", &cfg.Global.Tracing)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to start tracer")
	}
	defer closer.Close() // nolint: errcheck

	ctx := context.Background()
	caches := caching.NewRistrettoCache(128*1024*1024, cfg.Global.Metrics.Enabled)
	js, natsConn := jetstream.Prepare(&cfg.Global.JetStream)
	defer natsConn.Close()

	fedClient := matrix.NewFederationClient(
		cfg.Global.ServerName, cfg.Global.KeyID, cfg.Global.PrivateKey,
		cfg.FederationAPI.FederationTimeout, cfg.FederationAPI.DisableTLSValidation,
	)
	keyRing := matrix.NewKeyRing(fedClient, nil)

	rsDB, err := rsstorage.Open(&cfg.Global.DatabaseOptions, caches)
	if err != nil {
		logrus.WithError(err).Panic("Failed to open roomserver database")
	}
	rsAPI := rsinternal.NewRoomserverAPI(cfg, rsDB, keyRing, fedClient, js)

	userDB, err := userstorage.Open(&cfg.Global.DatabaseOptions, cfg.Global.ServerName, cfg.UserAPI.BCryptCost)
	if err != nil {
		logrus.WithError(err).Panic("Failed to open user database")
	}
	userAPI := &userinternal.UserAPI{DB: userDB, ServerName: cfg.Global.ServerName}

	syncDB, err := syncstorage.Open(&cfg.Global.DatabaseOptions)
	if err != nil {
		logrus.WithError(err).Panic("Failed to open sync database")
	}
	syncNotifier := notifier.NewNotifier()
	// Start the notifier at the top of the stored stream so that tokens
	// handed out before a restart stay valid.
	if pos, err := syncDB.MaxStreamPosition(ctx); err != nil {
		logrus.WithError(err).Panic("Failed to read sync stream position")
	} else {
		syncNotifier.OnNewEvent(pos, nil)
	}

	var fts *fulltext.Search
	if cfg.SyncAPI.Fulltext.Enabled {
		if fts, err = fulltext.New(cfg.SyncAPI.Fulltext); err != nil {
			logrus.WithError(err).Panic("Failed to open fulltext index")
		}
		defer fts.Close() // nolint: errcheck
	}

	stats := statistics.NewStatistics(cfg.FederationAPI.FederationMaxRetries)
	queues := fedqueue.NewOutgoingQueues(cfg.Global.ServerName, fedClient, &stats)

	outputTopic := cfg.Global.JetStream.Prefixed(jetstream.OutputRoomEvent)
	pushTopic := cfg.Global.JetStream.Prefixed(jetstream.RequestPush)

	if err = syncconsumers.NewOutputRoomEventConsumer(ctx, js, outputTopic, syncDB, syncNotifier, rsAPI, fts).Start(); err != nil {
		logrus.WithError(err).Panic("Failed to start sync consumer")
	}
	if err = fedconsumers.NewOutputRoomEventConsumer(ctx, js, outputTopic, queues, rsAPI, cfg.Global.ServerName).Start(); err != nil {
		logrus.WithError(err).Panic("Failed to start federation consumer")
	}
	if err = userconsumers.NewOutputRoomEventConsumer(ctx, js, outputTopic, pushTopic, userDB, rsAPI, cfg.Global.ServerName).Start(); err != nil {
		logrus.WithError(err).Panic("Failed to start push consumer")
	}

	eduProducer := &producers.EDUProducer{Notifier: syncNotifier, RSAPI: rsAPI}
	syncPool := &sync.RequestPool{DB: syncDB, Notifier: syncNotifier, RSAPI: rsAPI}
	rateLimits := httputil.NewRateLimits(&cfg.ClientAPI.RateLimiting)
	txnCache := transactions.New()

	router := mux.NewRouter().SkipClean(true).UseEncodedPath()
	clientMux := router.PathPrefix("/_matrix/client").Subrouter()
	fedMux := router.PathPrefix("/_matrix/federation").Subrouter()
	keyMux := router.PathPrefix("/_matrix/key/v2").Subrouter()

	clientrouting.Setup(
		clientMux, cfg, rsAPI, rsAPI.Performer, userAPI, syncPool,
		fedClient, fts, txnCache, rateLimits,
	)
	fedrouting.Setup(fedMux, keyMux, cfg, rsAPI, eduProducer, keyRing)

	// Legacy unauthenticated media fallback for older remote servers.
	router.Handle("/_matrix/media/v3/download/{serverName}/{mediaId}",
		fedrouting.DownloadMedia(&cfg.Global, keyRing, false)).Methods(http.MethodGet)

	if cfg.Global.Metrics.Enabled {
		router.Handle("/metrics", promhttp.Handler())
	}

	logrus.WithField("address", *httpAddr).Info("Starting spire")
	server := &http.Server{
		Addr:              *httpAddr,
		Handler:           router,
		ReadHeaderTimeout: time.Second * 10,
	}
	if err := server.ListenAndServe(); err != nil {
		logrus.WithError(err).Fatal("ListenAndServe failed")
	}
}
