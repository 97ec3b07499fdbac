// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import "time"

// ClientAPI contains the config for the client API component.
type ClientAPI struct {
	Matrix  *Global  `yaml:"-"`
	Derived *Derived `yaml:"-"`

	// If set disables new users from registering, by any route.
	RegistrationDisabled bool `yaml:"registration_disabled"`

	// A registration shared secret. It is parsed but nothing reads it, so
	// it does not allow registration while registration is disabled.
	RegistrationSharedSecret string `yaml:"registration_shared_secret"`

	// Rate-limiting options
	RateLimiting RateLimiting `yaml:"rate_limiting"`

	// Timeout applied to calls out to identity servers for 3PID invites.
	IdentityServerTimeout time.Duration `yaml:"identity_server_timeout"`
}

func (c *ClientAPI) Defaults(opts DefaultOpts) {
	c.RegistrationSharedSecret = ""
	c.RegistrationDisabled = false
	c.RateLimiting.Defaults()
	c.IdentityServerTimeout = time.Second * 10
}

func (c *ClientAPI) Verify(configErrs *ConfigErrors) {
	c.RateLimiting.Verify(configErrs)
}

// RateLimiting configures the client API rate limiter.
type RateLimiting struct {
	// Is rate limiting enabled or disabled?
	Enabled bool `yaml:"enabled"`

	// How many "slots" a user can occupy sending requests to a rate-limited
	// endpoint before we apply rate-limiting
	Threshold int64 `yaml:"threshold"`

	// The cooloff period in milliseconds after a request before the "slot"
	// is freed again
	CooloffMS int64 `yaml:"cooloff_ms"`

	// A list of users that are exempt from rate limiting, i.e. if you want
	// to run Mjolnir or other bots.
	ExemptUserIDs []string `yaml:"exempt_user_ids"`
}

func (r *RateLimiting) Verify(configErrs *ConfigErrors) {
	if r.Enabled {
		checkPositive(configErrs, "client_api.rate_limiting.threshold", r.Threshold)
		checkPositive(configErrs, "client_api.rate_limiting.cooloff_ms", r.CooloffMS)
	}
}

func (r *RateLimiting) Defaults() {
	r.Enabled = true
	r.Threshold = 20
	r.CooloffMS = 500
}

// FederationAPI contains the config for the federation API component.
type FederationAPI struct {
	Matrix *Global `yaml:"-"`

	// Timeout applied to federation HTTP requests.
	FederationTimeout time.Duration `yaml:"federation_timeout"`

	// Timeout for server key fetches. It is parsed and defaulted, but no
	// key fetch applies it.
	KeyFetchTimeout time.Duration `yaml:"key_fetch_timeout"`

	// The maximum number of consecutive failures before a destination is
	// considered degraded. Degraded status is logged; it does not change
	// the send rate.
	FederationMaxRetries uint32 `yaml:"send_max_retries"`

	// Whether to prefer direct key fetches over perspective ones. Nothing
	// reads it; keys are only fetched directly.
	PreferDirectFetch bool `yaml:"prefer_direct_fetch"`

	// Disable the validation of TLS certificates of remote federated
	// homeservers. Do not use in production.
	DisableTLSValidation bool `yaml:"disable_tls_validation"`
}

func (c *FederationAPI) Defaults(opts DefaultOpts) {
	c.FederationTimeout = time.Second * 10
	c.KeyFetchTimeout = time.Second * 5
	c.FederationMaxRetries = 16
	c.DisableTLSValidation = false
}

func (c *FederationAPI) Verify(configErrs *ConfigErrors) {
}

// RoomServer contains the config for the roomserver component.
type RoomServer struct {
	Matrix *Global `yaml:"-"`

	// The default room version to use when creating new rooms.
	DefaultRoomVersion string `yaml:"default_room_version"`

	// The budget of missing events that may be fetched from a remote
	// server for one input event's prev-event walk, or for one auth-chain
	// fetch. It is counted afresh for each and is not shared across the
	// events of a transaction.
	MissingEventFetchBudget int `yaml:"missing_event_fetch_budget"`

	// How far we will walk back through prev_events while trying to close a
	// gap. At the cap the event fails with a missing prev events error; no
	// state is fetched instead.
	MissingEventDepthCap int `yaml:"missing_event_depth_cap"`
}

func (c *RoomServer) Defaults(opts DefaultOpts) {
	c.DefaultRoomVersion = "10"
	c.MissingEventFetchBudget = 64
	c.MissingEventDepthCap = 20
}

func (c *RoomServer) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "room_server.missing_event_fetch_budget", int64(c.MissingEventFetchBudget))
	checkPositive(configErrs, "room_server.missing_event_depth_cap", int64(c.MissingEventDepthCap))
}

// SyncAPI contains the config for the sync API component.
type SyncAPI struct {
	Matrix *Global `yaml:"-"`

	// Fulltext search configuration for /search.
	Fulltext Fulltext `yaml:"search"`
}

func (c *SyncAPI) Defaults(opts DefaultOpts) {
	c.Fulltext.Defaults(opts)
}

func (c *SyncAPI) Verify(configErrs *ConfigErrors) {
	c.Fulltext.Verify(configErrs)
}

// Fulltext configures the bleve search index.
type Fulltext struct {
	Enabled bool `yaml:"enabled"`
	// The path where the search index will be created in.
	IndexPath Path `yaml:"index_path"`
	// In memory indexes are mostly useful for testing.
	InMemory bool `yaml:"in_memory"`
	// The language most likely to be used on the server - used when indexing,
	// to ensure the returned results match expectations. A full list of
	// possible languages can be found in the bleve documentation.
	Language string `yaml:"language"`
}

func (f *Fulltext) Defaults(opts DefaultOpts) {
	f.Enabled = false
	f.Language = "en"
	if opts.Generate {
		f.Enabled = true
		f.IndexPath = "./searchindex"
	}
}

func (f *Fulltext) Verify(configErrs *ConfigErrors) {
	if !f.Enabled {
		return
	}
	checkNotEmpty(configErrs, "sync_api.search.index_path", string(f.IndexPath))
	checkNotEmpty(configErrs, "sync_api.search.language", f.Language)
}

// UserAPI contains the config for the user API component.
type UserAPI struct {
	Matrix *Global `yaml:"-"`

	// The cost when hashing passwords.
	BCryptCost int `yaml:"bcrypt_cost"`

	// The length of time an access token is valid for. It is parsed but
	// nothing reads it; access tokens do not expire.
	AccessTokenLifetime time.Duration `yaml:"access_token_lifetime"`

	// How long a client transaction ID to event ID mapping is retained
	// for the purposes of idempotency. It is parsed and defaulted but
	// nothing reads it; the transaction cache uses its own cleanup period.
	TransactionIDLifetime time.Duration `yaml:"transaction_id_lifetime"`
}

func (c *UserAPI) Defaults(opts DefaultOpts) {
	c.BCryptCost = 10
	c.TransactionIDLifetime = time.Minute * 30
}

func (c *UserAPI) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "user_api.bcrypt_cost", int64(c.BCryptCost))
}
