// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"crypto/ed25519"
	"time"

	"github.com/element-hq/spire/matrix"
)

// KeyID is the ID of the server's ed25519 signing key.
type KeyID = matrix.KeyID

// Path is a file path on the local filesystem.
type Path string

// DataSource is a database connection string: either a postgres:// URI or a
// file: URI for SQLite.
type DataSource string

// IsSQLite returns true if the connection string names a SQLite database.
func (d DataSource) IsSQLite() bool {
	switch {
	case len(d) >= 5 && d[:5] == "file:":
		return true
	default:
		return false
	}
}

// IsPostgres returns true if the connection string names a PostgreSQL
// database.
func (d DataSource) IsPostgres() bool {
	return len(d) >= 11 && d[:11] == "postgresql:" ||
		len(d) >= 9 && d[:9] == "postgres:"
}

// Global contains the config options that apply to the whole server.
type Global struct {
	// The name of the server. This is usually the domain name, e.g 'matrix.org', 'localhost'.
	ServerName matrix.ServerName `yaml:"server_name"`

	// Path to the private key which will be used to sign requests and events.
	PrivateKeyPath Path `yaml:"private_key"`

	// The private key which will be used to sign requests and events.
	PrivateKey ed25519.PrivateKey `yaml:"-"`
	// An arbitrary string used to uniquely identify the PrivateKey. Must start with the
	// prefix "ed25519:".
	KeyID KeyID `yaml:"-"`

	// How long a remote server can cache our server key for before requesting it again.
	// Increasing this number will reduce the number of requests made by remote servers
	// for our key, but increases the period a compromised key will be considered valid
	// by remote servers.
	KeyValidityPeriod time.Duration `yaml:"key_validity_period"`

	// Global database connection string. Components open their own pools
	// against this data source.
	DatabaseOptions DatabaseOptions `yaml:"database"`

	// The server name to delegate server-server communications to, with optional port
	WellKnownServerName string `yaml:"well_known_server_name"`

	// Whether to skip TLS certificate verification on outbound federation.
	// Nothing reads this global flag; the federation client uses
	// FederationAPI.DisableTLSValidation.
	DisableTLSValidation bool `yaml:"disable_tls_validation"`

	// Where uploaded media is stored on disk. Empty disables the media
	// repository entirely.
	MediaStorePath Path `yaml:"media_store_path"`

	// JetStream configuration for the internal output event streams.
	JetStream JetStream `yaml:"jetstream"`

	// Metrics configuration.
	Metrics Metrics `yaml:"metrics"`

	// Sentry configuration.
	Sentry Sentry `yaml:"sentry"`

	// Tracing configuration.
	Tracing Tracing `yaml:"tracing"`

	// Logging configuration.
	Logging []LogrusHook `yaml:"logging"`
}

func (c *Global) Defaults(opts DefaultOpts) {
	if opts.Generate {
		c.ServerName = "localhost"
		c.PrivateKeyPath = "matrix_key.pem"
	}
	c.KeyValidityPeriod = time.Hour * 24 * 7
	c.DatabaseOptions.Defaults(90)
	c.JetStream.Defaults(opts)
	c.Metrics.Defaults(opts)
}

func (c *Global) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.server_name", string(c.ServerName))
	checkNotEmpty(configErrs, "global.private_key", string(c.PrivateKeyPath))
	c.DatabaseOptions.Verify(configErrs)
	c.JetStream.Verify(configErrs)
}

// IsLocalServerName returns true if the given server name refers to this
// homeserver.
func (c *Global) IsLocalServerName(serverName matrix.ServerName) bool {
	return c.ServerName == serverName
}

// DatabaseOptions contains the database connection options.
type DatabaseOptions struct {
	// The connection string.
	ConnectionString DataSource `yaml:"connection_string"`
	// Maximum open connections to the DB (0 = use default, negative means unlimited)
	MaxOpenConnections int `yaml:"max_open_conns"`
	// Maximum idle connections to the DB (0 = use default, negative means unlimited)
	MaxIdleConnections int `yaml:"max_idle_conns"`
	// maximum amount of time (in seconds) a connection may be reused
	ConnMaxLifetimeSeconds int `yaml:"conn_max_lifetime"`
	// Query timeout for individual statements. It is parsed and defaulted
	// but not applied to any statement.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

func (c *DatabaseOptions) Defaults(conns int) {
	c.MaxOpenConnections = conns
	c.MaxIdleConnections = 2
	c.ConnMaxLifetimeSeconds = -1
	c.QueryTimeout = time.Second * 2
}

func (c *DatabaseOptions) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.database.connection_string", string(c.ConnectionString))
}

// MaxIdleConns returns maximum idle connections to the DB.
func (c DatabaseOptions) MaxIdleConns() int {
	return c.MaxIdleConnections
}

// MaxOpenConns returns maximum open connections to the DB.
func (c DatabaseOptions) MaxOpenConns() int {
	return c.MaxOpenConnections
}

// ConnMaxLifetime returns maximum amount of time a connection may be reused.
func (c DatabaseOptions) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeSeconds) * time.Second
}

// JetStream configures the internal NATS JetStream server used to stream
// output events between components.
type JetStream struct {
	// A list of NATS addresses to connect to. If none are specified, an
	// internal NATS server will be used when running in monolith mode only.
	Addresses []string `yaml:"addresses"`
	// The prefix to use for stream names for this homeserver - really only
	// useful if running more than one server on the same NATS deployment.
	TopicPrefix string `yaml:"topic_prefix"`
	// Where to store the JetStream stream data for the embedded server.
	StoragePath Path `yaml:"storage_path"`
	// Keep all storage in memory. This is mostly useful for unit tests.
	InMemory bool `yaml:"in_memory"`
}

func (c *JetStream) Defaults(opts DefaultOpts) {
	c.TopicPrefix = "Spire"
	if opts.Generate {
		c.StoragePath = Path("./")
	}
}

func (c *JetStream) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.jetstream.topic_prefix", c.TopicPrefix)
}

// Prefixed returns a stream or subject name with the configured prefix
// applied.
func (c *JetStream) Prefixed(name string) string {
	return c.TopicPrefix + name
}

// Metrics configures Prometheus metrics.
type Metrics struct {
	// Whether or not the metrics are enabled
	Enabled bool `yaml:"enabled"`
	// Use BasicAuth for Authorization
	BasicAuth struct {
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"basic_auth"`
}

func (c *Metrics) Defaults(opts DefaultOpts) {
	c.Enabled = false
}

// Sentry configures panic reporting.
type Sentry struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	// The environment (e.g. "production") sent with each report.
	Environment string `yaml:"environment"`
}

// Tracing configures opentracing with a jaeger backend.
type Tracing struct {
	Enabled bool `yaml:"enabled"`
	// The host:port of the jaeger agent.
	AgentHost string `yaml:"agent_host"`
	// The sampling ratio in the range 0..1.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LogrusHook represents a single logrus hook. At this point, only parsing and
// verification of the proper values for level and type are done.
// Validity/integrity checks on the parameters are done when configuring logrus.
type LogrusHook struct {
	// The type of hook, currently only "file" is supported.
	Type string `yaml:"type"`

	// The level of the logs to produce. Will output only this level and above.
	Level string `yaml:"level"`

	// The parameters for this hook.
	Params map[string]interface{} `yaml:"params"`
}
