// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// Version is the current version of the config format.
// This will change whenever we make breaking changes to the config format.
const Version = 1

// Spire contains all the config used by a spire process.
type Spire struct {
	// The version of the configuration file.
	Version int `yaml:"version"`

	Global        Global        `yaml:"global"`
	ClientAPI     ClientAPI     `yaml:"client_api"`
	FederationAPI FederationAPI `yaml:"federation_api"`
	RoomServer    RoomServer    `yaml:"room_server"`
	SyncAPI       SyncAPI       `yaml:"sync_api"`
	UserAPI       UserAPI       `yaml:"user_api"`

	// Any information derived from the configuration options for later use.
	Derived Derived `yaml:"-"`
}

// Derived contains values derived from the configuration options.
type Derived struct {
	Registration struct {
		// Flows is a slice of flows, which represent one possible way that the client can authenticate a request.
		// http://matrix.org/docs/spec/client_server/r0.3.0.html#user-interactive-authentication-api
		Flows []AuthFlow `json:"flows"`
		// Params that need to be returned to the client during registration in
		// order to complete registration stages.
		Params map[string]interface{} `json:"params"`
	}
}

// AuthFlow represents one possible way that the client can authenticate a request.
// http://matrix.org/docs/spec/client_server/r0.3.0.html#user-interactive-authentication-api
type AuthFlow struct {
	Stages []string `json:"stages"`
}

// A ConfigErrors stores problems encountered when parsing a config file.
// It implements the error interface.
type ConfigErrors []string

// Load the configuration from the given yaml file.
func Load(configPath string) (*Spire, error) {
	configData, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	return loadConfig(configData, os.ReadFile)
}

func loadConfig(configData []byte, readFile func(string) ([]byte, error)) (*Spire, error) {
	var c Spire
	c.Defaults(DefaultOpts{Generate: false})

	if err := yaml.Unmarshal(configData, &c); err != nil {
		return nil, err
	}

	if err := c.check(); err != nil {
		return nil, err
	}

	privateKeyData, err := readFile(string(c.Global.PrivateKeyPath))
	if err != nil {
		return nil, err
	}

	if c.Global.KeyID, c.Global.PrivateKey, err = readKey(privateKeyData); err != nil {
		return nil, err
	}

	c.Wiring()
	return &c, nil
}

// DefaultOpts defines how Defaults should behave.
type DefaultOpts struct {
	// Generate instructs Defaults to fill in placeholder values rather than
	// leaving fields empty for Verify to complain about.
	Generate bool
}

// Defaults sets default config values for all components.
func (c *Spire) Defaults(opts DefaultOpts) {
	c.Version = Version
	c.Global.Defaults(opts)
	c.ClientAPI.Defaults(opts)
	c.FederationAPI.Defaults(opts)
	c.RoomServer.Defaults(opts)
	c.SyncAPI.Defaults(opts)
	c.UserAPI.Defaults(opts)
}

// Verify checks that all the config options are set up correctly, collecting
// every problem found rather than stopping at the first.
func (c *Spire) Verify(configErrs *ConfigErrors) {
	c.Global.Verify(configErrs)
	c.ClientAPI.Verify(configErrs)
	c.FederationAPI.Verify(configErrs)
	c.RoomServer.Verify(configErrs)
	c.SyncAPI.Verify(configErrs)
	c.UserAPI.Verify(configErrs)
}

// Wiring copies the global config into the component configs that refer back
// to it.
func (c *Spire) Wiring() {
	c.ClientAPI.Matrix = &c.Global
	c.FederationAPI.Matrix = &c.Global
	c.RoomServer.Matrix = &c.Global
	c.SyncAPI.Matrix = &c.Global
	c.UserAPI.Matrix = &c.Global

	c.ClientAPI.Derived = &c.Derived
}

// check returns an error type containing all errors found within the config
// file.
func (c *Spire) check() error {
	var configErrs ConfigErrors

	if c.Version != Version {
		configErrs.Add(fmt.Sprintf(
			"config version is %d, expected %d", c.Version, Version,
		))
		return configErrs
	}
	c.Verify(&configErrs)

	if configErrs != nil {
		return configErrs
	}
	return nil
}

// Add appends an error to the list of errors in this ConfigErrors.
// It is a wrapper to the builtin append and hides pointers from
// the client code.
// This method is safe to use with an uninitialized ConfigErrors because
// if it is nil, it will be properly allocated.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Error returns a string detailing how many errors were contained within a
// ConfigErrors type.
func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// checkNotEmpty verifies the given value is not empty in the configuration.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// checkPositive verifies the given value is positive (zero included)
// in the configuration. If it is not, adds an error to the list.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value < 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}

// readKey reads a PEM-style signing key file of the form
// "ed25519 <key_id> <base64 seed>".
func readKey(data []byte) (KeyID, ed25519.PrivateKey, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) != 3 || parts[0] != "ed25519" {
			continue
		}
		keyID := KeyID("ed25519:" + parts[1])
		seed, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(parts[2], "="))
		if err != nil {
			return "", nil, fmt.Errorf("config: malformed private key: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return "", nil, fmt.Errorf("config: private key seed is %d bytes, expected %d", len(seed), ed25519.SeedSize)
		}
		return keyID, ed25519.NewKeyFromSeed(seed), nil
	}
	return "", nil, fmt.Errorf("config: no usable ed25519 key found in key file")
}

// SaveKey writes a signing key file in the format understood by readKey.
func SaveKey(path string, keyID KeyID, key ed25519.PrivateKey) error {
	encoded := base64.RawStdEncoding.EncodeToString(key.Seed())
	id := strings.TrimPrefix(string(keyID), "ed25519:")
	return os.WriteFile(path, []byte(fmt.Sprintf("ed25519 %s %s\n", id, encoded)), 0600)
}
