// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"time"

	"github.com/element-hq/spire/matrix"
)

// Caches contains a set of references to caches. They may be the same
// underlying cache storage with different prefixes, or may be separate
// cache storages.
type Caches struct {
	RoomVersions     Cache[string, matrix.RoomVersion] // room ID -> room version
	ServerKeys       Cache[string, matrix.ServerKeys]  // server name -> server keys
	RoomServerEvents Cache[string, *matrix.Event]      // event ID -> event
	LazyLoading      Cache[string, string]             // "user/room/recipient" -> event ID
}

// Cache is the interface that an implementation must satisfy.
type Cache[K keyable, T any] interface {
	Get(key K) (value T, ok bool)
	Set(key K, value T)
	Unset(key K)
}

type keyable interface {
	~string
}

// Cache lifetimes.
const (
	lazyLoadingCacheMaxAge  = time.Minute * 30
	serverKeysCacheMaxAge   = time.Hour * 24
	roomVersionsCacheMaxAge = time.Hour * 24 * 7
	eventsCacheMaxAge       = time.Minute * 10
)

// GetRoomVersion returns the cached version for a room.
func (c Caches) GetRoomVersion(roomID string) (matrix.RoomVersion, bool) {
	return c.RoomVersions.Get(roomID)
}

// StoreRoomVersion caches the version for a room. Room versions are
// immutable so this never needs invalidating.
func (c Caches) StoreRoomVersion(roomID string, version matrix.RoomVersion) {
	c.RoomVersions.Set(roomID, version)
}

// GetServerKeys returns the cached signing keys for a server, if the cached
// copy is still valid at the given timestamp.
func (c Caches) GetServerKeys(serverName matrix.ServerName, atTS matrix.Timestamp) (matrix.ServerKeys, bool) {
	keys, ok := c.ServerKeys.Get(string(serverName))
	if ok && atTS > keys.ValidUntilTS {
		return matrix.ServerKeys{}, false
	}
	return keys, ok
}

// StoreServerKeys caches the signing keys for a server.
func (c Caches) StoreServerKeys(keys matrix.ServerKeys) {
	c.ServerKeys.Set(string(keys.ServerName), keys)
}

// GetRoomServerEvent returns a cached event by ID.
func (c Caches) GetRoomServerEvent(eventID string) (*matrix.Event, bool) {
	return c.RoomServerEvents.Get(eventID)
}

// StoreRoomServerEvent caches an event. Events are content-addressed; the
// roomserver storage unsets an entry when the event's redaction is recorded.
func (c Caches) StoreRoomServerEvent(event *matrix.Event) {
	c.RoomServerEvents.Set(event.EventID(), event)
}
