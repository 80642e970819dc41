// Package poll provides the shared Polling Engine used by clients that
// watch driver fields (the WebSocket hub, the MQTT bridge, telemetry).
//
// Many subscribers may watch the same (device, field) pair; they share one
// cached entry. Each PollOnce pass asks every watched device a single
// "has anything changed" question (CheckChanges). When the device's version
// ids differ from the cached ones the engine re-resolves every field name
// (QueryFields). Otherwise it fetches only the fields whose serial moved
// (ReadFields); fields with matching serials cost nothing.
//
// Updates for one device are applied under a single lock, so a subscriber
// never observes a half-updated device. PollOnce is single-flight: a caller
// arriving while a pass is running waits for that pass instead of starting
// another.
//
// # Offline devices
//
// When a device is not connected, snapshots carry StatusOffline and no
// value. Display renders such snapshots as Placeholder so stale values are
// never shown as current.
//
// # Mirroring
//
// Mirror is a driver state listener that subscribes every readable field of
// a device once it connects, for sinks that want all changes rather than the
// fields a client happens to watch.
package poll
