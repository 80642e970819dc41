// Package roster persists which drivers the host loads.
//
// Each entry is a driver.Spec: moniker, driver type, enabled flag and the
// driver's free-form parameters, which are stored as YAML text so they
// round-trip the same shapes the config file accepts.
package roster
