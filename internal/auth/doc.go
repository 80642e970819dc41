// Package auth provides API authentication for the driver host.
//
// Callers present an HS256 bearer token carrying a subject and a role.
// Roles map to a fixed permission set:
//   - viewer reads fields and driver summaries
//   - operator also writes fields
//   - admin also loads, unloads and reconfigures drivers and uses backdoors
//
// Tokens are minted out of band (driverhost token ...) and validated by
// signature alone.
package auth
