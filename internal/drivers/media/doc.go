// Package media exposes a media catalog as a driver.
//
// The catalog is loaded in the background with bulkload while the driver
// keeps polling, so a large library never stalls the driver goroutine.
// Load progress, item count and content fingerprint are published as
// fields. Writing ReloadNow forces a reload; otherwise the catalog is
// reloaded on ReloadInterval. Individual items are looked up through the
// backdoor ops "item", "search" and "category".
package media
