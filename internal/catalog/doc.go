// Package catalog holds the media catalog served by the catalog driver.
//
// A Catalog is immutable once built. Build pages through a Repository into
// a private Catalog that nobody else can see, so it is safe to run as a
// background bulk load while readers keep using the previous one.
package catalog
