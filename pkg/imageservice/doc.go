// Package imageservice provides access to Glance image metadata and
// data, and to Swift temporary URLs used to hand image references to
// the deploy ramdisk without exposing credentials.
package imageservice
