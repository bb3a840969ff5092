// Package types holds small shared constants and types.
package types

// Version is the runtime version, stamped into the CLI and the
// x-buntime-version response header.
const Version = "0.4.0"
