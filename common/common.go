// Package common holds process-wide values shared by the station binaries.
package common

// PackageName is used as the metrics namespace.
const PackageName = "esp_provisioner"

// Version is overridden at build time with -ldflags "-X .../common.Version=...".
var Version = "dev"
