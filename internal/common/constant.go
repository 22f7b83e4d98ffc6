// Package common contains shared constants and error values used across
// shotkeeper components.
package common

// AccessTokenHeaderName is the gRPC metadata key used to carry the
// access token on outbound requests.
const AccessTokenHeaderName = "access_token"

// EnvPrefix prefixes every environment variable read by the configs.
const EnvPrefix = "SHOTKEEPER_"
