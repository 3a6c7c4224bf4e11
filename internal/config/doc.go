// Package config handles YAML configuration loading with environment variable
// substitution.
//
// Configuration files support ${VAR} syntax for environment variable
// interpolation, so broker credentials are referenced rather than stored. A
// small set of FEEDMUX_* variables override individual fields for container
// deployments; see loader.go.
package config
