// Package config loads the hivemindd configuration file (JSON or YAML),
// fills defaults, resolves paths relative to the file and validates driver
// selections before any component is constructed.
package config
