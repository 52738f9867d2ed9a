/*
Package config loads and validates the Chronos-DB configuration file.

Configuration is YAML with ${VAR} environment tokens interpolated before
parsing, so credential material can be supplied via the environment. The
Redacted method produces a copy safe for logging.
*/
package config
