/*
Package log provides structured logging for Chronos-DB using zerolog.

A single global logger is initialized once at startup and shared by all
subsystems via Component child loggers. Connection URIs and secret values
must pass through RedactURI/RedactSecret before being logged.
*/
package log
