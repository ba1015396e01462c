// Package httpserver provides an http.Server wrapper with environment-driven
// configuration and graceful shutdown tied to both context cancellation and
// OS termination signals.
package httpserver
