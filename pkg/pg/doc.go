// Package pg provides PostgreSQL connectivity helpers for the billing
// service: a retrying pool constructor over pgx, goose migration wiring,
// a healthcheck closure, and error classification helpers used by the
// billing store to map constraint violations to domain errors.
package pg
