// Package redis provides connection helpers for the Redis server backing the
// cross-instance notification fan-out: a retrying Connect and a healthcheck
// closure for readiness probes.
package redis
