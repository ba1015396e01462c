// Package broadcast provides a typed publish/subscribe primitive with two
// adapters: an in-memory broadcaster for single-instance deployments and
// tests, and a Redis pub/sub broadcaster for fanning subscription status
// updates out across service instances.
//
// Both adapters favor liveness over completeness: a slow subscriber drops
// messages rather than blocking publishers, which matches the fire-and-forget
// contract of billing notifications.
package broadcast
