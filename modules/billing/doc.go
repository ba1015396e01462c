// Package billing mounts the subscription HTTP surface: provider webhook
// ingestion, self-service subscription actions, admin reconciliation
// triggers and healthchecks. Authentication is injected by the host
// application through RouterOptions.
package billing
