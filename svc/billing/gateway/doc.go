// Package gateway implements the billing.Gateway interface against the
// payment provider's REST API. It authenticates with OAuth2 client
// credentials, caching access tokens and refreshing them five minutes before
// expiry, and verifies inbound webhook signatures with HMAC-SHA256.
package gateway
