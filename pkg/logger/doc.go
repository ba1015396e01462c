// Package logger builds configured log/slog loggers for the billing service.
//
// It provides environment presets (development/production), a decorator that
// injects request-scoped attributes from context, and attribute helpers for
// the identifiers that appear throughout billing logs (user, subscription,
// remote subscription, webhook event).
package logger
