// Package notify implements the billing.Notifier contract: in-app pushes via
// the generic broadcast layer and transactional email via Postmark. Every
// path is fire-and-forget; delivery failures are logged and never surface to
// the billing core.
package notify
