package billing

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// UserIDExtractor resolves the authenticated user from a request. The host
// application wires its own auth; this module never inspects sessions.
type UserIDExtractor func(r *http.Request) (uuid.UUID, error)

// RouterOptions configures the billing module routes. Webhook ingestion is
// always mounted; self-service routes require a UserID extractor and admin
// routes are only mounted when AdminGuard is provided.
type RouterOptions struct {
	Service *Handler

	// UserID resolves the acting user for self-service routes.
	UserID UserIDExtractor

	// AdminGuard wraps the admin subtree with the host's authorization.
	AdminGuard func(http.Handler) http.Handler

	// Healthchecks are mounted at /health when provided.
	Healthchecks map[string]func(r *http.Request) error
}

// Router assembles the billing module routes.
//
// Example:
//
//	r := chi.NewRouter()
//	r.Mount("/billing", billing.Router(billing.RouterOptions{
//	    Service:    handler,
//	    UserID:     auth.UserFromRequest,
//	    AdminGuard: auth.RequireAdmin,
//	}))
func Router(opts RouterOptions) chi.Router {
	if opts.Service == nil {
		panic("billing module: handler is required")
	}
	h := opts.Service

	r := chi.NewRouter()

	r.Post("/webhooks/provider", h.handleWebhook)

	if opts.UserID != nil {
		r.Group(func(user chi.Router) {
			user.Use(withUserID(opts.UserID))

			user.Get("/subscription", h.handleGetSubscription)
			user.Get("/subscription/access", h.handleGetAccess)
			user.Get("/subscription/status", h.handleGetUserStatus)
			user.Get("/subscription/history", h.handleListHistory)

			user.Post("/subscription", h.handleSubscribe)
			user.Post("/subscription/cancel", h.handleCancel)
			user.Post("/subscription/upgrade", h.handleUpgrade)
			user.Post("/coupons/redeem", h.handleRedeemCoupon)
		})
	}

	if opts.AdminGuard != nil {
		r.Group(func(admin chi.Router) {
			admin.Use(opts.AdminGuard)

			admin.Post("/admin/sweep", h.handleSweep)
			admin.Post("/admin/events/reprocess", h.handleReprocess)
			admin.Post("/admin/refunds", h.handleRefund)
			admin.Post("/admin/users/{userID}/free-access", h.handleGrantFreeAccess)
			admin.Delete("/admin/users/{userID}/free-access", h.handleRevokeFreeAccess)
			admin.Post("/admin/users/{userID}/suspend", h.handleSuspend)
			admin.Post("/admin/users/{userID}/reactivate", h.handleReactivate)
		})
	}

	if len(opts.Healthchecks) > 0 {
		r.Get("/health", healthHandler(opts.Healthchecks))
	}

	return r
}

func healthHandler(checks map[string]func(r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(r); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}
		writeJSON(w, status, results)
	}
}
