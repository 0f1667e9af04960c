package main

import (
	"net/http"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (app *application) routes() http.Handler {
	standardMiddleware := alice.New(app.recoverPanic, app.logRequest, secureHeaders)
	authMiddleware := standardMiddleware.Append(app.requireToken)
	adminMiddleware := standardMiddleware.Append(app.adminOnly)
	route := func(chain alice.Chain, name string) alice.Chain {
		return chain.Append(app.metrics.Instrument(name))
	}

	h := app.entitlementHandler
	mux := pat.New()

	// Entitlement
	mux.Get("/entitlement", route(standardMiddleware, "entitlement").ThenFunc(h.GetEntitlement))
	mux.Post("/entitlement/refresh", route(authMiddleware, "entitlement_refresh").ThenFunc(h.RefreshEntitlement))
	mux.Get("/ws/entitlement", standardMiddleware.ThenFunc(app.hub.ServeWS))

	// Purchase history
	mux.Get("/history", route(standardMiddleware, "history").ThenFunc(h.GetHistory))
	mux.Post("/history/refresh", route(authMiddleware, "history_refresh").ThenFunc(h.RefreshHistory))
	mux.Del("/history", route(authMiddleware, "history_clear").ThenFunc(h.ClearHistory))

	// Refunds
	mux.Post("/refunds/:transaction_id", route(authMiddleware, "refund").ThenFunc(h.RequestRefund))

	// Apple server notifications
	mux.Post("/apple/notifications", route(standardMiddleware, "apple_notifications").ThenFunc(app.notificationHandler.AppleNotificationsV2))

	// Admin
	mux.Get("/admin/deliveries", route(adminMiddleware, "admin_deliveries").ThenFunc(h.ListDeliveries))

	mux.Get("/metrics", promhttp.Handler())
	mux.Get("/healthz", standardMiddleware.ThenFunc(h.Healthz))

	return mux
}
