package router

import (
	"net/http"

	"agentfleet/backend/app/controllers"
	"agentfleet/backend/app/metrics"
	"agentfleet/backend/app/middleware"
)

func NewRouter(httpCtrl *controllers.HTTPController, agentCtrl *controllers.AgentController, secretsCtrl *controllers.SecretsController, sweepCtrl *controllers.SweepController, mw *middleware.Auth) http.Handler {
	mux := http.NewServeMux()
	open := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, middleware.WithRoute(pattern, h))
	}
	owned := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, middleware.WithRoute(pattern, mw.RequireSubject(h)))
	}

	// public
	open("GET /ping", httpCtrl.Ping)
	mux.Handle("GET /metrics", middleware.WithRoute("GET /metrics", metrics.Handler()))

	// reads
	open("GET /agents", agentCtrl.List)
	open("GET /agents/{id}", agentCtrl.Get)
	open("GET /snapshots", agentCtrl.ListSnapshots)
	open("GET /secrets", secretsCtrl.Get)

	// lifecycle
	owned("POST /agents/ensure", agentCtrl.Ensure)
	owned("POST /agents/provision", agentCtrl.Provision)
	owned("POST /agents/recreate", agentCtrl.Recreate)
	owned("POST /agents/{id}/start", agentCtrl.Start)
	owned("POST /agents/{id}/stop", agentCtrl.Stop)
	owned("POST /agents/{id}/snapshot", agentCtrl.Snapshot)
	owned("POST /agents/{id}/touch", agentCtrl.Touch)
	owned("POST /agents/{id}/skills", agentCtrl.Skills)
	owned("POST /agents/{id}/pairing", agentCtrl.Pairing)
	owned("DELETE /agents/{id}", agentCtrl.Deprovision)

	// operator
	owned("POST /sweep", sweepCtrl.Sweep)
	owned("PUT /secrets", secretsCtrl.Put)
	owned("DELETE /secrets", secretsCtrl.Delete)

	return mw.Identify(mux)
}
