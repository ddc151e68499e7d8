package app

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/koinonia-app/koinonia/internal/plugins/authflow"
	"github.com/koinonia-app/koinonia/internal/plugins/identity"
	"github.com/koinonia-app/koinonia/internal/plugins/logincode"
)

// RegisterRoutes constructs every plugin (repository, service, handler) and
// registers its routes. This is the single place where the dependency graph
// between plugins is spelled out.
//
// Returned is the authflow repository/logincode repository pair the expiry
// sweeper needs; main.go owns the sweeper's lifecycle.
func (a *App) RegisterRoutes() (authflow.Repository, logincode.Repository) {
	// Session header parsing runs on every route. Handlers that need a
	// session use the per-route guards on top of this.
	a.Echo.Use(identity.Middleware())

	// --- Identity: users, session bindings, auth state ---
	identityRepo := identity.NewRepository(a.DB)
	identitySvc := identity.NewService(identityRepo)
	identityHandler := identity.NewHandler(identitySvc)
	identity.RegisterRoutes(a.Echo, identityHandler, identitySvc)

	// --- Auth flows: OAuth login/connect requests and callbacks ---
	flowRepo := authflow.NewRepository(a.DB)
	states := authflow.NewStateStore(a.Redis, a.Config.Auth.LoginRequestTTL)
	gate := authflow.NewGate(a.Redis, a.Config.Auth.LoginRequestTTL)
	notifier := authflow.NewNotifier(a.Redis)
	flowSvc := authflow.NewService(
		flowRepo, states, gate, notifier,
		identitySvc, a.Provider,
		a.Config.BaseURL, a.Config.Auth.LoginRequestTTL,
	)
	flowHandler := authflow.NewHandler(flowSvc, a.Config.IsDevelopment())
	authflow.RegisterRoutes(a.Echo, flowHandler)

	// --- Login codes: cross-device sign-in ---
	codeRepo := logincode.NewRepository(a.DB)
	codeSvc := logincode.NewService(codeRepo, identitySvc, a.Config.Auth.LoginCodeTTL)
	codeHandler := logincode.NewHandler(codeSvc)
	logincode.RegisterRoutes(a.Echo, codeHandler, identitySvc)

	// Health check for the reverse proxy / container orchestrator.
	a.Echo.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	return flowRepo, codeRepo
}
