package server

import (
	"github.com/gin-contrib/cors"
	"go.uber.org/fx"

	"github.com/formahq/forma/internal/server/api"
	"github.com/formahq/forma/internal/server/middleware"
)

type Handlers struct {
	fx.In

	Schema      *api.SchemaHandlers
	Permission  *api.PermissionHandlers
	Lifecycle   *api.LifecycleHandlers
	Approval    *api.ApprovalHandlers
	Entitlement *api.EntitlementHandlers
	System      *api.SystemHandlers
}

func SetupRoutes(server *Server, handlers Handlers) {
	server.Use(middleware.AccessLog())
	server.Use(middleware.WithLoggingTracing(server.Config.Trace))

	// Setup CORS middleware at server level if enabled
	if server.Config.CORS.Enabled {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = server.Config.CORS.AllowedOrigins
		corsConfig.AllowMethods = server.Config.CORS.AllowedMethods
		corsConfig.AllowHeaders = server.Config.CORS.AllowedHeaders
		corsConfig.ExposeHeaders = server.Config.CORS.ExposedHeaders
		corsConfig.AllowCredentials = server.Config.CORS.AllowCredentials
		corsConfig.MaxAge = server.Config.CORS.MaxAge

		corsHandler := cors.New(corsConfig)
		server.Use(corsHandler)
		server.OPTIONS("*any", corsHandler)
	}

	publicGroup := server.Group("", middleware.WithTimeout(server.Config.RequestTimeout))
	{
		// Health check endpoint - no authentication required
		publicGroup.GET("/health", handlers.System.Health)
	}

	apiGroup := server.Group("/v1", middleware.WithTimeout(server.Config.RequestTimeout))

	{
		schemaGroup := apiGroup.Group("/schemas")
		schemaGroup.GET("/:tenant/:entityVersion", handlers.Schema.GetSchema)
		schemaGroup.POST("/:tenant/:entityVersion/recompile", handlers.Schema.Recompile)
	}

	{
		apiGroup.POST("/permissions/check", handlers.Permission.Check)
		apiGroup.POST("/lifecycle/transition", handlers.Lifecycle.Transition)
	}

	{
		approvalGroup := apiGroup.Group("/approvals")
		approvalGroup.GET("/:instance", handlers.Approval.GetInstance)
		approvalGroup.POST("/:instance/action", handlers.Approval.Action)
	}

	{
		entitlementGroup := apiGroup.Group("/entitlements")
		entitlementGroup.GET("/:tenant/:principal", handlers.Entitlement.GetSnapshot)
		entitlementGroup.DELETE("/:tenant/:principal", handlers.Entitlement.Invalidate)
	}
}
