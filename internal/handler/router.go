package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/student-transfer-engine/internal/middleware"
)

// RegisterTransferRoutes mounts the transfer and ledger endpoints on group.
// auth runs before the role gate on every route.
func RegisterTransferRoutes(group *gin.RouterGroup, auth gin.HandlerFunc, transfers *TransferHandler, ledger *LedgerHandler) {
	secured := group.Group("")
	if auth != nil {
		secured.Use(auth)
	}
	secured.Use(middleware.RequireRoles(middleware.TransferOperators...))

	secured.POST("/transfers", transfers.Create)
	secured.GET("/transfers/stats", transfers.Stats)
	secured.GET("/transfers/:id", transfers.Get)
	secured.GET("/transfers/:id/revert/validate", transfers.ValidateRevert)
	secured.POST("/transfers/:id/revert", transfers.Revert)
	secured.GET("/transfers/:id/retarget/validate", transfers.ValidateRetarget)
	secured.POST("/transfers/:id/retarget", transfers.Retarget)
	secured.GET("/students/:id/transfers", transfers.History)
	if ledger != nil {
		secured.GET("/students/:id/ledger", ledger.Statement)
	}
}

// RegisterOpsRoutes mounts health, readiness and metrics endpoints.
func RegisterOpsRoutes(router gin.IRoutes, ops *MetricsHandler) {
	router.GET("/health", ops.Health)
	router.GET("/ready", ops.Ready)
	router.GET("/metrics", ops.Prometheus)
}
