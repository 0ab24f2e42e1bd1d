package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/student-transfer-engine/internal/middleware"
	"github.com/noah-isme/student-transfer-engine/internal/models"
	appErrors "github.com/noah-isme/student-transfer-engine/pkg/errors"
	"github.com/noah-isme/student-transfer-engine/pkg/response"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		return nil
	}
	return claims
}

// actorFromContext returns the caller's claims or writes 401 and returns false.
// Mutating endpoints need an actor for the transfer audit trail.
func actorFromContext(c *gin.Context) (*models.JWTClaims, bool) {
	claims := claimsFromContext(c)
	if claims == nil || claims.UserID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return nil, false
	}
	return claims, true
}
