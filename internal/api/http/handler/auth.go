package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Tatu1984/netwatch-sub000/internal/api/http/dto"
	"github.com/Tatu1984/netwatch-sub000/internal/auth"
)

// AuthHandler issues console tokens. Operator identity is established
// upstream; this endpoint only signs it.
type AuthHandler struct {
	jwtConfig auth.Config
}

func NewAuthHandler(jwtConfig auth.Config) *AuthHandler {
	return &AuthHandler{jwtConfig: jwtConfig}
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req dto.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operator_id is required"})
		return
	}

	token, err := auth.GenerateToken(h.jwtConfig, req.OperatorID)
	if err != nil {
		slog.Error("Token generation failed", "operator_id", req.OperatorID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not generate token"})
		return
	}

	c.JSON(http.StatusOK, dto.LoginResponse{Token: token})
}
