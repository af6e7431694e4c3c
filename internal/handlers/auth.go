package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/telehealth-signaling/internal/auth"
)

// LoginRequest represents the login request body
type LoginRequest struct {
	UserName string `json:"userName" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token    string `json:"token"`
	UserName string `json:"userName"`
}

// Login exchanges the shared secret for a session token that the client can
// present on the signaling handshake instead of the secret.
func (s *Server) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if err := auth.CheckSecret(s.cfg.SharedSecret, req.Password); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "Invalid credentials",
		})
		return
	}

	token, err := auth.IssueToken(s.cfg.JWTSecret, req.UserName, s.cfg.JWTTTL)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, auth.ErrMissingUserName) {
			status = http.StatusBadRequest
		}
		log.Error().Err(err).Str("user_name", req.UserName).Msg("Failed to issue token")
		c.JSON(status, gin.H{
			"error": "Failed to generate token",
		})
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		Token:    token,
		UserName: req.UserName,
	})
}
