package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// issueTokenRequest is the POST /api/v1/auth/token body: the single shared
// password configured via jwt.password_hash. There is no user model in
// this engine, so there is no username.
type issueTokenRequest struct {
	Password string `json:"password" binding:"required"`
}

// handleIssueToken bcrypt-checks the configured password, then signs a
// JWT. A single configured hash guards the whole API surface; there are
// no per-user accounts.
func (s *Server) handleIssueToken(c *gin.Context) {
	if s.cfg.JWT.PasswordHash == "" {
		serverError(c, "no password configured for this server")
		return
	}

	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(s.cfg.JWT.PasswordHash), []byte(req.Password)); err != nil {
		unauthorized(c, "invalid password")
		return
	}

	expire := time.Duration(s.cfg.JWT.ExpireSeconds) * time.Second
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expire)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWT.Secret))
	if err != nil {
		serverError(c, "failed to sign token")
		return
	}

	success(c, gin.H{"token": signed, "expires_in": s.cfg.JWT.ExpireSeconds})
}
