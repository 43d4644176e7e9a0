package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ayurchain/ayurchain/internal/verification"
)

// verifier is satisfied by *verification.Service.
type verifier interface {
	Verify(ctx context.Context, code string) (*verification.Report, error)
}

// VerifyHandler serves consumer verification of product and batch codes.
type VerifyHandler struct {
	svc    verifier
	logger *zap.Logger
}

// NewVerifyHandler creates a new VerifyHandler.
func NewVerifyHandler(svc verifier, logger *zap.Logger) *VerifyHandler {
	return &VerifyHandler{svc: svc, logger: logger}
}

// Register mounts the verification routes on the given router group.
func (h *VerifyHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/verify", h.Verify)
	rg.GET("/verify/:code", h.Verify)
}

// Verify handles GET /verify/:code and GET /verify?code=.
// The query form accepts a scanned URL whose last path segment is the code.
// An invalid record answers 409 and carries no chain data.
func (h *VerifyHandler) Verify(c *gin.Context) {
	code := c.Param("code")
	if code == "" {
		code = c.Query("code")
	}
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
		return
	}

	report, err := h.svc.Verify(c.Request.Context(), code)
	if err != nil {
		writeError(c, h.logger, "verify", err)
		return
	}
	if report.Status == verification.StatusInvalid {
		c.JSON(http.StatusConflict, report)
		return
	}
	c.JSON(http.StatusOK, report)
}
