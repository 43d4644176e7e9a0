package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ayurchain/ayurchain/internal/audit"
	"github.com/ayurchain/ayurchain/internal/identity"
	"github.com/ayurchain/ayurchain/internal/registry/service"
)

// auditRunner is satisfied by *audit.Auditor.
type auditRunner interface {
	CheckAll(ctx context.Context) (*audit.Report, error)
}

// LedgerHandler exposes dashboard views over the whole ledger.
type LedgerHandler struct {
	svc     *service.RegistryService
	auditor auditRunner // nil = audit endpoint disabled
	tokens  *identity.ActorTokens
	logger  *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(svc *service.RegistryService, tokens *identity.ActorTokens, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{svc: svc, tokens: tokens, logger: logger}
}

// SetAuditor enables POST /ledger/audit.
func (h *LedgerHandler) SetAuditor(a auditRunner) {
	h.auditor = a
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("/recent", h.Recent)
		l.GET("/stats", h.Stats)
		l.POST("/audit", identity.RequireActor(h.tokens), h.Audit)
	}
}

// Recent handles GET /ledger/recent — the latest events across all chains.
func (h *LedgerHandler) Recent(c *gin.Context) {
	limit := queryInt(c, "limit", 20)
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	events, err := h.svc.RecentEvents(c.Request.Context(), limit)
	if err != nil {
		writeError(c, h.logger, "recent events", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// Stats handles GET /ledger/stats — dashboard totals.
func (h *LedgerHandler) Stats(c *gin.Context) {
	st, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "stats", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// Audit handles POST /ledger/audit — runs an integrity audit immediately.
// With actor auth enforced only admins may trigger it.
func (h *LedgerHandler) Audit(c *gin.Context) {
	if h.auditor == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "auditing is not enabled"})
		return
	}
	if claims := identity.ActorFromCtx(c); claims != nil && claims.Role != identity.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin role required"})
		return
	}
	report, err := h.auditor.CheckAll(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "audit", err)
		return
	}
	c.JSON(http.StatusOK, report)
}
