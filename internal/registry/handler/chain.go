package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ayurchain/ayurchain/internal/ledger"
	"github.com/ayurchain/ayurchain/internal/provenance"
)

// ChainHandler exposes raw custody chains.
type ChainHandler struct {
	store  ledger.Store
	logger *zap.Logger
}

// NewChainHandler creates a new ChainHandler.
func NewChainHandler(store ledger.Store, logger *zap.Logger) *ChainHandler {
	return &ChainHandler{store: store, logger: logger}
}

// Register mounts the chain routes on the given router group.
func (h *ChainHandler) Register(rg *gin.RouterGroup) {
	chains := rg.Group("/chains")
	{
		chains.GET("/:key", h.GetChain)
		chains.GET("/:key/verify", h.Verify)
	}
}

// GetChain handles GET /chains/:key — the events of one chain, oldest first.
// A chain that fails verification is refused with 409, never returned.
func (h *ChainHandler) GetChain(c *gin.Context) {
	key := strings.ToUpper(strings.TrimSpace(c.Param("key")))
	events, err := h.store.Chain(c.Request.Context(), key)
	if err != nil {
		writeError(c, h.logger, "read chain", err)
		return
	}
	if len(events) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if !ledger.VerifyChain(key, events) {
		writeError(c, h.logger, "read chain", &provenance.IntegrityError{ChainKey: key})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chain_key": key,
		"events":    events,
		"length":    len(events),
		"valid":     true,
	})
}

// Verify handles GET /chains/:key/verify — walks the chain and reports integrity.
func (h *ChainHandler) Verify(c *gin.Context) {
	key := strings.ToUpper(strings.TrimSpace(c.Param("key")))
	ok, err := h.store.Verify(c.Request.Context(), key)
	if err != nil {
		writeError(c, h.logger, "verify chain", err)
		return
	}
	if !ok {
		h.logger.Warn("chain integrity check failed", zap.String("chain_key", key))
	}
	c.JSON(http.StatusOK, gin.H{"chain_key": key, "valid": ok})
}
