package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ayurchain/ayurchain/internal/identity"
	"github.com/ayurchain/ayurchain/internal/ledger"
	"github.com/ayurchain/ayurchain/internal/registry/model"
	"github.com/ayurchain/ayurchain/internal/registry/service"
	"github.com/ayurchain/ayurchain/pkg/code"
)

// BatchHandler handles HTTP requests for harvested batches.
type BatchHandler struct {
	svc    *service.RegistryService
	tokens *identity.ActorTokens // nil = open mode
	logger *zap.Logger
}

// NewBatchHandler creates a new BatchHandler.
// tokens may be nil to run write routes in open mode.
func NewBatchHandler(svc *service.RegistryService, tokens *identity.ActorTokens, logger *zap.Logger) *BatchHandler {
	return &BatchHandler{svc: svc, tokens: tokens, logger: logger}
}

// Register registers all batch routes on the given router group.
func (h *BatchHandler) Register(rg *gin.RouterGroup) {
	batches := rg.Group("/batches")
	{
		batches.POST("", identity.RequireActor(h.tokens), h.RegisterBatch)
		batches.GET("", h.ListBatches)
		batches.GET("/:id", h.GetBatch)
		batches.POST("/:id/events", identity.RequireActor(h.tokens), h.AdvanceStage)
	}
	rg.GET("/herbs", h.Herbs)
}

type registerBatchBody struct {
	model.RegisterBatchRequest
	model.Actor
}

// RegisterBatch handles POST /batches — registers a harvest and commits its
// Origin event.
func (h *BatchHandler) RegisterBatch(c *gin.Context) {
	var body registerBatchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actor, ok := actorFor(c, body.Actor, ledger.StageOrigin)
	if !ok {
		return
	}

	res, err := h.svc.RegisterBatch(c.Request.Context(), &body.RegisterBatchRequest, actor)
	if err != nil {
		writeError(c, h.logger, "register batch", err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// ListBatches handles GET /batches — newest first.
func (h *BatchHandler) ListBatches(c *gin.Context) {
	limit, offset := pagination(c, 50)
	batches, err := h.svc.ListBatches(c.Request.Context(), limit, offset)
	if err != nil {
		writeError(c, h.logger, "list batches", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": batches, "count": len(batches)})
}

// GetBatch handles GET /batches/:id — metadata plus custody chain.
func (h *BatchHandler) GetBatch(c *gin.Context) {
	view, err := h.svc.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "get batch", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// AdvanceStage handles POST /batches/:id/events.
func (h *BatchHandler) AdvanceStage(c *gin.Context) {
	advance(c, h.svc, h.logger, code.KindBatch)
}

// Herbs handles GET /herbs — the herb catalogue and quality grades.
func (h *BatchHandler) Herbs(c *gin.Context) {
	herbs := make([]gin.H, 0, len(model.HerbOrder))
	for _, name := range model.HerbOrder {
		herbs = append(herbs, gin.H{
			"name":      name,
			"botanical": model.Herbs[name],
			"display":   model.HerbDisplay(name),
		})
	}
	c.JSON(http.StatusOK, gin.H{"herbs": herbs, "quality_grades": model.QualityGrades})
}

type advanceBody struct {
	model.AdvanceStageRequest
	model.Actor
}

// advance appends a custody event to the chain named by the :id parameter,
// which must be a code of the given kind.
func advance(c *gin.Context, svc *service.RegistryService, logger *zap.Logger, kind code.Kind) {
	id, err := code.Parse(c.Param("id"))
	if err != nil || id.Kind != kind {
		c.JSON(http.StatusNotFound, gin.H{"error": "no " + string(kind) + " with code " + c.Param("id")})
		return
	}

	var body advanceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	stage, err := ledger.ParseStage(string(body.Stage))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": "stage"})
		return
	}
	body.Stage = stage

	actor, ok := actorFor(c, body.Actor, stage)
	if !ok {
		return
	}

	ev, err := svc.AdvanceStage(c.Request.Context(), id.String(), &body.AdvanceStageRequest, actor)
	if err != nil {
		writeError(c, logger, "advance stage", err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}
