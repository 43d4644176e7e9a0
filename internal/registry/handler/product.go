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

// ProductHandler handles HTTP requests for manufactured products.
type ProductHandler struct {
	svc    *service.RegistryService
	tokens *identity.ActorTokens // nil = open mode
	logger *zap.Logger
}

// NewProductHandler creates a new ProductHandler.
func NewProductHandler(svc *service.RegistryService, tokens *identity.ActorTokens, logger *zap.Logger) *ProductHandler {
	return &ProductHandler{svc: svc, tokens: tokens, logger: logger}
}

// Register registers all product routes on the given router group.
func (h *ProductHandler) Register(rg *gin.RouterGroup) {
	products := rg.Group("/products")
	{
		products.POST("", identity.RequireActor(h.tokens), h.CreateProduct)
		products.GET("", h.ListProducts)
		products.GET("/:id", h.GetProduct)
		products.POST("/:id/events", identity.RequireActor(h.tokens), h.AdvanceStage)
	}
}

type createProductBody struct {
	model.CreateProductRequest
	model.Actor
}

// CreateProduct handles POST /products — creates a product from verified
// batches and commits its Manufacturing event.
func (h *ProductHandler) CreateProduct(c *gin.Context) {
	var body createProductBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actor, ok := actorFor(c, body.Actor, ledger.StageManufacturing)
	if !ok {
		return
	}

	res, err := h.svc.CreateProduct(c.Request.Context(), &body.CreateProductRequest, actor)
	if err != nil {
		writeError(c, h.logger, "create product", err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// ListProducts handles GET /products — newest first.
func (h *ProductHandler) ListProducts(c *gin.Context) {
	limit, offset := pagination(c, 50)
	products, err := h.svc.ListProducts(c.Request.Context(), limit, offset)
	if err != nil {
		writeError(c, h.logger, "list products", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products, "count": len(products)})
}

// GetProduct handles GET /products/:id — metadata plus custody chain.
func (h *ProductHandler) GetProduct(c *gin.Context) {
	view, err := h.svc.GetProduct(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, "get product", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// AdvanceStage handles POST /products/:id/events, typically Retail.
func (h *ProductHandler) AdvanceStage(c *gin.Context) {
	advance(c, h.svc, h.logger, code.KindProduct)
}
