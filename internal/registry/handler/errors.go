package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ayurchain/ayurchain/internal/ident"
	"github.com/ayurchain/ayurchain/internal/identity"
	"github.com/ayurchain/ayurchain/internal/ledger"
	"github.com/ayurchain/ayurchain/internal/provenance"
	"github.com/ayurchain/ayurchain/internal/registry/model"
	"github.com/ayurchain/ayurchain/internal/registry/repository"
)

// writeError maps a service error onto a status code and JSON body.
func writeError(c *gin.Context, logger *zap.Logger, op string, err error) {
	var (
		valErr   *model.ErrValidation
		transErr *model.TransitionError
		integErr *provenance.IntegrityError
	)
	switch {
	case errors.As(err, &valErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": valErr.Error(), "field": valErr.Field})
	case errors.As(err, &transErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": transErr.Error(),
			"from":  transErr.From,
			"to":    transErr.To,
		})
	case errors.Is(err, identity.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrUnknownBatch),
		errors.Is(err, repository.ErrNotFound),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, provenance.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, ledger.ErrStaleParent):
		c.JSON(http.StatusConflict, gin.H{"error": "chain head moved; re-read and retry"})
	case errors.Is(err, ledger.ErrDuplicateEvent):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate event"})
	case errors.Is(err, ledger.ErrDigestMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "event digest does not match its contents"})
	case errors.Is(err, ledger.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &integErr):
		logger.Error(op+": integrity violation", zap.String("chain_key", integErr.ChainKey))
		c.JSON(http.StatusConflict, gin.H{
			"error":         "integrity violation",
			"status":        "invalid",
			"invalid_chain": integErr.ChainKey,
		})
	case errors.Is(err, ident.ErrGenerationExhausted):
		logger.Error(op, zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "identifier space exhausted, try again"})
	default:
		logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}

// actorFor resolves who is writing: the credential's subject when actor
// auth is enforced, the body's actor fields in open mode. The actor must be
// allowed to record stage. It writes the error response and returns false
// on failure.
func actorFor(c *gin.Context, body model.Actor, stage ledger.Stage) (model.Actor, bool) {
	actor := body
	if claims := identity.ActorFromCtx(c); claims != nil {
		actor = model.Actor{ID: claims.ActorID(), Role: claims.Role, Name: claims.Name}
	}
	if actor.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "actor_id is required", "field": "actor_id"})
		return model.Actor{}, false
	}
	if !identity.CanRecord(actor.Role, stage) {
		c.JSON(http.StatusForbidden, gin.H{
			"error": identity.ErrForbidden.Error(),
			"role":  actor.Role,
			"stage": stage,
		})
		return model.Actor{}, false
	}
	return actor, true
}

// pagination reads limit and offset query parameters.
func pagination(c *gin.Context, def int) (limit, offset int) {
	limit = queryInt(c, "limit", def)
	offset = queryInt(c, "offset", 0)
	if limit <= 0 || limit > 500 {
		limit = def
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}
