package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxActorClaims = "ayurchain_actor_claims"

// RequireActor returns a Gin middleware that enforces a valid Bearer actor
// credential and injects its *ActorClaims into the context.
//
// A nil tokens runs the API in open mode: the middleware passes every
// request through and handlers take the actor from the request body.
func RequireActor(tokens *ActorTokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokens == nil {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer actor token required",
			})
			return
		}

		claims, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token: " + err.Error(),
			})
			return
		}

		c.Set(ctxActorClaims, claims)
		c.Next()
	}
}

// ActorFromCtx retrieves the claims injected by RequireActor.
// Returns nil in open mode.
func ActorFromCtx(c *gin.Context) *ActorClaims {
	v, _ := c.Get(ctxActorClaims)
	claims, _ := v.(*ActorClaims)
	return claims
}
