// Package identity verifies the credentials of supply-chain actors.
//
// Actors (farmers, transporters, processors, manufacturers, retailers) are
// enrolled by an external identity provider that issues HS256 JWTs with the
// actor id as subject and the actor's role as a claim. The registry only
// verifies these tokens; it never stores accounts or passwords.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ayurchain/ayurchain/internal/ledger"
)

// Actor roles.
const (
	RoleFarmer       = "farmer"
	RoleTransporter  = "transporter"
	RoleProcessor    = "processor"
	RoleManufacturer = "manufacturer"
	RoleRetailer     = "retailer"
	RoleAdmin        = "admin"
)

// roleStages maps each role to the stage it may record. Admin may record any.
var roleStages = map[string]ledger.Stage{
	RoleFarmer:       ledger.StageOrigin,
	RoleTransporter:  ledger.StageTransport,
	RoleProcessor:    ledger.StageProcessing,
	RoleManufacturer: ledger.StageManufacturing,
	RoleRetailer:     ledger.StageRetail,
}

// ErrForbidden is returned when a role may not record a stage.
var ErrForbidden = errors.New("role may not record this stage")

// ValidRole reports whether role is a known actor role.
func ValidRole(role string) bool {
	_, ok := roleStages[role]
	return ok || role == RoleAdmin
}

// CanRecord reports whether an actor with role may append an event of stage.
func CanRecord(role string, stage ledger.Stage) bool {
	if role == RoleAdmin {
		return stage.Valid()
	}
	st, ok := roleStages[role]
	return ok && st == stage
}

// ActorClaims are the JWT claims of an actor credential.
type ActorClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
}

// ActorID returns the subject of the credential.
func (c *ActorClaims) ActorID() string { return c.Subject }

// ActorTokens issues and verifies actor credentials signed with HS256 using
// a secret shared with the identity provider.
type ActorTokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewActorTokens creates an ActorTokens.
//
//	issuer — The "iss" claim value; empty disables the issuer check.
//	ttl    — Lifetime of issued tokens (default: 12 hours).
func NewActorTokens(secret []byte, issuer string, ttl time.Duration) *ActorTokens {
	if ttl == 0 {
		ttl = 12 * time.Hour
	}
	return &ActorTokens{secret: secret, issuer: issuer, ttl: ttl}
}

// Issue creates a signed credential. The registry uses it only for seeding
// and tests; production credentials come from the identity provider.
func (a *ActorTokens) Issue(actorID, role, name string) (string, error) {
	if !ValidRole(role) {
		return "", fmt.Errorf("unknown role %q", role)
	}
	now := time.Now().UTC()
	claims := ActorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			ID:        uuid.New().String(),
		},
		Role: role,
		Name: name,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign actor token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an actor credential, returning its claims.
func (a *ActorTokens) Verify(tokenStr string) (*ActorClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenStr, &ActorClaims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("verify actor token: %w", err)
	}
	claims, ok := token.Claims.(*ActorClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid actor token claims")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("actor token has no subject")
	}
	if !ValidRole(claims.Role) {
		return nil, fmt.Errorf("actor token has unknown role %q", claims.Role)
	}
	return claims, nil
}
