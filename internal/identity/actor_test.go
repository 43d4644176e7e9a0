package identity_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ayurchain/ayurchain/internal/identity"
	"github.com/ayurchain/ayurchain/internal/ledger"
)

const testIssuer = "https://id.ayurchain.in"

func newTestTokens() *identity.ActorTokens {
	return identity.NewActorTokens([]byte("test-secret-0123456789"), testIssuer, time.Hour)
}

func TestActorTokens_roundTrip(t *testing.T) {
	at := newTestTokens()
	token, err := at.Issue("FRM-KER-001", identity.RoleFarmer, "Ravi Sharma")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Fatalf("expected 3-part JWT, got %d parts", len(parts))
	}

	claims, err := at.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if claims.ActorID() != "FRM-KER-001" || claims.Role != identity.RoleFarmer || claims.Name != "Ravi Sharma" {
		t.Errorf("claims: %+v", claims)
	}
}

func TestActorTokens_rejects(t *testing.T) {
	at := newTestTokens()

	other := identity.NewActorTokens([]byte("some-other-secret"), testIssuer, time.Hour)
	forged, _ := other.Issue("FRM-1", identity.RoleFarmer, "")
	if _, err := at.Verify(forged); err == nil {
		t.Error("expected error for token signed with another secret")
	}

	wrongIss := identity.NewActorTokens([]byte("test-secret-0123456789"), "https://evil.example", time.Hour)
	tok, _ := wrongIss.Issue("FRM-1", identity.RoleFarmer, "")
	if _, err := at.Verify(tok); err == nil {
		t.Error("expected error for wrong issuer")
	}

	expired := identity.NewActorTokens([]byte("test-secret-0123456789"), testIssuer, time.Nanosecond)
	tok, _ = expired.Issue("FRM-1", identity.RoleFarmer, "")
	time.Sleep(time.Millisecond)
	if _, err := at.Verify(tok); err == nil {
		t.Error("expected error for expired token")
	}

	// alg=none must never be accepted.
	none := jwt.NewWithClaims(jwt.SigningMethodNone, identity.ActorClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "FRM-1", Issuer: testIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Role: identity.RoleAdmin,
	})
	noneTok, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := at.Verify(noneTok); err == nil {
		t.Error("expected error for unsigned token")
	}

	if _, err := at.Issue("X", "inspector", ""); err == nil {
		t.Error("expected error issuing unknown role")
	}
}

func TestCanRecord(t *testing.T) {
	cases := []struct {
		role  string
		stage ledger.Stage
		want  bool
	}{
		{identity.RoleFarmer, ledger.StageOrigin, true},
		{identity.RoleFarmer, ledger.StageTransport, false},
		{identity.RoleTransporter, ledger.StageTransport, true},
		{identity.RoleProcessor, ledger.StageProcessing, true},
		{identity.RoleManufacturer, ledger.StageManufacturing, true},
		{identity.RoleManufacturer, ledger.StageRetail, false},
		{identity.RoleRetailer, ledger.StageRetail, true},
		{identity.RoleAdmin, ledger.StageRetail, true},
		{identity.RoleAdmin, ledger.Stage("Storage"), false},
		{"consumer", ledger.StageOrigin, false},
	}
	for _, tc := range cases {
		if got := identity.CanRecord(tc.role, tc.stage); got != tc.want {
			t.Errorf("CanRecord(%q, %s) = %v, want %v", tc.role, tc.stage, got, tc.want)
		}
	}
}

func newRouter(tokens *identity.ActorTokens) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/write", identity.RequireActor(tokens), func(c *gin.Context) {
		claims := identity.ActorFromCtx(c)
		if claims == nil {
			c.String(http.StatusOK, "open")
			return
		}
		c.String(http.StatusOK, claims.ActorID())
	})
	return r
}

func TestRequireActor(t *testing.T) {
	at := newTestTokens()
	r := newRouter(at)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/write", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing token: got %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/write", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: got %d, want 401", w.Code)
	}

	tok, _ := at.Issue("TRN-001", identity.RoleTransporter, "")
	req = httptest.NewRequest(http.MethodPost, "/write", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "TRN-001" {
		t.Errorf("valid token: got %d %q", w.Code, w.Body.String())
	}
}

func TestRequireActor_openMode(t *testing.T) {
	w := httptest.NewRecorder()
	newRouter(nil).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/write", nil))
	if w.Code != http.StatusOK || w.Body.String() != "open" {
		t.Errorf("open mode: got %d %q", w.Code, w.Body.String())
	}
}
