// Package client provides the AyurChain Go SDK for registering batches,
// recording custody events and verifying product codes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ayurchain/ayurchain/pkg/code"
)

// ErrNotFound is matched by errors.Is for 404 responses.
var ErrNotFound = errors.New("not found")

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	Field      string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("registry error %d: %s (%s)", e.StatusCode, e.Message, e.Field)
	}
	return fmt.Sprintf("registry error %d: %s", e.StatusCode, e.Message)
}

// Is makes errors.Is(err, ErrNotFound) hold for 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Event is a committed custody event.
type Event struct {
	EventID      string    `json:"event_id"`
	ChainKey     string    `json:"chain_key"`
	Seq          int64     `json:"seq"`
	ParentID     string    `json:"parent_id,omitempty"`
	ParentDigest string    `json:"parent_digest,omitempty"`
	Stage        string    `json:"stage"`
	ActorID      string    `json:"actor_id"`
	ActorRole    string    `json:"actor_role"`
	Location     string    `json:"location"`
	GPS          string    `json:"gps,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Status       string    `json:"status"`
	Detail       string    `json:"detail"`
	Digest       string    `json:"digest"`
	CommittedAt  time.Time `json:"committed_at"`
}

// Batch is a registered harvest.
type Batch struct {
	BatchID      string    `json:"batch_id"`
	Herb         string    `json:"herb"`
	QuantityKg   float64   `json:"quantity_kg"`
	HarvestDate  string    `json:"harvest_date"`
	FarmerName   string    `json:"farmer_name"`
	FarmerID     string    `json:"farmer_id"`
	Location     string    `json:"location"`
	GPS          string    `json:"gps,omitempty"`
	QualityGrade string    `json:"quality_grade"`
	Notes        string    `json:"notes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Ingredient is one batch share of a product.
type Ingredient struct {
	BatchID    string  `json:"batch_id"`
	Percentage float64 `json:"percentage"`
}

// QualityTest is a laboratory result attached to a product.
type QualityTest struct {
	Name   string `json:"name"`
	Result string `json:"result"`
	Date   string `json:"date"`
}

// Product is a manufactured product.
type Product struct {
	ProductID       string        `json:"product_id"`
	Name            string        `json:"name"`
	ManufacturerID  string        `json:"manufacturer_id"`
	Manufacturer    string        `json:"manufacturer"`
	ManufactureDate string        `json:"manufacture_date"`
	ExpiryDate      string        `json:"expiry_date"`
	Composition     []Ingredient  `json:"composition"`
	Certifications  []string      `json:"certifications"`
	QualityTests    []QualityTest `json:"quality_tests"`
	CreatedAt       time.Time     `json:"created_at"`
}

// RegisterBatchRequest is the payload for RegisterBatch.
type RegisterBatchRequest struct {
	Herb         string  `json:"herb"`
	QuantityKg   float64 `json:"quantity_kg"`
	HarvestDate  string  `json:"harvest_date"`
	FarmerName   string  `json:"farmer_name"`
	Location     string  `json:"location"`
	GPS          string  `json:"gps,omitempty"`
	QualityGrade string  `json:"quality_grade"`
	Notes        string  `json:"notes,omitempty"`
}

// AdvanceStageRequest is the payload for AdvanceStage.
type AdvanceStageRequest struct {
	Stage          string     `json:"stage"`
	Location       string     `json:"location"`
	GPS            string     `json:"gps,omitempty"`
	Detail         string     `json:"detail,omitempty"`
	Status         string     `json:"status,omitempty"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
	ExpectedParent string     `json:"expected_parent,omitempty"`
}

// CreateProductRequest is the payload for CreateProduct.
type CreateProductRequest struct {
	Name            string        `json:"name"`
	Manufacturer    string        `json:"manufacturer"`
	ManufactureDate string        `json:"manufacture_date"`
	ExpiryDate      string        `json:"expiry_date"`
	Composition     []Ingredient  `json:"composition"`
	Certifications  []string      `json:"certifications,omitempty"`
	QualityTests    []QualityTest `json:"quality_tests,omitempty"`
	Location        string        `json:"location"`
	GPS             string        `json:"gps,omitempty"`
	Detail          string        `json:"detail,omitempty"`
}

// BatchResult is returned by RegisterBatch.
type BatchResult struct {
	Batch  *Batch `json:"batch"`
	Origin *Event `json:"origin"`
}

// ProductResult is returned by CreateProduct.
type ProductResult struct {
	Product       *Product `json:"product"`
	Manufacturing *Event   `json:"manufacturing"`
}

// BatchView is a batch with its chain.
type BatchView struct {
	Batch *Batch   `json:"batch"`
	Chain []*Event `json:"chain"`
}

// ProductView is a product with its chain.
type ProductView struct {
	Product *Product `json:"product"`
	Chain   []*Event `json:"chain"`
}

// ChainReport summarises one chain of a verification.
type ChainReport struct {
	ChainKey string   `json:"chain_key"`
	Kind     string   `json:"kind"`
	Events   int      `json:"events"`
	Stages   []string `json:"stages"`
	Missing  []string `json:"missing,omitempty"`
	Head     *Event   `json:"head"`
}

// Report is a verification verdict. Status is "verified", "incomplete"
// or "invalid"; an invalid report names InvalidChain and carries no chains.
type Report struct {
	Code         string          `json:"code"`
	Status       string          `json:"status"`
	Message      string          `json:"message"`
	InvalidChain string          `json:"invalid_chain,omitempty"`
	Chains       []ChainReport   `json:"chains,omitempty"`
	Record       json.RawMessage `json:"record,omitempty"`
	CheckedAt    time.Time       `json:"checked_at"`
}

// Verified reports whether every chain verified with all required stages.
func (r *Report) Verified() bool { return r.Status == "verified" }

// Stats are the dashboard totals.
type Stats struct {
	TotalBatches  int            `json:"total_batches"`
	TotalProducts int            `json:"total_products"`
	ActiveFarmers int            `json:"active_farmers"`
	Manufacturers int            `json:"manufacturers"`
	Chains        int            `json:"chains"`
	Events        int            `json:"events"`
	EventsByStage map[string]int `json:"events_by_stage"`
}

// Actor identifies the writer in open mode. With a bearer credential the
// registry takes the actor from the credential instead.
type Actor struct {
	ID   string `json:"actor_id"`
	Role string `json:"actor_role"`
	Name string `json:"actor_name,omitempty"`
}

// Client is the AyurChain SDK entry point.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
	actor       Actor
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches an actor credential to every write.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithActor sets the actor sent in write bodies for registries running in
// open mode.
func WithActor(id, role string) Option {
	return func(c *Client) error {
		if id == "" {
			return errors.New("actor id is required")
		}
		c.actor = Actor{ID: id, Role: role}
		return nil
	}
}

// New creates a new Client connected to base.
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithBearerToken(os.Getenv("AYUR_TOKEN")),
//	)
func New(base string, opts ...Option) (*Client, error) {
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// withActor merges the open-mode actor fields into a JSON object payload.
func (c *Client) withActor(payload any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	if c.actor.ID != "" {
		out["actor_id"] = c.actor.ID
		out["actor_role"] = c.actor.Role
	}
	return out, nil
}

// RegisterBatch registers a harvest and returns it with its Origin event.
func (c *Client) RegisterBatch(ctx context.Context, req RegisterBatchRequest) (*BatchResult, error) {
	var out BatchResult
	if err := c.write(ctx, "/api/v1/batches", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AdvanceStage appends a custody event to the chain of a batch or product.
func (c *Client) AdvanceStage(ctx context.Context, id string, req AdvanceStageRequest) (*Event, error) {
	parsed, err := code.Parse(id)
	if err != nil {
		return nil, err
	}
	collection := "batches"
	if parsed.Kind == code.KindProduct {
		collection = "products"
	}
	var out Event
	path := "/api/v1/" + collection + "/" + url.PathEscape(parsed.String()) + "/events"
	if err := c.write(ctx, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateProduct creates a product from existing batches.
func (c *Client) CreateProduct(ctx context.Context, req CreateProductRequest) (*ProductResult, error) {
	var out ProductResult
	if err := c.write(ctx, "/api/v1/products", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBatch returns a batch and its chain.
func (c *Client) GetBatch(ctx context.Context, id string) (*BatchView, error) {
	var out BatchView
	if err := c.get(ctx, "/api/v1/batches/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProduct returns a product and its chain.
func (c *Client) GetProduct(ctx context.Context, id string) (*ProductView, error) {
	var out ProductView
	if err := c.get(ctx, "/api/v1/products/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListBatches returns batches newest first.
func (c *Client) ListBatches(ctx context.Context, limit, offset int) ([]Batch, error) {
	var out struct {
		Batches []Batch `json:"batches"`
	}
	path := "/api/v1/batches?limit=" + strconv.Itoa(limit) + "&offset=" + strconv.Itoa(offset)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Batches, nil
}

// ListProducts returns products newest first.
func (c *Client) ListProducts(ctx context.Context, limit, offset int) ([]Product, error) {
	var out struct {
		Products []Product `json:"products"`
	}
	path := "/api/v1/products?limit=" + strconv.Itoa(limit) + "&offset=" + strconv.Itoa(offset)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Products, nil
}

// Verify returns the verification report of a product or batch code, or of
// a scanned URL ending in one. An invalid record is a report, not an error.
func (c *Client) Verify(ctx context.Context, codeOrURL string) (*Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/api/v1/verify?code="+url.QueryEscape(codeOrURL), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	status, body, err := c.doStatusBody(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusConflict {
		return nil, apiError(status, body)
	}
	var report Report
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if status == http.StatusConflict && report.Status == "" {
		return nil, apiError(status, body)
	}
	return &report, nil
}

// Chain returns the raw events of a chain and whether they verify. The
// server refuses a tampered chain with an *APIError of status 409.
func (c *Client) Chain(ctx context.Context, key string) ([]*Event, bool, error) {
	var out struct {
		Events []*Event `json:"events"`
		Valid  bool     `json:"valid"`
	}
	if err := c.get(ctx, "/api/v1/chains/"+url.PathEscape(key), &out); err != nil {
		return nil, false, err
	}
	return out.Events, out.Valid, nil
}

// Recent returns the latest events across all chains.
func (c *Client) Recent(ctx context.Context, limit int) ([]*Event, error) {
	var out struct {
		Events []*Event `json:"events"`
	}
	if err := c.get(ctx, "/api/v1/ledger/recent?limit="+strconv.Itoa(limit), &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Stats returns the dashboard totals.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var out Stats
	if err := c.get(ctx, "/api/v1/ledger/stats", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) write(ctx context.Context, path string, payload, out any) error {
	merged, err := c.withActor(payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do executes an HTTP request, attaching the Bearer token if present.
func (c *Client) do(req *http.Request) ([]byte, error) {
	status, body, err := c.doStatusBody(req)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, apiError(status, body)
	}
	return body, nil
}

// doStatusBody is a lower-level HTTP call that returns (statusCode, body, error)
// without failing on 4xx responses. The caller interprets the status code.
func (c *Client) doStatusBody(req *http.Request) (int, []byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func apiError(status int, body []byte) *APIError {
	var payload struct {
		Error string `json:"error"`
		Field string `json:"field"`
	}
	e := &APIError{StatusCode: status}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		e.Message, e.Field = payload.Error, payload.Field
	} else {
		e.Message = strings.TrimSpace(string(body))
	}
	return e
}
