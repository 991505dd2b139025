// Package httpapi exposes the admission decision API over HTTP as a gin
// route group: consume, quota, and reset. The gateway and other services
// call these endpoints instead of linking the limiter in-process.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ratelimiter"
)

// maxBodyBytes caps decision API payloads; policy documents are small.
const maxBodyBytes = 64 << 10

// Register mounts the decision API under /ratelimiter on r.
func Register(r gin.IRouter, svc *ratelimiter.Service) {
	h := &handlers{svc: svc}
	group := r.Group("/ratelimiter")
	group.POST("/consume", h.consume)
	group.GET("/quota/:key", h.quota)
	group.POST("/reset", h.reset)
}

type handlers struct {
	svc *ratelimiter.Service
}

// consumeRequest is the POST /ratelimiter/consume payload. The policy
// travels inline: the decision service itself is stateless about policies.
type consumeRequest struct {
	Key    string                   `json:"key"`
	Policy ratelimiter.PolicyConfig `json:"policy"`
	Cost   *int64                   `json:"cost"`
}

// resetRequest is the POST /ratelimiter/reset payload.
type resetRequest struct {
	Key    string                   `json:"key"`
	Policy ratelimiter.PolicyConfig `json:"policy"`
}

// consumeResponse mirrors ConsumeResult on the wire. retry_after is null
// when the request was allowed.
type consumeResponse struct {
	Allowed    bool    `json:"allowed"`
	Remaining  float64 `json:"remaining"`
	RetryAfter *int64  `json:"retry_after"`
	Policy     string  `json:"policy"`
	Key        string  `json:"key"`
}

func (h *handlers) consume(c *gin.Context) {
	var req consumeRequest
	if err := decodeJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}

	policy, err := req.Policy.ToPolicy()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cost := int64(1)
	if req.Cost != nil {
		cost = *req.Cost
	}
	if cost <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cost must be positive"})
		return
	}

	result, err := h.svc.Consume(c.Request.Context(), req.Key, policy, cost)
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := consumeResponse{
		Allowed:   result.Allowed,
		Remaining: result.Remaining,
		Policy:    result.Policy,
		Key:       result.Key,
	}
	if !result.Allowed {
		retry := int64(result.RetryAfter / time.Second)
		resp.RetryAfter = &retry
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handlers) quota(c *gin.Context) {
	key := c.Param("key")
	lookup := ratelimiter.PolicyConfig{
		Name:      c.DefaultQuery("name", "default"),
		Algorithm: c.DefaultQuery("algorithm", string(ratelimiter.AlgorithmTokenBucket)),
		Rate:      1,
		Period:    1,
		Burst:     1,
		Scope:     string(ratelimiter.ScopeGlobal),
	}

	// The lookup policy only contributes algorithm and name to the storage
	// key; an unknown algorithm fails here, before touching the store.
	policy, err := lookup.ToPolicy()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snap, err := h.svc.Snapshot(c.Request.Context(), key, policy)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handlers) reset(c *gin.Context) {
	var req resetRequest
	if err := decodeJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}

	policy, err := req.Policy.ToPolicy()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.svc.Reset(c.Request.Context(), req.Key, policy); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// fail maps service errors: a broken store is 503, anything else 500.
func (h *handlers) fail(c *gin.Context, err error) {
	if ratelimiter.IsStoreError(err) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rate_limiter_unavailable"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// decodeJSON strictly decodes the request body: unknown fields, oversized
// payloads, and trailing data are all rejected.
func decodeJSON(c *gin.Context, dst any) error {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid json body: %v", err)
	}
	if dec.More() {
		return fmt.Errorf("invalid json body: trailing data")
	}
	return nil
}
