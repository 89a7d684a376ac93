package api

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/rebound-engine/rebound/pkg/breaker"
	"github.com/rebound-engine/rebound/pkg/types"
)

// EngineService is the engine surface the ops API exposes
type EngineService interface {
	GetCircuitState(operationKey string) breaker.Snapshot
	CircuitStates() []breaker.Snapshot
	GetAnalytics(ctx context.Context, operationKey string) (*types.AnalyticsSummary, error)
	ClearBlacklist(ctx context.Context, operationKey, strategyID string) error
}

// BlacklistReader lists currently blacklisted strategies per operation key
type BlacklistReader interface {
	BlacklistedStrategies(ctx context.Context, operationKey string) ([]string, error)
}

// Handler serves the ops endpoints
type Handler struct {
	engine    EngineService
	blacklist BlacklistReader
}

// NewHandler creates the ops API handler
func NewHandler(engine EngineService, blacklist BlacklistReader) *Handler {
	return &Handler{engine: engine, blacklist: blacklist}
}

// ListCircuits returns the state of every known circuit breaker
func (h *Handler) ListCircuits(c *gin.Context) {
	SuccessResponse(c, h.engine.CircuitStates())
}

// GetCircuit returns the circuit breaker state for one operation key
func (h *Handler) GetCircuit(c *gin.Context) {
	key := c.Param("key")
	if key == "" {
		BadRequestResponse(c, "operation key is required")
		return
	}

	SuccessResponse(c, h.engine.GetCircuitState(key))
}

// GetAnalytics returns aggregated failure history for one operation key
func (h *Handler) GetAnalytics(c *gin.Context) {
	key := c.Param("key")
	if key == "" {
		BadRequestResponse(c, "operation key is required")
		return
	}

	summary, err := h.engine.GetAnalytics(c.Request.Context(), key)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, summary)
}

// ListBlacklist returns the blacklisted strategies for one operation key
func (h *Handler) ListBlacklist(c *gin.Context) {
	key := c.Param("key")
	if key == "" {
		BadRequestResponse(c, "operation key is required")
		return
	}

	ids, err := h.blacklist.BlacklistedStrategies(c.Request.Context(), key)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, gin.H{
		"operation_key": key,
		"strategy_ids":  ids,
	})
}

// ClearBlacklist removes one strategy from the blacklist
func (h *Handler) ClearBlacklist(c *gin.Context) {
	key := c.Param("key")
	strategyID := c.Param("strategy")
	if key == "" || strategyID == "" {
		BadRequestResponse(c, "operation key and strategy id are required")
		return
	}

	if err := h.engine.ClearBlacklist(c.Request.Context(), key, strategyID); err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	SuccessResponse(c, gin.H{
		"operation_key": key,
		"strategy_id":   strategyID,
		"cleared":       true,
	})
}
