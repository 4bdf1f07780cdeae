package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quizvn/chainmail/internal/chain"
)

var errMissingScheduler = errors.New("chain scheduler dependency required")

// ChainScheduler is the scheduling surface the trigger endpoint consumes.
type ChainScheduler interface {
	TriggerChain(ctx context.Context, req chain.TriggerRequest) (chain.TriggerResult, error)
}

// Dependencies wires the HTTP handler's collaborators.
type Dependencies struct {
	Scheduler ChainScheduler
	Logger    *zap.Logger
}

// NewHTTPHandler builds the trigger API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Scheduler == nil {
		return nil, errMissingScheduler
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		scheduler: deps.Scheduler,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealthz)
	router.POST("/email-chains/trigger", handler.handleTrigger)

	return router, nil
}

type httpHandler struct {
	scheduler ChainScheduler
	logger    *zap.Logger
}

type triggerRequestPayload struct {
	UserUUID string `json:"userUuid"`
	Email    string `json:"email"`
	QuizID   int64  `json:"quizId"`
	Geo      string `json:"geo"`
}

type triggerResponsePayload struct {
	Status string `json:"status"`
	QuizID int64  `json:"quizId,omitempty"`
	Count  int    `json:"count,omitempty"`
}

func (h *httpHandler) handleTrigger(c *gin.Context) {
	var request triggerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if strings.TrimSpace(request.UserUUID) == "" ||
		strings.TrimSpace(request.Email) == "" ||
		strings.TrimSpace(request.Geo) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_required_fields"})
		return
	}

	result, err := h.scheduler.TriggerChain(c.Request.Context(), chain.TriggerRequest{
		UserUUID: request.UserUUID,
		Email:    request.Email,
		QuizID:   request.QuizID,
		Geo:      request.Geo,
	})
	if err != nil {
		var serviceErr *chain.ServiceError
		if errors.As(err, &serviceErr) && strings.Contains(serviceErr.Code(), "invalid_") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		h.logger.Error("trigger failed",
			zap.String("user_uuid", request.UserUUID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trigger_failed"})
		return
	}

	response := triggerResponsePayload{Status: string(result.Status)}
	switch result.Status {
	case chain.TriggerStatusMerged:
		response.QuizID = result.QuizID
		response.Count = result.Count
	default:
		response.QuizID = result.QuizID
	}

	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
