// Package welcome implements the HTTP handlers for reading and updating a guild's welcome
// configuration.
package welcome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/guildkit/welcomer/internal/db/models"
	"github.com/guildkit/welcomer/internal/middleware"
	"github.com/guildkit/welcomer/internal/services"
	"github.com/guildkit/welcomer/internal/validation"
)

// maxBodyBytes bounds an update request; the largest legal body is a pair of full embeds.
const maxBodyBytes = 1 << 20

// Store is the part of services.ConfigStore the handlers need.
type Store interface {
	FetchExpanded(ctx context.Context, guildID string) (*models.ExpandedConfig, error)
	ApplyPartialUpdate(ctx context.Context, guildID string, u *models.WelcomeUpdate) (*models.ExpandedConfig, error)
}

// ErrorMessage is the body of every non-2xx response.
type ErrorMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Handlers serves /api/v1/guilds/:guild_id/welcome.
type Handlers struct {
	store Store
}

// NewHandlers creates the welcome configuration handlers.
func NewHandlers(store Store) *Handlers {
	return &Handlers{store: store}
}

// @Summary      Get welcome configuration
// @Description  Returns the guild's expanded welcome configuration, creating an empty disabled module on first access. Sub-sections that were never configured are omitted.
// @Tags         Welcome
// @Produce      json
// @Param        guild_id  path  string  true  "Guild snowflake id"
// @Success      200  {object}  models.ExpandedConfig
// @Failure      400  {object}  ErrorMessage  "Malformed guild id"
// @Failure      500  {object}  ErrorMessage  "Persistence failure, naming the failing stage"
// @Router       /api/v1/guilds/{guild_id}/welcome [get]
// GetConfig returns the expanded configuration for a guild
func (h *Handlers) GetConfig(c *gin.Context) {
	guildID, ok := guildParam(c)
	if !ok {
		return
	}

	cfg, err := h.store.FetchExpanded(c.Request.Context(), guildID)
	if err != nil {
		storeFailure(c, guildID, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// @Summary      Update welcome configuration
// @Description  Applies a partial update. Only the sections and fields present in the body are changed; the whole update commits atomically. Returns the configuration as stored afterwards.
// @Tags         Welcome
// @Accept       json
// @Produce      json
// @Param        guild_id  path  string                true  "Guild snowflake id"
// @Param        body      body  models.WelcomeUpdate  true  "Partial welcome configuration"
// @Success      200  {object}  models.ExpandedConfig
// @Failure      400  {object}  ErrorMessage  "Malformed guild id, JSON, or field value"
// @Failure      500  {object}  ErrorMessage  "Persistence failure, naming the failing stage"
// @Router       /api/v1/guilds/{guild_id}/welcome [post]
// UpdateConfig applies a partial update to a guild's configuration
func (h *Handlers) UpdateConfig(c *gin.Context) {
	guildID, ok := guildParam(c)
	if !ok {
		return
	}

	u, err := decodeUpdate(c.Request, c.Writer)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := u.Validate(); err != nil {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	}

	cfg, err := h.store.ApplyPartialUpdate(c.Request.Context(), guildID, u)
	if err != nil {
		storeFailure(c, guildID, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func guildParam(c *gin.Context) (string, bool) {
	id := c.Param("guild_id")
	if err := validation.ValidateSnowflake(id); err != nil {
		abortWithError(c, http.StatusBadRequest, fmt.Sprintf("invalid guild id: %v", err))
		return "", false
	}
	return id, true
}

// decodeUpdate reads exactly one JSON object. Unknown keys are rejected at every level.
func decodeUpdate(r *http.Request, w http.ResponseWriter) (*models.WelcomeUpdate, error) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	var u models.WelcomeUpdate
	if err := dec.Decode(&u); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return nil, errors.New("request body must be a JSON object")
		case errors.As(err, &tooLarge):
			return nil, fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		default:
			return nil, fmt.Errorf("malformed request body: %v", err)
		}
	}
	if dec.More() {
		return nil, errors.New("malformed request body: trailing data after JSON object")
	}
	return &u, nil
}

func storeFailure(c *gin.Context, guildID string, err error) {
	requestID := middleware.RequestIDFromContext(c.Request.Context())
	var se *services.StoreError
	if errors.As(err, &se) {
		slog.Error("welcome configuration store failed",
			"guild_id", guildID, "stage", se.Stage, "error", se.Err, "request_id", requestID)
		abortWithError(c, http.StatusInternalServerError,
			fmt.Sprintf("welcome configuration %s failed", se.Stage))
		return
	}
	slog.Error("welcome configuration request failed", "guild_id", guildID, "error", err, "request_id", requestID)
	abortWithError(c, http.StatusInternalServerError, "internal error")
}

func abortWithError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, ErrorMessage{Code: status, Message: message})
}
