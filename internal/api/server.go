// Package api exposes generation over HTTP. The surface is small: a
// health probe, a model description and a greedy generation endpoint
// accepting token ids with an optional inline image.
package api

import (
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"vrwkv/internal/logger"
	"vrwkv/internal/model"
	"vrwkv/internal/vision"
)

// Server serves one loaded model.
type Server struct {
	model *model.VisualRWKV
	log   logger.Logger
}

// NewServer wraps a loaded model for serving.
func NewServer(m *model.VisualRWKV, log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{model: m, log: log}
}

// Register mounts the routes.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/health", s.handleHealth)
	e.GET("/v1/model", s.handleModel)
	e.POST("/v1/generate", s.handleGenerate)
}

// ImagePayload is one preprocessed image inlined in a request.
type ImagePayload struct {
	Channels int       `json:"channels"`
	Height   int       `json:"height"`
	Width    int       `json:"width"`
	Pixels   []float32 `json:"pixels"`
}

// GenerateRequest asks for a greedy continuation of the given token
// ids. A -200 token marks where image features are spliced in.
type GenerateRequest struct {
	Tokens       []int         `json:"tokens"`
	Image        *ImagePayload `json:"image,omitempty"`
	MaxNewTokens int           `json:"max_new_tokens"`
	StopToken    *int          `json:"stop_token,omitempty"`
}

// GenerateResponse carries the generated continuation.
type GenerateResponse struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	Tokens  []int  `json:"tokens"`
}

type responseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": responseError{Message: msg, Type: errType},
	})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModel(c *echo.Context) error {
	cfg := s.model.Config()
	return c.JSON(http.StatusOK, map[string]any{
		"vocab_size":     cfg.Model.VocabSize,
		"n_embd":         cfg.Model.NEmbd,
		"n_layer":        cfg.Model.NLayer,
		"ctx_len":        cfg.Model.CtxLen,
		"grid_size":      cfg.GridSize,
		"image_scanning": cfg.ImageScanning,
	})
}

func (s *Server) handleGenerate(c *echo.Context) error {
	var req GenerateRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "malformed JSON body")
	}
	if len(req.Tokens) == 0 {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "tokens must not be empty")
	}
	if req.MaxNewTokens <= 0 {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "max_new_tokens must be positive")
	}
	vocab := s.model.Config().Model.VocabSize
	for _, id := range req.Tokens {
		if id != -200 && (id < 0 || id >= vocab) {
			return writeError(c, http.StatusBadRequest, "invalid_request_error", "token id outside vocabulary")
		}
	}

	var img *vision.Image
	if req.Image != nil {
		img = &vision.Image{
			Channels: req.Image.Channels,
			Height:   req.Image.Height,
			Width:    req.Image.Width,
			Pixels:   req.Image.Pixels,
		}
		if err := img.Validate(); err != nil {
			return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		}
	}

	stop := -1
	if req.StopToken != nil {
		stop = *req.StopToken
	}

	id := "gen-" + uuid.NewString()
	started := time.Now()
	tokens, err := s.model.Generate(c.Request().Context(), req.Tokens, img, model.GenerateOptions{
		MaxNewTokens: req.MaxNewTokens,
		StopToken:    stop,
	})
	if err != nil {
		s.log.Error("generation failed", "id", id, "err", err)
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	s.log.Info("generation complete", "id", id, "tokens", len(tokens), "elapsed", time.Since(started))

	return c.JSON(http.StatusOK, GenerateResponse{
		ID:      id,
		Created: time.Now().Unix(),
		Tokens:  tokens,
	})
}
