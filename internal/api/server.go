// Package api serves a loaded network over HTTP.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/qinfer/internal/logger"
	"github.com/samcharles93/qinfer/internal/model"
	"github.com/samcharles93/qinfer/internal/quant"
)

// Engine is the part of *model.Network the server needs.
type Engine interface {
	Classify(x []float64) (model.Prediction, error)
	Describe() []model.LayerInfo
}

type Server struct {
	engine  Engine
	modelID string
	layers  []model.LayerInfo
	output  quant.Params
	store   *ClassificationStore
	log     logger.Logger
	clock   func() time.Time
}

// NewServer wraps engine. modelID names the served model in responses.
func NewServer(engine Engine, modelID string, store *ClassificationStore, log logger.Logger) *Server {
	if store == nil {
		store = NewClassificationStore(DefaultStoreCapacity)
	}
	if log == nil {
		log = logger.Default()
	}
	s := &Server{
		engine:  engine,
		modelID: modelID,
		store:   store,
		log:     log,
		clock:   time.Now,
	}
	if engine != nil {
		s.layers = engine.Describe()
		if n := len(s.layers); n > 0 {
			s.output = s.layers[n-1].OutputParams
		}
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/model", s.handleModel)
	e.POST("/v1/classify", s.handleClassify)
	e.GET("/v1/classify/:id", s.handleGetClassification)
	e.DELETE("/v1/classify/:id", s.handleDeleteClassification)
}

func (s *Server) handleHealth(c *echo.Context) error {
	status := "ok"
	if s.engine == nil {
		status = "no_model"
	}
	return c.JSON(http.StatusOK, map[string]any{"status": status})
}

func (s *Server) handleModel(c *echo.Context) error {
	if s.engine == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "model not loaded", "", "")
	}
	return c.JSON(http.StatusOK, ModelResponse{
		ID:     s.modelID,
		Object: "model",
		Layers: s.layers,
	})
}

func (s *Server) handleClassify(c *echo.Context) error {
	if s.engine == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "model not loaded", "", "")
	}
	req, err := decodeJSON[ClassifyRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if err := validateClassify(req); err != nil {
		return writeBadRequest(c, err.Error())
	}

	pred, err := s.engine.Classify(req.Pixels)
	if err != nil {
		if errors.Is(err, quant.ErrShapeMismatch) {
			return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), "pixels", "")
		}
		s.log.Error("classification failed", "error", err)
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}

	resp := ClassifyResponse{
		ID:         newClassificationID(),
		Object:     "classification",
		CreatedAt:  s.clock().Unix(),
		Model:      s.modelID,
		Class:      pred.Class,
		Logits:     pred.Logits,
		Scores:     s.scores(pred.Logits),
		Saturated:  pred.Saturation.Total(),
		Saturation: pred.Saturation,
	}
	if resp.Saturated > 0 {
		s.log.Debug("classification saturated", "id", resp.ID, "low", pred.Saturation.Low, "high", pred.Saturation.High)
	}
	if req.Store == nil || *req.Store {
		s.store.Put(resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// scores are the real values of the output layer.
func (s *Server) scores(logits []int32) []float64 {
	if s.output.Scale == 0 {
		return nil
	}
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = s.output.Real(v)
	}
	return out
}

func (s *Server) handleGetClassification(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return writeNotFound(c, "classification not found")
	}
	resp, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, "classification not found")
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteClassification(c *echo.Context) error {
	id := c.Param("id")
	if id == "" || !s.store.Delete(id) {
		return writeNotFound(c, "classification not found")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":      id,
		"object":  "classification",
		"deleted": true,
	})
}

func validateClassify(req ClassifyRequest) error {
	if len(req.Pixels) == 0 {
		return newInvalidRequest("pixels must not be empty")
	}
	return nil
}
