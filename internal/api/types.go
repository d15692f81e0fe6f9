package api

import (
	"github.com/samcharles93/qinfer/internal/model"
	"github.com/samcharles93/qinfer/internal/quant"
)

type ClassifyRequest struct {
	Pixels []float64 `json:"pixels"`
	// Store keeps the result retrievable by id; defaults to true.
	Store *bool `json:"store,omitempty"`
}

type ClassifyResponse struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	CreatedAt int64  `json:"created_at"`
	Model     string `json:"model,omitempty"`

	Class  int       `json:"class"`
	Logits []int32   `json:"logits"`
	Scores []float64 `json:"scores,omitempty"`

	// Saturated is the number of clamped elements across the input and
	// every layer.
	Saturated  int              `json:"saturated"`
	Saturation quant.Saturation `json:"saturation"`
}

type ModelResponse struct {
	ID     string            `json:"id"`
	Object string            `json:"object"`
	Layers []model.LayerInfo `json:"layers"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}
