package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/qinfer/internal/model"
	"github.com/samcharles93/qinfer/internal/quant"
)

type testEngine struct {
	err error
}

// Classify predicts the index of the brightest pixel.
func (e testEngine) Classify(x []float64) (model.Prediction, error) {
	if e.err != nil {
		return model.Prediction{}, e.err
	}
	if len(x) != 4 {
		return model.Prediction{}, quant.NewShapeError("quantize", "want 4 pixels, got %d", len(x))
	}
	logits := make([]int32, len(x))
	var sat quant.Saturation
	for i, v := range x {
		if v > 1 {
			v = 1
			sat.High++
		}
		logits[i] = int32(v * 100)
	}
	return model.Prediction{Class: model.Argmax(logits), Logits: logits, Saturation: sat}, nil
}

func (e testEngine) Describe() []model.LayerInfo {
	return []model.LayerInfo{{
		Name:         "pred",
		Kind:         "fully_connected",
		OutputParams: quant.Params{Scale: 0.5, ZeroPoint: 10},
	}}
}

func newTestEcho(engine Engine) (*echo.Echo, *ClassificationStore) {
	store := NewClassificationStore(2)
	server := NewServer(engine, "test-model", store, nil)
	e := echo.New()
	server.Register(e)
	return e, store
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestClassifyGetDeleteLifecycle(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(testEngine{})
	rec := doJSON(t, e, http.MethodPost, "/v1/classify", `{"pixels":[0.1, 0.9, 2, 0.3]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("classify status: got %d body=%s", rec.Code, rec.Body.String())
	}

	var created ClassifyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode classify response: %v", err)
	}
	if !strings.HasPrefix(created.ID, "cls_") {
		t.Fatalf("unexpected id %q", created.ID)
	}
	if created.Class != 2 || created.Saturated != 1 || created.Model != "test-model" {
		t.Fatalf("unexpected response: %+v", created)
	}
	if len(created.Scores) != 4 || created.Scores[2] != 45 {
		t.Fatalf("unexpected scores: %v", created.Scores)
	}

	getRec := doJSON(t, e, http.MethodGet, "/v1/classify/"+created.ID, "")
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status: got %d body=%s", getRec.Code, getRec.Body.String())
	}
	var got ClassifyResponse
	if err := json.Unmarshal(getRec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode get response: %v", err)
	}
	if got.ID != created.ID || got.Class != created.Class {
		t.Fatalf("stored classification differs: %+v", got)
	}

	delRec := doJSON(t, e, http.MethodDelete, "/v1/classify/"+created.ID, "")
	if delRec.Code != http.StatusOK {
		t.Fatalf("delete status: got %d body=%s", delRec.Code, delRec.Body.String())
	}
	missing := doJSON(t, e, http.MethodGet, "/v1/classify/"+created.ID, "")
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", missing.Code)
	}
}

func TestClassifyWithoutStore(t *testing.T) {
	t.Parallel()

	e, store := newTestEcho(testEngine{})
	rec := doJSON(t, e, http.MethodPost, "/v1/classify", `{"pixels":[0,0,0,1],"store":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("classify status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if store.Len() != 0 {
		t.Fatalf("expected nothing stored, got %d", store.Len())
	}
}

func TestClassifyBadRequests(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(testEngine{})
	for name, body := range map[string]string{
		"invalid json": `{"pixels":`,
		"empty":        `{"pixels":[]}`,
		"wrong length": `{"pixels":[1,2]}`,
	} {
		rec := doJSON(t, e, http.MethodPost, "/v1/classify", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d body=%s", name, rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), "invalid_request_error") {
			t.Fatalf("%s: unexpected error body %s", name, rec.Body.String())
		}
	}
}

func TestModelAndHealth(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(testEngine{})
	rec := doJSON(t, e, http.MethodGet, "/v1/model", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("model status: got %d", rec.Code)
	}
	var m ModelResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode model response: %v", err)
	}
	if m.ID != "test-model" || len(m.Layers) != 1 || m.Layers[0].Name != "pred" {
		t.Fatalf("unexpected model response: %+v", m)
	}

	health := doJSON(t, e, http.MethodGet, "/healthz", "")
	if health.Code != http.StatusOK || !strings.Contains(health.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health response %d %s", health.Code, health.Body.String())
	}
}

func TestNoEngine(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(nil)
	rec := doJSON(t, e, http.MethodPost, "/v1/classify", `{"pixels":[1]}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	health := doJSON(t, e, http.MethodGet, "/healthz", "")
	if !strings.Contains(health.Body.String(), "no_model") {
		t.Fatalf("unexpected health body %s", health.Body.String())
	}
}

func TestClassificationStoreEvictsOldest(t *testing.T) {
	t.Parallel()

	s := NewClassificationStore(2)
	s.Put(ClassifyResponse{ID: "a"})
	s.Put(ClassifyResponse{ID: "b"})
	s.Put(ClassifyResponse{ID: "c"})
	if _, ok := s.Get("a"); ok {
		t.Fatal("expected oldest entry evicted")
	}
	if _, ok := s.Get("c"); !ok {
		t.Fatal("expected newest entry kept")
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", s.Len())
	}
	if !s.Delete("b") || s.Delete("b") {
		t.Fatal("expected delete to succeed once")
	}
}
