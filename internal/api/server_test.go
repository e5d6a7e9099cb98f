package api

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"vrwkv/internal/logger"
	"vrwkv/internal/model"
	"vrwkv/internal/rwkv"
	"vrwkv/internal/vision"
)

func newTestEcho(t *testing.T) *echo.Echo {
	t.Helper()
	log := logger.JSON(io.Discard, slog.LevelError)
	m, err := model.New(model.Config{
		Model: rwkv.Config{
			VocabSize: 32,
			NEmbd:     16,
			NLayer:    2,
			HeadSize:  8,
			CtxLen:    32,
		},
		GridSize:      1,
		ImageScanning: "unidirection",
	}, &vision.Dummy{Dim: 8, Side: 2}, log)
	if err != nil {
		t.Fatalf("model.New: %v", err)
	}
	e := echo.New()
	NewServer(m, log).Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)
	rec := doJSON(t, e, http.MethodGet, "/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
}

func TestModelInfo(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)
	rec := doJSON(t, e, http.MethodGet, "/v1/model", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["vocab_size"].(float64) != 32 {
		t.Fatalf("vocab_size = %v, want 32", body["vocab_size"])
	}
	if body["image_scanning"].(string) != "unidirection" {
		t.Fatalf("image_scanning = %v", body["image_scanning"])
	}
}

func TestGenerateTextOnly(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)
	rec := doJSON(t, e, http.MethodPost, "/v1/generate",
		`{"tokens":[1,2,3],"max_new_tokens":3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp GenerateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Tokens) != 3 {
		t.Fatalf("generated %d tokens, want 3", len(resp.Tokens))
	}
	if !strings.HasPrefix(resp.ID, "gen-") {
		t.Fatalf("id = %q, want gen- prefix", resp.ID)
	}
}

func TestGenerateWithImage(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)
	req := GenerateRequest{
		Tokens:       []int{-200, 4, 5},
		MaxNewTokens: 2,
		Image: &ImagePayload{
			Channels: 1, Height: 2, Width: 2,
			Pixels: []float32{0.1, 0.2, 0.3, 0.4},
		},
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	rec := doJSON(t, e, http.MethodPost, "/v1/generate", string(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp GenerateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Tokens) != 2 {
		t.Fatalf("generated %d tokens, want 2", len(resp.Tokens))
	}
}

func TestGenerateValidation(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)
	cases := []struct {
		name string
		body string
	}{
		{"malformed", `{"tokens":`},
		{"empty tokens", `{"tokens":[],"max_new_tokens":2}`},
		{"zero budget", `{"tokens":[1],"max_new_tokens":0}`},
		{"out of vocab", `{"tokens":[1,999],"max_new_tokens":2}`},
		{"bad image", `{"tokens":[1],"max_new_tokens":2,"image":{"channels":3,"height":2,"width":2,"pixels":[0.1]}}`},
	}
	for _, tc := range cases {
		rec := doJSON(t, e, http.MethodPost, "/v1/generate", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status %d, want 400: %s", tc.name, rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), "invalid_request_error") {
			t.Fatalf("%s: missing error type: %s", tc.name, rec.Body.String())
		}
	}
}

func TestGenerateStopToken(t *testing.T) {
	t.Parallel()
	e := newTestEcho(t)
	// First run without a stop token to learn the deterministic output.
	rec := doJSON(t, e, http.MethodPost, "/v1/generate",
		`{"tokens":[1,2,3],"max_new_tokens":4}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var first GenerateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatal(err)
	}

	body, err := json.Marshal(GenerateRequest{
		Tokens:       []int{1, 2, 3},
		MaxNewTokens: 4,
		StopToken:    &first.Tokens[0],
	})
	if err != nil {
		t.Fatal(err)
	}
	rec = doJSON(t, e, http.MethodPost, "/v1/generate", string(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var second GenerateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatal(err)
	}
	if len(second.Tokens) != 1 || second.Tokens[0] != first.Tokens[0] {
		t.Fatalf("stop token ignored: %v vs first %v", second.Tokens, first.Tokens)
	}
}
