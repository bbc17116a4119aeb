package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestHandleListModelsReturnsFullCatalogWithoutProvider(t *testing.T) {
	gw := newTestServer(t)
	r := httptest.NewRequest("GET", "/api/models", nil)
	w := httptest.NewRecorder()
	gw.handleListModels(w, r)

	var body map[string]map[string][]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body["models"]) != len(staticModelCatalog) {
		t.Fatalf("models = %v, want %d providers", body["models"], len(staticModelCatalog))
	}
}

func TestHandleListModelsFiltersByProvider(t *testing.T) {
	gw := newTestServer(t)
	r := httptest.NewRequest("GET", "/api/models?provider=codex", nil)
	w := httptest.NewRecorder()
	gw.handleListModels(w, r)

	var body struct {
		Provider string   `json:"provider"`
		Models   []string `json:"models"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Provider != "codex" {
		t.Fatalf("provider = %q, want codex", body.Provider)
	}
	if len(body.Models) != len(staticModelCatalog["codex"]) {
		t.Fatalf("models = %v", body.Models)
	}
}
