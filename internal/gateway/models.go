package gateway

import "net/http"

// staticModelCatalog is the fallback capability announcement for a
// provider before any agent subprocess has reported its own model_list
// event; kept intentionally generic rather than naming specific models.
var staticModelCatalog = map[string][]string{
	"codex":  {"standard", "extended-reasoning"},
	"claude": {"standard", "extended-reasoning"},
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")
	if provider == "" {
		writeJSON(w, http.StatusOK, map[string]any{"models": staticModelCatalog})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider": provider, "models": staticModelCatalog[provider]})
}
