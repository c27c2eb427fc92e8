package handlers

import (
	"net/http"
)

type healthResponse struct {
	Status   string `json:"status"`
	Batches  int    `json:"batches"`
	LightX2V string `json:"lightx2v"`
}

// Health reports liveness plus whether the remote service has a token.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", LightX2V: "unknown"}
	if a.Batches != nil {
		if batches, err := a.Batches.List(r.Context()); err == nil {
			resp.Batches = len(batches)
		}
	}
	if c, ok := a.TokenSink.(interface{ HasCredentials() bool }); ok {
		resp.LightX2V = "missing_token"
		if c.HasCredentials() {
			resp.LightX2V = "configured"
		}
	}
	a.json(w, http.StatusOK, resp)
}
