package server

import (
	"encoding/json"
	"net/http"
)

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := healthResponse{
		Status:      "ok",
		Connections: len(a.registry.AllConnections()),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.Error("Failed to encode health response")
	}
}
