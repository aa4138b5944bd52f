package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type SweepHandler struct {
	Sweeper SweepRunner
	Logger  *zap.Logger
}

func (h *SweepHandler) Register(r chi.Router) {
	r.Post("/internal/sweeps", h.sweep)
}

func (h *SweepHandler) sweep(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Sweeper.Sweep(r.Context())
	if err != nil {
		h.Logger.Error("manual sweep failed", zap.Error(err))
		WriteError(r.Context(), w, FromError(err))
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
