// Package contingency exposes a manual trigger for the queued-document
// resend worker, for operators who do not want to wait out the interval.
package contingency

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	httperrors "github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/infrastructure/http"
)

// Runner drains due queue entries once. The background worker implements it.
type Runner interface {
	RunOnce(ctx context.Context) (int, error)
}

// Handler bridges HTTP traffic with the contingency resend worker.
type Handler struct {
	runner Runner
	log    *slog.Logger
}

func NewHandler(runner Runner, log *slog.Logger) *Handler {
	return &Handler{runner: runner, log: log}
}

// RunResponse reports how many queue entries one run processed.
type RunResponse struct {
	Processed int `json:"processed"`
}

// Run handles POST /api/v1/contingency/run requests.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	processed, err := h.runner.RunOnce(r.Context())
	if err != nil {
		h.log.Error("manual contingency run failed", "error", err)
		httperrors.WriteError(w, http.StatusInternalServerError, "Internal Server Error", []string{"contingency run failed"}, h.log)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(RunResponse{Processed: processed})
}
