package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// defaultHealthTimeout はストアへの疎通確認のタイムアウト。
const defaultHealthTimeout = 3 * time.Second

// HealthChecker はストアの疎通確認インターフェース。
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// HealthResponse は /health のレスポンス。
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

// HealthHandler は /health を処理する。
type HealthHandler struct {
	checker HealthChecker
	logger  *slog.Logger
	timeout time.Duration
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(checker HealthChecker, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checker: checker, logger: logger, timeout: defaultHealthTimeout}
}

// Health はストアに疎通できれば200、できなければ503を返す。
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := http.StatusOK
	resp := HealthResponse{Status: "ok", Store: "ok"}
	if err := h.checker.Ping(ctx); err != nil {
		h.logger.Warn("ストアへの疎通確認に失敗しました", slog.String("error", err.Error()))
		status = http.StatusServiceUnavailable
		resp = HealthResponse{Status: "unavailable", Store: "unreachable"}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
