package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"quant-backtest/internal/events"
	"quant-backtest/internal/monitor"
)

const (
	defaultQueryLimit = 200
	maxQueryLimit     = 1000
	shutdownTimeout   = 5 * time.Second
)

// newMonitorMux 暴露事件、回测记录与指标查询，metrics 为 nil 时不挂载 /metrics。
func newMonitorMux(svc *monitor.Service, metrics http.Handler, logger *zap.Logger) *http.ServeMux {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := monitor.EventFilter{
			StrategyID: strings.TrimSpace(q.Get("strategy_id")),
			Limit:      queryLimit(q.Get("limit")),
		}
		if typ := strings.TrimSpace(q.Get("type")); typ != "" {
			filter.Type = events.Type(strings.ToLower(typ))
		}
		list, err := svc.ListEvents(r.Context(), filter)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, list, logger)
	})
	mux.HandleFunc("GET /runs", func(w http.ResponseWriter, r *http.Request) {
		runs, err := svc.ListRuns(r.Context(), queryLimit(r.URL.Query().Get("limit")))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, runs, logger)
	})
	mux.HandleFunc("GET /runs/{id}/equity", func(w http.ResponseWriter, r *http.Request) {
		curve, err := svc.RunEquity(r.Context(), r.PathValue("id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if len(curve) == 0 {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, curve, logger)
	})
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return mux
}

func queryLimit(raw string) int {
	limit := defaultQueryLimit
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		limit = min(v, maxQueryLimit)
	}
	return limit
}

func writeJSON(w http.ResponseWriter, v interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("写入监控响应失败", zap.Error(err))
	}
}

// serveMonitor 启动 HTTP 服务，ctx 结束后优雅关闭。
func serveMonitor(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Info("监控接口已启动", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("关闭监控服务失败", zap.Error(err))
		return err
	}
	logger.Info("监控接口已关闭")
	return nil
}
