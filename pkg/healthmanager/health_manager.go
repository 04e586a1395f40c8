package healthmanager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/provenance-agent/pkg/auditreader"
)

type HealthManager struct {
	reader auditreader.Reader
	port   int
	srv    *http.Server
}

func NewHealthManager(port int) *HealthManager {
	return &HealthManager{
		port: port,
	}
}

func (h *HealthManager) SetReader(reader auditreader.Reader) {
	h.reader = reader
}

func (h *HealthManager) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", h.livenessProbe)
	mux.HandleFunc("/readyz", h.readinessProbe)
	return mux
}

func (h *HealthManager) Start(ctx context.Context) {
	h.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", h.port),
		Handler:      h.Handler(),
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}
	go func() {
		logger.L().Info("starting health manager", helpers.Int("port", h.port))
		if err := h.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L().Ctx(ctx).Fatal("failed to start health manager", helpers.Error(err), helpers.Int("port", h.port))
		}
	}()
}

func (h *HealthManager) Stop(ctx context.Context) error {
	if h.srv == nil {
		return nil
	}
	return h.srv.Shutdown(ctx)
}

func (h *HealthManager) livenessProbe(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// readinessProbe is ready while the audit reader is delivering events.
func (h *HealthManager) readinessProbe(w http.ResponseWriter, _ *http.Request) {
	if h.reader != nil && h.reader.GetStatus().IsRunning {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
}
