package main

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehrlich-b/go-csd"
	"github.com/ehrlich-b/go-csd/internal/logging"
)

// deviceStatus is the body of GET /v1/device
type deviceStatus struct {
	Name       string                 `json:"name"`
	Namespace  csd.NamespaceInfo      `json:"namespace"`
	Faulted    string                 `json:"faulted,omitempty"`
	Media      map[string]interface{} `json:"media,omitempty"`
	Metrics    csd.MetricsSnapshot    `json:"metrics"`
	Dispatched uint64                 `json:"dispatched"`
	Violations uint64                 `json:"violations"`
}

type statusServer struct {
	dev    *csd.Device
	ns     *csd.Namespace
	logger *logging.Logger
}

func newStatusRouter(dev *csd.Device, ns *csd.Namespace, logger *logging.Logger) *mux.Router {
	s := &statusServer{dev: dev, ns: ns, logger: logger}

	reg := prometheus.NewRegistry()
	reg.MustRegister(csd.NewPrometheusCollector(dev.Metrics(), prometheus.Labels{"device": dev.Name}))
	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "csd",
		Name:      "info",
		Help:      "Controller identification",
		ConstLabels: prometheus.Labels{
			"model":     dev.Identify().Model,
			"firmware":  dev.Identify().FirmwareRev,
			"kernel":    dev.Kernel().Name(),
			"goversion": runtime.Version(),
		},
	})
	reg.MustRegister(info)
	info.Set(1)

	router := mux.NewRouter()
	router.HandleFunc("/v1/device", s.deviceHandler).Methods(http.MethodGet)
	router.HandleFunc("/v1/queues/{qid:[0-9]+}", s.queueHandler).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return router
}

func (s *statusServer) deviceHandler(w http.ResponseWriter, r *http.Request) {
	st := deviceStatus{
		Name:      s.dev.Name,
		Namespace: s.ns.Info(),
		Metrics:   s.dev.MetricsSnapshot(),
	}
	if err := s.dev.Faulted(); err != nil {
		st.Faulted = err.Error()
	}
	if sm, ok := s.dev.Media().(csd.StatMedia); ok {
		st.Media = sm.Stats()
	}
	for _, q := range s.dev.ControllerStats().Queues {
		st.Dispatched += q.Processed
		st.Violations += q.Violations
	}
	s.writeJSON(w, st)
}

func (s *statusServer) queueHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	qid, err := strconv.ParseUint(vars["qid"], 10, 16)
	if err != nil {
		http.Error(w, "invalid queue id", http.StatusBadRequest)
		return
	}
	info, err := s.ns.QueueInfo(uint16(qid))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.writeJSON(w, info)
}

func (s *statusServer) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("status response failed", "error", err)
	}
}

// serveStatus runs the status endpoint until ctx is done
func serveStatus(ctx context.Context, listen string, handler http.Handler, logger *logging.Logger) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("status endpoint listening", "listen", listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
