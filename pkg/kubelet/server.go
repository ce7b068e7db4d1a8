package kubelet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/wasmlet/wasmlet/pkg/observability"
	"github.com/wasmlet/wasmlet/pkg/wasm"
)

// ServerConfig configures the kubelet HTTP surface.
type ServerConfig struct {
	// ListenAddr is the address to serve on.
	ListenAddr string

	// TLSCertFile and TLSKeyFile enable TLS when both are set.
	TLSCertFile string
	TLSKeyFile  string
}

// PodHandler serves the pod-facing read endpoints.
type PodHandler interface {
	// Pods returns a snapshot of every known pod with its local status.
	Pods() []*corev1.Pod

	// Logs returns the log buffer for a container of a known pod.
	Logs(namespace, name, container string) (*wasm.LogBuffer, error)
}

// Server is the kubelet API: health, the pod snapshot, and container
// logs with tail and follow support.
type Server struct {
	config ServerConfig
	pods   PodHandler
	logger *zap.Logger

	server   *http.Server
	listener net.Listener
}

// NewServer creates the kubelet HTTP server.
func NewServer(config ServerConfig, pods PodHandler, logger *zap.Logger) (*Server, error) {
	if config.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if pods == nil {
		return nil, fmt.Errorf("pod handler is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	s := &Server{
		config: config,
		pods:   pods,
		logger: logger.Named("kubelet_server"),
	}

	router := chi.NewRouter()
	router.Use(observability.RequestCorrelation)
	router.Use(observability.RequestLogger(s.logger))
	router.Use(observability.RequestMetrics)

	router.Get("/healthz", s.handleHealthz)
	router.Get("/pods", s.handlePods)
	router.Get("/containerLogs/{namespace}/{pod}/{container}", s.handleContainerLogs)

	s.server = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = listener

	tls := s.config.TLSCertFile != "" && s.config.TLSKeyFile != ""
	s.logger.Info("Starting kubelet server",
		zap.String("address", listener.Addr().String()),
		zap.Bool("tls", tls),
	)

	go func() {
		var err error
		if tls {
			err = s.server.ServeTLS(listener, s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			err = s.server.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Kubelet server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.ListenAddr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	s.logger.Info("Stopping kubelet server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown kubelet server: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handlePods serves the local pod snapshot as a v1 PodList, the shape
// kubectl and conformance tooling expect from a kubelet.
func (s *Server) handlePods(w http.ResponseWriter, r *http.Request) {
	pods := s.pods.Pods()
	list := corev1.PodList{
		TypeMeta: metav1.TypeMeta{Kind: "PodList", APIVersion: "v1"},
		Items:    make([]corev1.Pod, 0, len(pods)),
	}
	for _, p := range pods {
		list.Items = append(list.Items, *p)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(&list); err != nil {
		s.logger.Warn("Failed to encode pod list", zap.Error(err))
	}
}

func (s *Server) handleContainerLogs(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	podName := chi.URLParam(r, "pod")
	container := chi.URLParam(r, "container")

	logs, err := s.pods.Logs(namespace, podName, container)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	query := r.URL.Query()
	follow, _ := strconv.ParseBool(query.Get("follow"))
	tailLines := 0
	if v := query.Get("tailLines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid tailLines", http.StatusBadRequest)
			return
		}
		tailLines = n
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	if follow {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		// Ends when the container exits or the client goes away.
		if err := logs.Follow(r.Context(), w); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Debug("Log follow ended", zap.Error(err))
		}
		return
	}

	w.Write(logs.Tail(tailLines))
}
