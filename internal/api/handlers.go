package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/rabbitmq-poc/pkg/generator"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// handleIndex serves the publish form.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("handling index request")

	if err := render(r.Context(), w, s.metrics, "index", http.StatusOK, publishForm(nil)); err != nil {
		s.logger.Error("failed to render index", "error", err)
	}
}

// handleFormPublish publishes a trade carrying the submitted message text
// and renders the form again with the outcome.
func (s *Server) handleFormPublish(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		s.renderResult(w, r, http.StatusBadRequest, &formResult{Message: "Invalid form: " + err.Error()})
		return
	}

	trade := generator.NewTradeWithMessage(r.PostForm.Get("message"))
	body, err := trade.Body()
	if err != nil {
		s.renderResult(w, r, http.StatusInternalServerError, &formResult{Message: err.Error()})
		return
	}

	resp, err := s.publish(r.Context(), "form", &PublishRequest{
		Exchange:   r.PostForm.Get("exchange"),
		RoutingKey: strings.TrimSpace(r.PostForm.Get("routing_key")),
		Body:       json.RawMessage(body),
		Headers:    trade.Headers(generator.DefaultAppID),
	})
	status := http.StatusOK
	if err != nil {
		status = http.StatusBadRequest
	}
	s.renderResult(w, r, status, &formResult{Message: resp.Message, Success: resp.Success})
}

func (s *Server) renderResult(w http.ResponseWriter, r *http.Request, status int, result *formResult) {
	if err := render(r.Context(), w, s.metrics, "index", status, publishForm(result)); err != nil {
		s.logger.Error("failed to render index", "error", err)
	}
}

// handlePublish serves POST /api/rabbitmq/message. Every failure is answered
// with 400 and success=false.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, Response{Timestamp: s.now(), Message: "Failed to read request: " + err.Error()})
		return
	}

	req, err := decodeRequest(data)
	if err != nil {
		if s.metrics != nil {
			s.metrics.PublishRequests.WithLabelValues("http", "invalid").Inc()
		}
		s.writeJSON(w, http.StatusBadRequest, Response{Timestamp: s.now(), Message: "Failed to send message: " + err.Error()})
		return
	}

	resp, err := s.publish(r.Context(), "http", req)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleHealth reports whether the broker connection is open.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health != nil && !s.health.IsOpen() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "rabbitmq": "down"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "rabbitmq": "up"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

// instrument records request count, duration and in-flight gauge for path.
func (s *Server) instrument(path string, next http.HandlerFunc) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inFlight := s.metrics.HTTPRequestsInFlight.WithLabelValues(r.Method, path)
		inFlight.Inc()
		defer inFlight.Dec()

		timer := prometheus.NewTimer(s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, path))
		defer timer.ObserveDuration()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
