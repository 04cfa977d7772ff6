package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"jobsync/internal/api"
	"jobsync/internal/model"
	"jobsync/internal/qrlogin"
	"jobsync/internal/transport"
)

// Handler returns the HTTP surface of the simulated backend.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	if len(s.opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleSubmit)
		r.Get("/{id}", s.handleGet)
		r.Delete("/{id}", s.handleDelete)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Post("/{id}/retry", s.handleRetry)
	})

	r.Get("/cookies/{platform}/qr/generate", s.handleQRGenerate)
	r.Get("/cookies/{platform}/qr/poll", s.handleQRPoll)

	r.Get("/ws/jobs", s.handlePush)

	return r
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Jobs())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, job := range s.Jobs() {
		if job.ID == id {
			writeJSON(w, http.StatusOK, job)
			return
		}
	}
	writeError(w, http.StatusNotFound, errUnknownJob.Error())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.Kind == "" {
		req.Kind = model.KindPodcast
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job := s.create(req.Kind, req.URL, req.Platform, req.Style, req.Formats, req.Model)
	writeJSON(w, http.StatusCreated, map[string]string{"job_id": job.ID})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.cancel(chi.URLParam(r, "id"))
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": job.Status})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, err := s.retry(chi.URLParam(r, "id"))
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"new_job_id": job.ID})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.remove(chi.URLParam(r, "id")); err != nil {
		writeJobError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQRGenerate(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	if !qrlogin.IsSupported(platform) {
		writeError(w, http.StatusNotFound, "unsupported platform "+platform)
		return
	}
	token := s.issueQR(platform)
	writeJSON(w, http.StatusOK, api.QRCode{
		URL:   "https://login.jobsync.local/" + platform + "/qr?token=" + token,
		Token: token,
	})
}

func (s *Server) handleQRPoll(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		writeError(w, http.StatusBadRequest, "token required")
		return
	}
	poll, err := s.pollQR(chi.URLParam(r, "platform"), token)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, poll)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("push upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan transport.Frame, clientBuffer), lastPing: s.opts.Now()}
	go writeLoop(c)
	s.attach(c)
	s.logger.Debug("push client connected", "remote", conn.RemoteAddr().String())

	defer s.detach(c)
	for {
		var f transport.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Type == transport.FramePing {
			c.touch(s.opts.Now())
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errUnknownJob):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errWrongStatus):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
