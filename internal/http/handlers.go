package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/driver-dispatch/internal/activejob"
	"github.com/example/driver-dispatch/internal/lifecycle"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/photos"
	"github.com/example/driver-dispatch/internal/session"
)

// Agent is the session surface the control API drives.
type Agent interface {
	Snapshot() session.Snapshot
	GoOnline(ctx context.Context) error
	GoOffline(ctx context.Context) error
	Logout(ctx context.Context)
	SetToken(token string)
	Accept(ctx context.Context) (models.Job, error)
	Decline(ctx context.Context) error
	Transition(ctx context.Context, target models.Status) (models.Job, error)
	AttachPhotos(kind activejob.PhotoKind, urls []string) (models.Job, error)
	UploadPhoto(ctx context.Context, kind activejob.PhotoKind, data []byte) (models.Job, error)
	ETA(ctx context.Context) (activejob.ETA, error)
	SubmitVolume(ctx context.Context, volume float64) (models.VolumeProposal, error)
	IngestLocation(s models.LocationSample) (bool, error)
}

type Server struct {
	agent        Agent
	logger       *slog.Logger
	mux          *mux.Router
	controlToken string
}

type Option func(*Server)

// WithControlToken requires "Authorization: Bearer <token>" on /v1 routes.
func WithControlToken(token string) Option {
	return func(s *Server) { s.controlToken = token }
}

func NewServer(agent Agent, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{agent: agent, logger: logger.With("component", "http"), mux: mux.NewRouter()}
	for _, opt := range opts {
		opt(s)
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	// Both routers need it: a method mismatch inside the subrouter is
	// otherwise answered with 404.
	s.mux.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	v1 := s.mux.PathPrefix("/v1").Subrouter()
	v1.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	v1.Use(s.controlAuthMiddleware)
	v1.HandleFunc("/session", s.handleSnapshot).Methods("GET")
	v1.HandleFunc("/session/online", s.handleOnline).Methods("POST")
	v1.HandleFunc("/session/offline", s.handleOffline).Methods("POST")
	v1.HandleFunc("/session/logout", s.handleLogout).Methods("POST")
	v1.HandleFunc("/session/token", s.handleToken).Methods("PUT")
	v1.HandleFunc("/offer/accept", s.handleAccept).Methods("POST")
	v1.HandleFunc("/offer/decline", s.handleDecline).Methods("POST")
	v1.HandleFunc("/job/status", s.handleStatus).Methods("POST")
	v1.HandleFunc("/job/photos/{kind}", s.handlePhotos).Methods("POST")
	v1.HandleFunc("/job/eta", s.handleETA).Methods("GET")
	v1.HandleFunc("/job/volume", s.handleVolume).Methods("POST")
	v1.HandleFunc("/location", s.handleLocation).Methods("POST")
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Snapshot())
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.GoOnline(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.agent.Snapshot())
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.GoOffline(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.agent.Snapshot())
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.agent.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if strings.TrimSpace(body.Token) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "token is required"})
		return
	}
	s.agent.SetToken(body.Token)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	job, err := s.agent.Accept(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.Decline(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if _, ok := lifecycle.Lookup(body.Status); !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown status " + string(body.Status)})
		return
	}
	job, err := s.agent.Transition(r.Context(), body.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handlePhotos takes either a JSON list of urls already uploaded elsewhere
// or a raw image body that is stored through the configured uploader.
func (s *Server) handlePhotos(w http.ResponseWriter, r *http.Request) {
	kind := activejob.PhotoKind(mux.Vars(r)["kind"])
	if kind != activejob.PhotosBefore && kind != activejob.PhotosAfter {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown photo kind " + string(kind)})
		return
	}

	var (
		job models.Job
		err error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			URLs []string `json:"urls"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		job, err = s.agent.AttachPhotos(kind, body.URLs)
	} else {
		data, rerr := io.ReadAll(io.LimitReader(r.Body, photos.MaxPhotoBytes+1))
		if rerr != nil {
			http.Error(w, rerr.Error(), 400)
			return
		}
		job, err = s.agent.UploadPhoto(r.Context(), kind, data)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleETA(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	est, err := s.agent.ETA(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ActualVolume float64 `json:"actual_volume"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	p, err := s.agent.SubmitVolume(r.Context(), body.ActualVolume)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var sample models.LocationSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if sample.Lat < -90 || sample.Lat > 90 || sample.Lon < -180 || sample.Lon > 180 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "coordinates out of range"})
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	delivered, err := s.agent.IngestLocation(sample)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"forwarded": delivered})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}
