// Package api exposes session, calibration and baseline operations over
// HTTP/JSON.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/motion.report/internal/anomaly"
	"github.com/banshee-data/motion.report/internal/calibration"
	"github.com/banshee-data/motion.report/internal/codec"
	"github.com/banshee-data/motion.report/internal/db"
	"github.com/banshee-data/motion.report/internal/httputil"
	"github.com/banshee-data/motion.report/internal/monitoring"
	"github.com/banshee-data/motion.report/internal/sensor"
	"github.com/banshee-data/motion.report/internal/session"
)

// maxBatchBytes caps a submitted batch frame.
const maxBatchBytes = 8 << 20

var errBadRequest = errors.New("bad request")

var errorStatus = map[error]int{
	errBadRequest:                     http.StatusBadRequest,
	session.ErrSessionNotFound:        http.StatusNotFound,
	session.ErrSessionNotActive:       http.StatusConflict,
	session.ErrSessionExists:          http.StatusConflict,
	session.ErrSensorInUse:            http.StatusConflict,
	session.ErrInvalidConfig:          http.StatusBadRequest,
	calibration.ErrInvalidParameter:   http.StatusBadRequest,
	calibration.ErrNotCalibrated:      http.StatusNotFound,
	calibration.ErrVerificationFailed: http.StatusUnprocessableEntity,
	anomaly.ErrEmptyBaseline:          http.StatusBadRequest,
	anomaly.ErrNoBaseline:             http.StatusNotFound,
	codec.ErrMalformed:                http.StatusBadRequest,
	sensor.ErrValidation:              http.StatusBadRequest,
	db.ErrNotFound:                    http.StatusNotFound,
}

// Sessions is the session lifecycle the API drives.
type Sessions interface {
	Start(athleteID string, cfg session.Config) (session.Session, error)
	Get(id string) (session.Session, error)
	List() []session.Session
	ProcessBatch(ctx context.Context, sessionID string, readings []sensor.Reading) error
	End(ctx context.Context, id string) (session.Session, error)
}

// Calibrator manages per-sensor calibration.
type Calibrator interface {
	Calibrate(ctx context.Context, sensorID string, cfg calibration.Config) (calibration.Params, error)
	Adjust(ctx context.Context, sensorID string, cfg calibration.Config) (calibration.Params, error)
	Current(sensorID string) (calibration.Params, error)
	History(sensorID string) []calibration.HistoryEntry
}

// Baselines stores athlete baselines.
type Baselines interface {
	UpdateBaseline(subjectID string, values []float32) error
	Baseline(subjectID string) (anomaly.Baseline, bool)
}

// Store is the persistent fallback for sessions and calibration history that
// are no longer held in memory.
type Store interface {
	LoadSession(ctx context.Context, id string) (session.Session, error)
	CalibrationHistory(ctx context.Context, sensorID string, limit int) ([]calibration.HistoryEntry, error)
}

type Server struct {
	sessions  Sessions
	cal       Calibrator
	baselines Baselines
	store     Store
	codec     *codec.Codec
	live      *LiveFeed
	log       *zap.Logger
}

// NewServer returns a Server. store may be nil, in which case lookups are
// answered from memory only. c decodes submitted batches.
func NewServer(sessions Sessions, cal Calibrator, baselines Baselines, store Store, c *codec.Codec) *Server {
	return &Server{
		sessions:  sessions,
		cal:       cal,
		baselines: baselines,
		store:     store,
		codec:     c,
		log:       monitoring.L().Named("api"),
	}
}

// WithLiveFeed serves GET /api/sessions/{id}/live from f.
func (s *Server) WithLiveFeed(f *LiveFeed) *Server {
	s.live = f
	return s
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("POST /api/sessions", s.startSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.getSession)
	mux.HandleFunc("POST /api/sessions/{id}/end", s.endSession)
	mux.HandleFunc("POST /api/sessions/{id}/batches", s.submitBatch)
	if s.live != nil {
		mux.HandleFunc("GET /api/sessions/{id}/live", s.watchSession)
	}
	mux.HandleFunc("POST /api/calibrations/{sensor}", s.calibrate)
	mux.HandleFunc("PATCH /api/calibrations/{sensor}", s.adjust)
	mux.HandleFunc("GET /api/calibrations/{sensor}", s.getCalibration)
	mux.HandleFunc("PUT /api/baselines/{subject}", s.putBaseline)
	mux.HandleFunc("GET /api/baselines/{subject}", s.getBaseline)
	return mux
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// LoggingMiddleware logs method, path, status and duration of every request.
func LoggingMiddleware(next http.Handler) http.Handler {
	log := monitoring.L().Named("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Info("request",
			zap.Int("status", lrw.statusCode),
			zap.String("method", r.Method),
			zap.String("uri", r.RequestURI),
			zap.Float64("ms", float64(time.Since(start).Nanoseconds())/1e6))
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var perr *session.ProcessingError
	if errors.As(err, &perr) {
		httputil.WriteJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":     perr.Error(),
			"sensor_id": perr.SensorID,
			"attempts":  perr.Attempts,
		})
		return
	}
	httputil.WriteError(w, err, errorStatus)
}

// StartSessionRequest is the body of POST /api/sessions.
type StartSessionRequest struct {
	AthleteID string         `json:"athlete_id"`
	Config    session.Config `json:"config"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if req.AthleteID == "" {
		httputil.BadRequest(w, "athlete_id is required")
		return
	}
	sess, err := s.sessions.Start(req.AthleteID, req.Config)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, sess)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.sessions.List())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.sessions.Get(id)
	if errors.Is(err, session.ErrSessionNotFound) && s.store != nil {
		sess, err = s.store.LoadSession(r.Context(), id)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, sess)
}

// watchSession streams an active session's outputs over a websocket.
func (s *Server) watchSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sess.Status != session.StatusActive {
		s.writeError(w, fmt.Errorf("%w: %s is %s", session.ErrSessionNotActive, id, sess.Status))
		return
	}
	s.live.serve(w, r, id)
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.End(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, sess)
}

// BatchResponse reports what a submitted batch contributed.
type BatchResponse struct {
	SessionID string `json:"session_id"`
	Submitted int    `json:"submitted"`
	Batches   int    `json:"batches"`
	Readings  int    `json:"readings"`
	Rejected  int    `json:"rejected"`
}

// submitBatch accepts a JSON or zstd-compressed reading batch and processes
// it synchronously.
func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	frame, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBatchBytes))
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("read body: %v", err))
		return
	}
	readings, err := s.codec.DecodeBatch(frame)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.sessions.ProcessBatch(r.Context(), id, readings); err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, BatchResponse{
		SessionID: id,
		Submitted: len(readings),
		Batches:   sess.Metrics.Batches,
		Readings:  sess.Metrics.Readings,
		Rejected:  sess.Metrics.Rejected,
	})
}

func (s *Server) calibrate(w http.ResponseWriter, r *http.Request) {
	s.runCalibration(w, r, s.cal.Calibrate)
}

func (s *Server) adjust(w http.ResponseWriter, r *http.Request) {
	s.runCalibration(w, r, s.cal.Adjust)
}

func (s *Server) runCalibration(w http.ResponseWriter, r *http.Request,
	op func(context.Context, string, calibration.Config) (calibration.Params, error)) {
	var cfg calibration.Config
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(w, r, &cfg); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	}
	sensorID := r.PathValue("sensor")
	p, err := op(r.Context(), sensorID, cfg)
	if err != nil {
		s.log.Info("calibration rejected", zap.String("sensor_id", sensorID), zap.Error(err))
		s.writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, p)
}

// CalibrationResponse is the body of GET /api/calibrations/{sensor}.
type CalibrationResponse struct {
	SensorID string                     `json:"sensor_id"`
	Current  *calibration.Params        `json:"current"`
	History  []calibration.HistoryEntry `json:"history"`
}

func (s *Server) getCalibration(w http.ResponseWriter, r *http.Request) {
	sensorID := r.PathValue("sensor")
	resp := CalibrationResponse{SensorID: sensorID}

	p, err := s.cal.Current(sensorID)
	switch {
	case err == nil:
		resp.Current = &p
	case !errors.Is(err, calibration.ErrNotCalibrated):
		s.writeError(w, err)
		return
	}

	// Persisted history outlives the in-memory bound.
	if s.store != nil {
		resp.History, err = s.store.CalibrationHistory(r.Context(), sensorID, 0)
		if err != nil {
			s.writeError(w, err)
			return
		}
	} else {
		resp.History = s.cal.History(sensorID)
	}

	if resp.Current == nil && len(resp.History) == 0 {
		s.writeError(w, fmt.Errorf("%w: %s", calibration.ErrNotCalibrated, sensorID))
		return
	}
	if resp.History == nil {
		resp.History = []calibration.HistoryEntry{}
	}
	httputil.WriteJSONOK(w, resp)
}

// BaselineRequest is the body of PUT /api/baselines/{subject}.
type BaselineRequest struct {
	Values []float32 `json:"values"`
}

func (s *Server) putBaseline(w http.ResponseWriter, r *http.Request) {
	var req BaselineRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	subject := r.PathValue("subject")
	if err := s.baselines.UpdateBaseline(subject, req.Values); err != nil {
		if !errors.Is(err, anomaly.ErrEmptyBaseline) {
			err = fmt.Errorf("%w: %v", errBadRequest, err)
		}
		s.writeError(w, err)
		return
	}
	b, _ := s.baselines.Baseline(subject)
	httputil.WriteJSONOK(w, b)
}

func (s *Server) getBaseline(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	b, ok := s.baselines.Baseline(subject)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: %s", anomaly.ErrNoBaseline, subject))
		return
	}
	httputil.WriteJSONOK(w, b)
}
