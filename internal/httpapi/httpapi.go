// Package httpapi is the external-collaborator demonstration the binary
// needs to be runnable: a chi router exposing the operator commands over HTTP and a
// WebSocket feed of the broker's event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/paddock/racecore/internal/broker"
	"github.com/paddock/racecore/internal/processor"
	"github.com/paddock/racecore/internal/racefmt"
	"github.com/paddock/racecore/internal/racestate"
	"github.com/paddock/racecore/pkg/raceerrors"
	"github.com/paddock/racecore/pkg/racelog"
)

// RaceControl is the subset of racemanager.Manager the HTTP surface
// drives; a narrow interface so this package doesn't depend on the full
// race manager.
type RaceControl interface {
	ScheduleRace(format racefmt.Format, assignedStart float64) error
	StopRace() error
	PauseRace() error
	ResumeRace() error
	Reset() error
	Status() racestate.Status
	GetRaceResults() []processor.SlotResult
}

var validate = validator.New()

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type scheduleRaceRequest struct {
	Format        racefmt.Format `json:"format" validate:"required"`
	AssignedStart float64        `json:"assigned_start" validate:"required"`
}

// Server wires the operator command surface and the event WebSocket feed.
type Server struct {
	control RaceControl
	brk     *broker.Broker
	log     *racelog.Logger
	limiter *RateLimiter

	router chi.Router
}

// NewServer builds the chi router. requestsPerSec/burst configure the
// per-client token bucket guarding every route.
func NewServer(control RaceControl, brk *broker.Broker, log *racelog.Logger, requestsPerSec, burst int) *Server {
	if log == nil {
		log = racelog.NewDefault("httpapi")
	}
	s := &Server{
		control: control,
		brk:     brk,
		log:     log,
		limiter: NewRateLimiter(requestsPerSec, burst),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(s.limiter.Handler)

	r.Route("/races", func(r chi.Router) {
		r.Post("/schedule", s.handleScheduleRace)
		r.Post("/stop", s.handleStopRace)
		r.Post("/pause", s.handlePauseRace)
		r.Post("/resume", s.handleResumeRace)
		r.Post("/reset", s.handleReset)
		r.Get("/status", s.handleStatus)
		r.Get("/results", s.handleResults)
	})
	r.Get("/events", s.handleEvents)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleScheduleRace(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}

	// Peeking processor_id via gjson lets this log line appear even if the
	// body later fails full decode/validation, without paying for a second
	// json.Unmarshal of the whole payload.
	s.log.WithField("processor_id", gjson.GetBytes(raw, "format.processor_id").String()).Debug("schedule_race received")

	var req scheduleRaceRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.control.ScheduleRace(req.Format, req.AssignedStart); err != nil {
		writeRaceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": s.control.Status().String()})
}

func (s *Server) handleStopRace(w http.ResponseWriter, r *http.Request) {
	s.dispatchCommand(w, s.control.StopRace)
}

func (s *Server) handlePauseRace(w http.ResponseWriter, r *http.Request) {
	s.dispatchCommand(w, s.control.PauseRace)
}

func (s *Server) handleResumeRace(w http.ResponseWriter, r *http.Request) {
	s.dispatchCommand(w, s.control.ResumeRace)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.dispatchCommand(w, s.control.Reset)
}

func (s *Server) dispatchCommand(w http.ResponseWriter, fn func() error) {
	if err := fn(); err != nil {
		writeRaceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": s.control.Status().String()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": s.control.Status().String()})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.control.GetRaceResults())
}

// handleEvents upgrades to a WebSocket and streams the events the broker
// publishes as JSON until the client disconnects. It is a thin,
// non-authenticating filter: the client declares which permissions it
// holds via repeated ?permission= query values, and only events whose
// RequiredPermission appears in that set are written. Full auth remains
// out of scope; a client can claim any permission it likes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	allowed := permissionSet(r.URL.Query()["permission"])

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithField("error", err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.brk.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go drainClientClose(conn, cancel)

	for {
		evt, ok := sub.Recv(ctx)
		if !ok {
			return
		}
		if !allowed[evt.Event.RequiredPermission] {
			continue
		}
		if err := conn.WriteJSON(evt); err != nil {
			return
		}
	}
}

// permissionSet builds a lookup set from repeated ?permission= query
// values; an empty set means the client declared no permissions, so
// every event is filtered out until it reconnects with some.
func permissionSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// drainClientClose reads (and discards) from conn until it errors, which
// is how gorilla/websocket surfaces a client-initiated close; it then
// cancels ctx to unblock the writer goroutine's Recv.
func drainClientClose(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeRaceError(w http.ResponseWriter, err error) {
	var raceErr *raceerrors.RaceError
	if errors.As(err, &raceErr) {
		writeJSON(w, httpStatusForCode(raceErr.Code), map[string]string{
			"error": raceErr.Error(),
			"code":  string(raceErr.Code),
		})
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func httpStatusForCode(code raceerrors.Code) int {
	switch code {
	case raceerrors.BadTime, raceerrors.BadState, raceerrors.UnknownProcessor:
		return http.StatusBadRequest
	case raceerrors.NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
