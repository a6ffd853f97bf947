// Package server hosts the query execution service: a websocket endpoint
// speaking the request/reply protocol, backed by the scheduler, the state
// machine and the result cache.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/LandMarkVisits/FlowKit/cache"
	"github.com/LandMarkVisits/FlowKit/common"
	"github.com/LandMarkVisits/FlowKit/query"
	"github.com/LandMarkVisits/FlowKit/state"
)

// JobRunner schedules query materialisation. Satisfied by
// *scheduler.Scheduler.
type JobRunner interface {
	Submit(ctx context.Context, spec *query.Spec) (string, error)
	Cancel(ctx context.Context, id string) error
}

// RecordStore reads cache metadata. Satisfied by *cache.Store.
type RecordStore interface {
	Lookup(ctx context.Context, id string) (*cache.Record, error)
	Touch(ctx context.Context, id string) error
}

// Config holds the server's listen settings.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

// Server is the query execution server.
type Server struct {
	cfg      Config
	echo     *echo.Echo
	machine  *state.Machine
	jobs     JobRunner
	records  RecordStore
	upgrader websocket.Upgrader
	version  string
	log      *logrus.Entry
}

// New assembles a server. Start must be called to begin listening.
func New(cfg Config, machine *state.Machine, jobs JobRunner, records RecordStore, version string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		cfg:     cfg,
		echo:    e,
		machine: machine,
		jobs:    jobs,
		records: records,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		version: version,
		log:     common.Logger.WithField("component", "server"),
	}

	e.GET("/v1/queries", s.handleSocket)
	e.GET("/healthz", s.handleHealth)
	return s
}

// Start listens until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.log.WithField("addr", addr).Info("query server listening")
	if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server. Open websockets are closed by their read
// loops failing.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "flowmachine",
		"version": s.version,
	})
}

// handleSocket upgrades the connection and serves the request/reply protocol
// until the peer goes away. Requests on one socket are handled concurrently;
// replies carry the request_id so the peer can match them up.
func (s *Server) handleSocket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.log.WithField("remote", remote).Info("gateway connected")

	var writeMu sync.Mutex
	var wg sync.WaitGroup
	ctx := c.Request().Context()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.WithField("remote", remote).WithError(err).Warn("gateway connection lost")
			} else {
				s.log.WithField("remote", remote).Info("gateway disconnected")
			}
			break
		}

		wg.Add(1)
		go func(raw []byte) {
			defer wg.Done()
			reply := s.dispatch(ctx, raw)
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := conn.WriteJSON(reply); err != nil {
				s.log.WithField("remote", remote).WithError(err).Warn("failed to write reply")
			}
		}(raw)
	}
	wg.Wait()
	return nil
}
