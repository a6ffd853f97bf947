// Package gateway is the stateless HTTP front of the query server. It owns
// token verification, the claims check, the socket pool to the server, and
// the translation of reply envelopes to HTTP responses.
package gateway

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/LandMarkVisits/FlowKit/common"
	"github.com/LandMarkVisits/FlowKit/protocol"
	"github.com/LandMarkVisits/FlowKit/state"
)

// Config holds the gateway's listen and verification settings.
type Config struct {
	Host            string
	Port            int
	PublicKey       *rsa.PublicKey
	RateLimit       float64
	ShutdownTimeout time.Duration
}

// Gateway is the HTTP adapter.
type Gateway struct {
	cfg      Config
	echo     *echo.Echo
	client   ServerClient
	streamer ResultStreamer
	version  string
	log      *logrus.Entry
}

// New assembles the gateway over a server client and a result streamer.
func New(cfg Config, client ServerClient, streamer ResultStreamer, version string) *Gateway {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(cfg.RateLimit),
		)))
	}

	g := &Gateway{
		cfg:      cfg,
		echo:     e,
		client:   client,
		streamer: streamer,
		version:  version,
		log:      common.Logger.WithField("component", "gateway"),
	}
	e.HTTPErrorHandler = g.handleError

	e.GET("/healthz", g.handleHealth)

	api := e.Group("/api/0")
	api.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey:    cfg.PublicKey,
		SigningMethod: "RS256",
		TokenLookup:   "header:Authorization:Bearer ",
	}))
	api.POST("/run", g.handleRun)
	api.GET("/poll/:query_id", g.handlePoll)
	api.GET("/get/:query_id", g.handleGet)
	api.POST("/cancel/:query_id", g.handleCancel)

	return g
}

// Start listens until Shutdown is called.
func (g *Gateway) Start() error {
	addr := fmt.Sprintf("%s:%d", g.cfg.Host, g.cfg.Port)
	g.log.WithField("addr", addr).Info("gateway listening")
	if err := g.echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.echo.Shutdown(ctx)
}

// Echo exposes the router for tests.
func (g *Gateway) Echo() *echo.Echo {
	return g.echo
}

func (g *Gateway) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "flowapi",
		"version": g.version,
	})
}

// handleRun verifies claims on the submitted spec and forwards run_query.
func (g *Gateway) handleRun(c echo.Context) error {
	claims, err := requestClaims(c)
	if err != nil {
		return forbidden(err)
	}

	var spec map[string]interface{}
	if err := c.Bind(&spec); err != nil {
		return badRequest("request body must be a JSON query specification")
	}
	kind, ok := spec["query_kind"].(string)
	if !ok || kind == "" {
		return badRequest("query specification is missing query_kind")
	}
	if err := claims.Allows(kind, protocol.PermissionRun, specUnit(spec)); err != nil {
		return forbidden(err)
	}

	reply, err := g.call(c, protocol.ActionRunQuery, spec)
	if err != nil {
		return err
	}
	if reply.Status != protocol.StatusAccepted {
		return badRequest(reply.Msg)
	}

	id, _ := reply.Data["query_id"].(string)
	c.Response().Header().Set(echo.HeaderLocation, "/api/0/poll/"+id)
	return c.JSON(http.StatusAccepted, map[string]string{"query_id": id})
}

// handlePoll reports progress, redirecting to the result once complete.
func (g *Gateway) handlePoll(c echo.Context) error {
	id := c.Param("query_id")
	claims, err := requestClaims(c)
	if err != nil {
		return forbidden(err)
	}
	kind, unit, err := g.queryTarget(c, id)
	if err != nil {
		return err
	}
	if err := claims.Allows(kind, protocol.PermissionPoll, unit); err != nil {
		return forbidden(err)
	}

	reply, err := g.call(c, protocol.ActionPollQuery, map[string]interface{}{"query_id": id})
	if err != nil {
		return err
	}
	queryState, _ := reply.Data["query_state"].(string)

	body := map[string]interface{}{"query_id": id, "query_state": queryState}
	switch state.State(queryState) {
	case state.Completed:
		c.Response().Header().Set(echo.HeaderLocation, "/api/0/get/"+id)
		return c.JSON(http.StatusSeeOther, body)
	case state.Queued, state.Executing, state.Resetting:
		return c.JSON(http.StatusAccepted, body)
	case state.Errored, state.Cancelled:
		if msg, ok := reply.Data["msg"].(string); ok {
			body["msg"] = msg
		}
		return c.JSON(http.StatusInternalServerError, body)
	default:
		return notFound(id)
	}
}

// handleGet streams the materialised result to the client in row batches.
func (g *Gateway) handleGet(c echo.Context) error {
	id := c.Param("query_id")
	claims, err := requestClaims(c)
	if err != nil {
		return forbidden(err)
	}
	kind, unit, err := g.queryTarget(c, id)
	if err != nil {
		return err
	}
	if err := claims.Allows(kind, protocol.PermissionGetResult, unit); err != nil {
		return forbidden(err)
	}

	reply, err := g.call(c, protocol.ActionGetSQL, map[string]interface{}{"query_id": id})
	if err != nil {
		return err
	}
	if reply.Status != protocol.StatusDone {
		return replyToHTTP(reply)
	}
	sql, _ := reply.Data["sql"].(string)

	header := c.Response().Header()
	header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	header.Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment;filename=%s.json", id))
	c.Response().WriteHeader(http.StatusOK)

	if err := g.streamer.StreamResults(c.Request().Context(), sql, id, c.Response()); err != nil {
		// Headers are gone; all we can do is drop the connection so the
		// client sees a truncated body instead of a silently short one.
		g.log.WithField("query_id", id).WithError(err).Error("result streaming failed")
		return err
	}
	return nil
}

// handleCancel stops a running query. Cancellation needs the same permission
// as submission.
func (g *Gateway) handleCancel(c echo.Context) error {
	id := c.Param("query_id")
	claims, err := requestClaims(c)
	if err != nil {
		return forbidden(err)
	}
	kind, unit, err := g.queryTarget(c, id)
	if err != nil {
		return err
	}
	if err := claims.Allows(kind, protocol.PermissionRun, unit); err != nil {
		return forbidden(err)
	}

	reply, err := g.call(c, protocol.ActionCancelQuery, map[string]interface{}{"query_id": id})
	if err != nil {
		return err
	}
	if reply.Status != protocol.StatusDone {
		return replyToHTTP(reply)
	}
	return c.JSON(http.StatusOK, map[string]string{"query_id": id})
}

// queryTarget fetches the kind and aggregation unit of a known query so the
// claims check can run before any action is forwarded.
func (g *Gateway) queryTarget(c echo.Context, id string) (kind, unit string, err error) {
	reply, err := g.call(c, protocol.ActionGetQueryParams, map[string]interface{}{"query_id": id})
	if err != nil {
		return "", "", err
	}
	if reply.Status != protocol.StatusDone {
		return "", "", replyToHTTP(reply)
	}
	params, _ := reply.Data["query_params"].(map[string]interface{})
	kind, _ = params["query_kind"].(string)
	if kind == "" {
		return "", "", notFound(id)
	}
	return kind, specUnit(params), nil
}

// call forwards one action to the server with a fresh request id.
func (g *Gateway) call(c echo.Context, action string, params map[string]interface{}) (*protocol.Reply, error) {
	req := &protocol.Request{
		RequestID: uuid.NewString(),
		Action:    action,
		Params:    params,
	}
	reply, err := g.client.Call(c.Request().Context(), req)
	if err != nil {
		g.log.WithField("action", action).WithError(err).Error("query server unreachable")
		return nil, echo.NewHTTPError(http.StatusBadGateway,
			&protocol.Reply{Status: protocol.StatusError, Msg: "query server is unreachable"})
	}
	return reply, nil
}

// handleError renders every failure as the protocol error envelope, so
// clients see the same body shape whether the failure happened here or in
// the query server.
func (g *Gateway) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	reply := &protocol.Reply{Status: protocol.StatusError}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		switch msg := he.Message.(type) {
		case *protocol.Reply:
			reply = msg
		case string:
			reply.Msg = msg
		default:
			reply.Msg = fmt.Sprintf("%v", msg)
		}
	} else {
		reply.Msg = err.Error()
	}
	if writeErr := c.JSON(code, reply); writeErr != nil {
		g.log.WithError(writeErr).Warn("failed to write error response")
	}
}

// replyToHTTP maps a server error envelope to the HTTP status contract. The
// envelope itself becomes the response body, minus the internal request id.
func replyToHTTP(reply *protocol.Reply) error {
	body := &protocol.Reply{Status: reply.Status, Msg: reply.Msg, Data: reply.Data}
	switch state.State(reply.QueryState()) {
	case state.Awol, state.Known:
		return echo.NewHTTPError(http.StatusNotFound, body)
	case state.Queued, state.Executing, state.Resetting:
		return echo.NewHTTPError(http.StatusAccepted, body)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, body)
	}
}

// specUnit pulls the aggregation unit off a spec, looking one level into a
// wrapped locations sub-spec for kinds like spatial_aggregate.
func specUnit(spec map[string]interface{}) string {
	if unit, ok := spec["aggregation_unit"].(string); ok {
		return unit
	}
	if locations, ok := spec["locations"].(map[string]interface{}); ok {
		if unit, ok := locations["aggregation_unit"].(string); ok {
			return unit
		}
	}
	return ""
}

func requestClaims(c echo.Context) (UserClaims, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok {
		return nil, &AuthError{Msg: "request carries no verified token"}
	}
	return ClaimsFromToken(token)
}

func forbidden(err error) error {
	return echo.NewHTTPError(http.StatusForbidden,
		&protocol.Reply{Status: protocol.StatusError, Msg: err.Error()})
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest,
		&protocol.Reply{Status: protocol.StatusError, Msg: msg})
}

func notFound(id string) error {
	return echo.NewHTTPError(http.StatusNotFound, &protocol.Reply{
		Status: protocol.StatusError,
		Msg:    fmt.Sprintf("Unknown query id: '%s'", id),
		Data:   map[string]interface{}{"query_state": string(state.Awol)},
	})
}
