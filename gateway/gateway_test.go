package gateway

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LandMarkVisits/FlowKit/protocol"
)

// fakeServer simulates the query server behind the socket pool.
type fakeServer struct {
	states map[string]string // query id -> query_state
	kinds  map[string]string // query id -> query_kind
	units  map[string]string // query id -> aggregation unit
	runID  string
	runErr string
}

func (f *fakeServer) Call(_ context.Context, req *protocol.Request) (*protocol.Reply, error) {
	switch req.Action {
	case protocol.ActionRunQuery:
		if f.runErr != "" {
			return req.Error(f.runErr, ""), nil
		}
		return req.Accepted(f.runID), nil

	case protocol.ActionGetQueryParams:
		id, _ := req.QueryID()
		kind, ok := f.kinds[id]
		if !ok {
			return req.Error(fmt.Sprintf("Unknown query id: '%s'", id), "awol"), nil
		}
		params := map[string]interface{}{"query_kind": kind}
		if unit := f.units[id]; unit != "" {
			params["aggregation_unit"] = unit
		}
		return req.Success(map[string]interface{}{"query_id": id, "query_params": params}), nil

	case protocol.ActionPollQuery:
		id, _ := req.QueryID()
		queryState, ok := f.states[id]
		if !ok {
			queryState = "awol"
		}
		return req.Success(map[string]interface{}{"query_id": id, "query_state": queryState}), nil

	case protocol.ActionGetSQL:
		id, _ := req.QueryID()
		queryState := f.states[id]
		if queryState != "completed" {
			return req.Error(fmt.Sprintf("Query with id '%s' is not complete", id), queryState), nil
		}
		return req.Success(map[string]interface{}{
			"query_id": id,
			"sql":      fmt.Sprintf("SELECT * FROM cache.x%s", id),
		}), nil

	case protocol.ActionCancelQuery:
		id, _ := req.QueryID()
		if _, ok := f.states[id]; !ok {
			return req.Error(fmt.Sprintf("Unknown query id: '%s'", id), "awol"), nil
		}
		f.states[id] = "cancelled"
		return req.Success(map[string]interface{}{"query_id": id}), nil
	}
	return req.Error("unknown action", ""), nil
}

// fakeStreamer writes two fixed rows.
type fakeStreamer struct {
	sql string
}

func (f *fakeStreamer) StreamResults(_ context.Context, sql, queryID string, w io.Writer) error {
	f.sql = sql
	_, err := fmt.Fprintf(w,
		`{"query_id":%q,"query_result":[{"pcod":"524 3 07","value":42},{"pcod":"524 3 08","value":7}]}`,
		queryID)
	return err
}

type gatewayHarness struct {
	url     string
	key     *rsa.PrivateKey
	server  *fakeServer
	stream  *fakeStreamer
	httpCli *http.Client
}

func newGatewayHarness(t *testing.T) *gatewayHarness {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	fs := &fakeServer{
		states: make(map[string]string),
		kinds:  make(map[string]string),
		units:  make(map[string]string),
		runID:  "d9537c9bc11580f868e3fc372dafdb94",
	}
	streamer := &fakeStreamer{}
	g := New(Config{PublicKey: &key.PublicKey}, fs, streamer, "test")

	ts := httptest.NewServer(g.Echo())
	t.Cleanup(ts.Close)

	return &gatewayHarness{
		url:     ts.URL,
		key:     key,
		server:  fs,
		stream:  streamer,
		httpCli: ts.Client(),
	}
}

// token signs a bearer token granting the given rights.
func (h *gatewayHarness) token(t *testing.T, userClaims map[string]interface{}) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":         "analyst",
		"exp":         time.Now().Add(time.Hour).Unix(),
		"user_claims": userClaims,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(h.key)
	require.NoError(t, err)
	return signed
}

func fullRights(kinds ...string) map[string]interface{} {
	out := make(map[string]interface{}, len(kinds))
	for _, kind := range kinds {
		out[kind] = map[string]interface{}{
			"permissions":         map[string]interface{}{"run": true, "poll": true, "get_result": true},
			"spatial_aggregation": []interface{}{"admin2", "admin3"},
		}
	}
	return out
}

func (h *gatewayHarness) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.url+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.httpCli.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

const dailyLocationBody = `{
	"query_kind": "daily_location",
	"date": "2016-01-01",
	"aggregation_unit": "admin3",
	"method": "last"
}`

func TestRunEndpoint(t *testing.T) {
	t.Run("accepted submission returns 202 with poll location", func(t *testing.T) {
		h := newGatewayHarness(t)
		token := h.token(t, fullRights("daily_location"))

		resp := h.do(t, http.MethodPost, "/api/0/run", token, dailyLocationBody)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, "/api/0/poll/"+h.server.runID, resp.Header.Get("Location"))
		assert.Equal(t, h.server.runID, decodeBody(t, resp)["query_id"])
	})

	t.Run("no token returns 401", func(t *testing.T) {
		h := newGatewayHarness(t)
		resp := h.do(t, http.MethodPost, "/api/0/run", "", dailyLocationBody)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("token signed with the wrong key returns 401", func(t *testing.T) {
		h := newGatewayHarness(t)
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		foreign := &gatewayHarness{key: other}
		resp := h.do(t, http.MethodPost, "/api/0/run",
			foreign.token(t, fullRights("daily_location")), dailyLocationBody)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("kind not granted returns 403", func(t *testing.T) {
		h := newGatewayHarness(t)
		token := h.token(t, fullRights("modal_location"))
		resp := h.do(t, http.MethodPost, "/api/0/run", token, dailyLocationBody)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		body := decodeBody(t, resp)
		assert.Equal(t, "error", body["status"])
		assert.NotEmpty(t, body["msg"])
	})

	t.Run("aggregation unit not granted returns 403", func(t *testing.T) {
		h := newGatewayHarness(t)
		token := h.token(t, map[string]interface{}{
			"daily_location": map[string]interface{}{
				"permissions":         map[string]interface{}{"run": true},
				"spatial_aggregation": []interface{}{"admin1"},
			},
		})
		resp := h.do(t, http.MethodPost, "/api/0/run", token, dailyLocationBody)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("server-side rejection returns 400", func(t *testing.T) {
		h := newGatewayHarness(t)
		h.server.runErr = "missing required parameter 'date'"
		token := h.token(t, fullRights("daily_location"))
		resp := h.do(t, http.MethodPost, "/api/0/run", token, dailyLocationBody)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, decodeBody(t, resp)["msg"], "missing required parameter")
	})
}

func TestPollEndpoint(t *testing.T) {
	const id = "c4b6e1ff9e2bdbfe2f0a9715c2a14277"

	setup := func(t *testing.T, queryState string) (*gatewayHarness, string) {
		h := newGatewayHarness(t)
		h.server.states[id] = queryState
		h.server.kinds[id] = "daily_location"
		h.server.units[id] = "admin3"
		return h, h.token(t, fullRights("daily_location"))
	}

	t.Run("completed redirects to the result", func(t *testing.T) {
		h, token := setup(t, "completed")
		h.httpCli.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
		resp := h.do(t, http.MethodGet, "/api/0/poll/"+id, token, "")
		assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
		assert.Equal(t, "/api/0/get/"+id, resp.Header.Get("Location"))
	})

	t.Run("executing returns 202", func(t *testing.T) {
		h, token := setup(t, "executing")
		resp := h.do(t, http.MethodGet, "/api/0/poll/"+id, token, "")
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, "executing", decodeBody(t, resp)["query_state"])
	})

	t.Run("errored returns 500", func(t *testing.T) {
		h, token := setup(t, "errored")
		resp := h.do(t, http.MethodGet, "/api/0/poll/"+id, token, "")
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})

	t.Run("unknown id returns 404 with an error envelope", func(t *testing.T) {
		h := newGatewayHarness(t)
		token := h.token(t, fullRights("daily_location"))
		resp := h.do(t, http.MethodGet, "/api/0/poll/ffffffffffffffffffffffffffffffff", token, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		body := decodeBody(t, resp)
		assert.Equal(t, "error", body["status"])
		assert.Equal(t, "Unknown query id: 'ffffffffffffffffffffffffffffffff'", body["msg"])
		data, ok := body["data"].(map[string]interface{})
		require.True(t, ok, "failure body must carry data.query_state")
		assert.Equal(t, "awol", data["query_state"])
	})

	t.Run("poll permission is checked", func(t *testing.T) {
		h, _ := setup(t, "completed")
		token := h.token(t, map[string]interface{}{
			"daily_location": map[string]interface{}{
				"permissions":         map[string]interface{}{"run": true},
				"spatial_aggregation": []interface{}{"admin3"},
			},
		})
		resp := h.do(t, http.MethodGet, "/api/0/poll/"+id, token, "")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestGetEndpoint(t *testing.T) {
	const id = "c4b6e1ff9e2bdbfe2f0a9715c2a14277"

	setup := func(t *testing.T, queryState string) (*gatewayHarness, string) {
		h := newGatewayHarness(t)
		h.server.states[id] = queryState
		h.server.kinds[id] = "daily_location"
		h.server.units[id] = "admin3"
		return h, h.token(t, fullRights("daily_location"))
	}

	t.Run("completed result streams as an attachment", func(t *testing.T) {
		h, token := setup(t, "completed")
		resp := h.do(t, http.MethodGet, "/api/0/get/"+id, token, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, fmt.Sprintf("attachment;filename=%s.json", id),
			resp.Header.Get("Content-Disposition"))

		body := decodeBody(t, resp)
		assert.Equal(t, id, body["query_id"])
		rows, ok := body["query_result"].([]interface{})
		require.True(t, ok)
		assert.Len(t, rows, 2)
		assert.Equal(t, fmt.Sprintf("SELECT * FROM cache.x%s", id), h.stream.sql)
	})

	t.Run("incomplete result returns 202", func(t *testing.T) {
		h, token := setup(t, "executing")
		resp := h.do(t, http.MethodGet, "/api/0/get/"+id, token, "")
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	})

	t.Run("unknown id returns 404", func(t *testing.T) {
		h := newGatewayHarness(t)
		token := h.token(t, fullRights("daily_location"))
		resp := h.do(t, http.MethodGet, "/api/0/get/ffffffffffffffffffffffffffffffff", token, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestCancelEndpoint(t *testing.T) {
	const id = "c4b6e1ff9e2bdbfe2f0a9715c2a14277"
	h := newGatewayHarness(t)
	h.server.states[id] = "executing"
	h.server.kinds[id] = "daily_location"
	h.server.units[id] = "admin3"
	token := h.token(t, fullRights("daily_location"))

	resp := h.do(t, http.MethodPost, "/api/0/cancel/"+id, token, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", h.server.states[id])
}

func TestGatewayHealthEndpoint(t *testing.T) {
	h := newGatewayHarness(t)
	resp := h.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "flowapi", body["service"])
}
