// Package protocol defines the request/reply message contract between the
// gateway and the query server. Every message is one UTF-8 JSON object; the
// request_id is opaque to the server and echoed back verbatim so callers can
// multiplex replies.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Actions a request may carry.
const (
	ActionRunQuery       = "run_query"
	ActionPollQuery      = "poll_query"
	ActionGetSQL         = "get_sql_for_query_result"
	ActionGetQueryParams = "get_query_params"
	ActionGetQueryKind   = "get_query_kind"
	ActionCancelQuery    = "cancel_query"
)

// Reply statuses.
const (
	StatusDone     = "done"
	StatusAccepted = "accepted"
	StatusError    = "error"
)

// Permissions required per action. The gateway checks the bearer token's
// claims against these before a request ever reaches the server.
const (
	PermissionRun       = "run"
	PermissionPoll      = "poll"
	PermissionGetResult = "get_result"
)

var actionPermissions = map[string]string{
	ActionRunQuery:       PermissionRun,
	ActionPollQuery:      PermissionPoll,
	ActionGetSQL:         PermissionGetResult,
	ActionGetQueryParams: PermissionGetResult,
	ActionGetQueryKind:   PermissionGetResult,
	ActionCancelQuery:    PermissionRun,
}

// Request is the client-to-server envelope.
type Request struct {
	RequestID string                 `json:"request_id"`
	Action    string                 `json:"action"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

// Reply is the server-to-client envelope. RequestID echoes the request.
type Reply struct {
	RequestID string                 `json:"request_id,omitempty"`
	Status    string                 `json:"status"`
	Msg       string                 `json:"msg,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// PermissionFor returns the claim permission an action requires.
func PermissionFor(action string) (string, bool) {
	p, ok := actionPermissions[action]
	return p, ok
}

// KnownAction reports whether the action is part of the contract.
func KnownAction(action string) bool {
	_, ok := actionPermissions[action]
	return ok
}

// ParseRequest decodes and validates a request envelope.
func ParseRequest(raw []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("malformed request: %w", err)
	}
	if req.RequestID == "" {
		return nil, fmt.Errorf("malformed request: missing request_id")
	}
	if !KnownAction(req.Action) {
		return nil, fmt.Errorf("unknown action: %q", req.Action)
	}
	return &req, nil
}

// QueryID extracts the query_id parameter common to most actions.
func (r *Request) QueryID() (string, error) {
	raw, ok := r.Params["query_id"]
	if !ok {
		return "", fmt.Errorf("missing parameter: query_id")
	}
	id, ok := raw.(string)
	if !ok || id == "" {
		return "", fmt.Errorf("parameter query_id must be a non-empty string")
	}
	return id, nil
}

// Success builds a success reply for a request.
func (r *Request) Success(data map[string]interface{}) *Reply {
	return &Reply{RequestID: r.RequestID, Status: StatusDone, Data: data}
}

// Accepted builds the reply for an accepted run_query.
func (r *Request) Accepted(queryID string) *Reply {
	return &Reply{
		RequestID: r.RequestID,
		Status:    StatusAccepted,
		Data:      map[string]interface{}{"query_id": queryID},
	}
}

// Error builds an error reply. queryState, when non-empty, is attached as
// data.query_state so the gateway can map the failure to an HTTP status.
func (r *Request) Error(msg string, queryState string) *Reply {
	reply := &Reply{RequestID: r.RequestID, Status: StatusError, Msg: msg}
	if queryState != "" {
		reply.Data = map[string]interface{}{"query_state": queryState}
	}
	return reply
}

// ErrorReply builds an error reply outside the context of a parsed request,
// for failures before the envelope could be decoded.
func ErrorReply(msg string) *Reply {
	return &Reply{Status: StatusError, Msg: msg}
}

// QueryState returns the data.query_state of a reply, or "".
func (r *Reply) QueryState() string {
	if r.Data == nil {
		return ""
	}
	s, _ := r.Data["query_state"].(string)
	return s
}
