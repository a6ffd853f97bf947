package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/LandMarkVisits/FlowKit/cache"
	"github.com/LandMarkVisits/FlowKit/protocol"
	"github.com/LandMarkVisits/FlowKit/query"
	"github.com/LandMarkVisits/FlowKit/state"
)

// dispatch decodes one request and routes it to its action handler.
func (s *Server) dispatch(ctx context.Context, raw []byte) *protocol.Reply {
	req, err := protocol.ParseRequest(raw)
	if err != nil {
		return protocol.ErrorReply(err.Error())
	}

	log := s.log.WithField("request_id", req.RequestID).WithField("action", req.Action)
	log.Debug("handling request")

	var reply *protocol.Reply
	switch req.Action {
	case protocol.ActionRunQuery:
		reply = s.runQuery(ctx, req)
	case protocol.ActionPollQuery:
		reply = s.pollQuery(ctx, req)
	case protocol.ActionGetSQL:
		reply = s.getSQL(ctx, req)
	case protocol.ActionGetQueryParams:
		reply = s.getQueryParams(ctx, req)
	case protocol.ActionGetQueryKind:
		reply = s.getQueryKind(ctx, req)
	case protocol.ActionCancelQuery:
		reply = s.cancelQuery(ctx, req)
	default:
		reply = req.Error(fmt.Sprintf("unknown action: %q", req.Action), "")
	}

	if reply.Status == protocol.StatusError {
		log.WithField("msg", reply.Msg).Debug("request failed")
	}
	return reply
}

// runQuery schedules the spec carried in params and replies accepted with
// the fingerprint. Resubmission of a known id is idempotent. A rejected spec
// carries no query_state: nothing was recorded for it.
func (s *Server) runQuery(ctx context.Context, req *protocol.Request) *protocol.Reply {
	spec, err := query.ParseSpec(req.Params)
	if err != nil {
		return req.Error(err.Error(), "")
	}
	id, err := s.jobs.Submit(ctx, spec)
	if err != nil {
		return req.Error(err.Error(), "")
	}
	return req.Accepted(id)
}

func (s *Server) pollQuery(ctx context.Context, req *protocol.Request) *protocol.Reply {
	id, err := req.QueryID()
	if err != nil {
		return req.Error(err.Error(), "")
	}
	current, err := s.machine.Current(ctx, id)
	if err != nil {
		return req.Error(err.Error(), "")
	}
	data := map[string]interface{}{
		"query_id":    id,
		"query_state": string(current),
	}
	if current == state.Errored {
		if cause, err := s.machine.Error(ctx, id); err == nil && cause != "" {
			data["msg"] = cause
		}
	}
	return req.Success(data)
}

// getSQL returns the SELECT that reads the materialised relation, advancing
// the cache accounting. Only completed queries have a result to read.
func (s *Server) getSQL(ctx context.Context, req *protocol.Request) *protocol.Reply {
	id, err := req.QueryID()
	if err != nil {
		return req.Error(err.Error(), "")
	}
	current, err := s.machine.Current(ctx, id)
	if err != nil {
		return req.Error(err.Error(), "")
	}
	switch current {
	case state.Awol:
		return req.Error(unknownQueryMsg(id), string(state.Awol))
	case state.Completed:
	default:
		return req.Error(
			fmt.Sprintf("Query with id '%s' is not complete", id),
			string(current))
	}

	rec, err := s.lookupRecord(ctx, req, id)
	if rec == nil {
		return err.(*replyError).reply
	}
	if touchErr := s.records.Touch(ctx, id); touchErr != nil {
		s.log.WithField("query_id", id).WithError(touchErr).
			Warn("failed to record result access")
	}
	sql := fmt.Sprintf("SELECT * FROM %s.%s", rec.Schema, rec.TableName)
	return req.Success(map[string]interface{}{
		"query_id": id,
		"sql":      sql,
	})
}

// getQueryParams returns the canonical spec stored for an id, so
// fingerprinting the returned parameters reproduces the id.
func (s *Server) getQueryParams(ctx context.Context, req *protocol.Request) *protocol.Reply {
	id, err := req.QueryID()
	if err != nil {
		return req.Error(err.Error(), "")
	}
	rec, lerr := s.lookupRecord(ctx, req, id)
	if rec == nil {
		return lerr.(*replyError).reply
	}
	var params map[string]interface{}
	if err := json.Unmarshal([]byte(rec.Query), &params); err != nil {
		return req.Error(fmt.Sprintf("stored spec for '%s' is unreadable", id), "")
	}
	return req.Success(map[string]interface{}{
		"query_id":     id,
		"query_params": params,
	})
}

func (s *Server) getQueryKind(ctx context.Context, req *protocol.Request) *protocol.Reply {
	id, err := req.QueryID()
	if err != nil {
		return req.Error(err.Error(), "")
	}
	rec, lerr := s.lookupRecord(ctx, req, id)
	if rec == nil {
		return lerr.(*replyError).reply
	}
	return req.Success(map[string]interface{}{
		"query_id":   id,
		"query_kind": rec.Class,
	})
}

func (s *Server) cancelQuery(ctx context.Context, req *protocol.Request) *protocol.Reply {
	id, err := req.QueryID()
	if err != nil {
		return req.Error(err.Error(), "")
	}
	current, err := s.machine.Current(ctx, id)
	if err != nil {
		return req.Error(err.Error(), "")
	}
	if current == state.Awol {
		return req.Error(unknownQueryMsg(id), string(state.Awol))
	}
	if err := s.jobs.Cancel(ctx, id); err != nil {
		return req.Error(err.Error(), string(current))
	}
	return req.Success(map[string]interface{}{"query_id": id})
}

// replyError lets lookupRecord hand back a ready-made error reply.
type replyError struct {
	reply *protocol.Reply
}

func (e *replyError) Error() string { return e.reply.Msg }

func (s *Server) lookupRecord(ctx context.Context, req *protocol.Request, id string) (*cache.Record, error) {
	rec, err := s.records.Lookup(ctx, id)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, &replyError{req.Error(unknownQueryMsg(id), string(state.Awol))}
	}
	if err != nil {
		return nil, &replyError{req.Error(err.Error(), "")}
	}
	return rec, nil
}

func unknownQueryMsg(id string) string {
	return fmt.Sprintf("Unknown query id: '%s'", id)
}
