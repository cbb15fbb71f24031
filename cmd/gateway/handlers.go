package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/aramirez087/ReplyGuy-sub000/pkg/auth"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/gateway"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/httpx"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/models"
	"github.com/aramirez087/ReplyGuy-sub000/pkg/stream"
)

type completionRequest struct {
	ResultSummary string `json:"result_summary,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req models.MutationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	decision, err := s.Gateway.Evaluate(r.Context(), req)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidRequest) {
			httpx.Error(w, 400, err.Error())
			return
		}
		httpx.Error(w, 503, "gateway storage unavailable")
		return
	}
	httpx.WriteJSON(w, 200, decision)
}

func (s *Server) handleCompleteSuccess(w http.ResponseWriter, r *http.Request) {
	s.handleComplete(w, r, true)
}

func (s *Server) handleCompleteFailure(w http.ResponseWriter, r *http.Request) {
	s.handleComplete(w, r, false)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, success bool) {
	ticketID := strings.TrimSpace(chi.URLParam(r, "ticket_id"))
	if ticketID == "" {
		httpx.Error(w, 400, "ticket_id required")
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req completionRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.Error(w, 400, "invalid json")
			return
		}
	}
	var err error
	if success {
		err = s.Gateway.CompleteSuccess(r.Context(), ticketID, req.ResultSummary)
	} else {
		err = s.Gateway.CompleteFailure(r.Context(), ticketID, req.ErrorMessage)
	}
	if err != nil {
		httpx.Error(w, 503, "gateway storage unavailable")
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "ticket_id": ticketID})
}

func (s *Server) handlePolicyStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Gateway.Status(r.Context(), strings.TrimSpace(r.URL.Query().Get("tool")))
	if err != nil {
		httpx.Error(w, 503, "gateway storage unavailable")
		return
	}
	httpx.WriteJSON(w, 200, snap)
}

func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	if err := s.Gateway.ReloadPolicy(s.PolicyPath); err != nil {
		httpx.Error(w, 500, "policy reload failed: "+err.Error())
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"status": "reloaded", "path": s.PolicyPath})
}

func (s *Server) handleSweepNow(w http.ResponseWriter, r *http.Request) {
	swept, err := s.Gateway.SweepOnce(r.Context())
	if err != nil {
		httpx.Error(w, 503, "gateway storage unavailable")
		return
	}
	httpx.WriteJSON(w, 200, map[string]int64{"swept": swept})
}

func (s *Server) handleAuditGet(w http.ResponseWriter, r *http.Request) {
	correlationID := strings.TrimSpace(chi.URLParam(r, "correlation_id"))
	if correlationID == "" {
		httpx.Error(w, 400, "correlation_id required")
		return
	}
	rec, err := s.Audit.Get(r.Context(), correlationID)
	if errors.Is(err, pgx.ErrNoRows) {
		httpx.Error(w, 404, "audit record not found")
		return
	}
	if err != nil {
		httpx.Error(w, 503, "gateway storage unavailable")
		return
	}
	httpx.WriteJSON(w, 200, rec)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent(stream.TypeReady, nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
