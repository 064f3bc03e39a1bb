package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/leadvox/internal/observe"
	"github.com/MrWong99/leadvox/internal/session"
	"github.com/MrWong99/leadvox/internal/store"
	"github.com/MrWong99/leadvox/pkg/audio/wsmedia"
)

// Session status values reported by GET /v1/sessions/{id}.
const (
	StatusActive   = "active"
	StatusEnded    = "ended"
	StatusArchived = "archived"
)

// eventWriteTimeout bounds a single write to an event feed client.
const eventWriteTimeout = 5 * time.Second

// SessionView is the body of GET /v1/sessions/{id}. Exactly one of Info,
// Summary and Document is set, depending on Status.
type SessionView struct {
	Status   string           `json:"status"`
	Info     *session.Info    `json:"info,omitempty"`
	Summary  *session.Summary `json:"summary,omitempty"`
	Document json.RawMessage  `json:"document,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// routes builds the HTTP surface:
//
//	GET    /v1/calls/stream          telephony media stream (WebSocket)
//	GET    /v1/sessions              live sessions
//	GET    /v1/sessions/{id}         live info, retained summary or archive
//	DELETE /v1/sessions/{id}         end a call and return its summary
//	GET    /v1/sessions/{id}/events  live event feed (WebSocket)
//	GET    /healthz, /readyz, /metrics
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/calls/stream", a.handleCallStream)
	mux.HandleFunc("GET /v1/sessions", a.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", a.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", a.handleEndSession)
	mux.HandleFunc("GET /v1/sessions/{id}/events", a.handleEvents)
	a.health.Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler(a.registry))
	return observe.Middleware(a.metrics)(mux)
}

// handleCallStream accepts a telephony media stream and starts a session on
// it. The handler returns once the session runs; the session owns the
// connection from then on.
func (a *App) handleCallStream(w http.ResponseWriter, r *http.Request) {
	cfg := a.config()
	log := observe.Logger(r.Context())

	conn, err := wsmedia.Accept(w, r,
		wsmedia.WithOriginPatterns(cfg.Server.AllowedOrigins...),
		wsmedia.WithLogger(a.log),
	)
	if err != nil {
		log.Warn("call stream rejected", "err", err)
		return
	}

	meta := callMetadata(conn.Start(), cfg.Dialogue.AgentID)
	id, err := a.orch.StartSession(r.Context(), meta, conn)
	if err != nil {
		log.Error("failed to start session", "call_id", meta.CallID, "err", err)
		return
	}
	log.Info("call stream accepted", "session_id", id, "call_id", meta.CallID, "format", conn.Format())
}

// callMetadata builds the session metadata from the stream's start message.
// Custom parameters set by the telephony gateway override the defaults.
func callMetadata(start wsmedia.StartPayload, agentID string) session.CallMetadata {
	p := start.CustomParameters
	meta := session.CallMetadata{
		CallID:  start.CallSID,
		LeadID:  p["lead_id"],
		AgentID: agentID,
		Channel: "phone",
		From:    p["from"],
		To:      p["to"],
	}
	if v := p["agent_id"]; v != "" {
		meta.AgentID = v
	}
	if v := p["channel"]; v != "" {
		meta.Channel = v
	}
	if meta.CallID == "" {
		meta.CallID = start.StreamSID
	}
	return meta
}

func (a *App) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	active := a.orch.Active()
	if active == nil {
		active = []session.Info{}
	}
	writeJSON(w, http.StatusOK, active)
}

func (a *App) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if info, ok := a.orch.Info(id); ok {
		writeJSON(w, http.StatusOK, SessionView{Status: StatusActive, Info: &info})
		return
	}
	if sum, ok := a.orch.Summary(id); ok {
		writeJSON(w, http.StatusOK, SessionView{Status: StatusEnded, Summary: sum})
		return
	}
	for _, ar := range a.archives {
		rec, err := ar.Get(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, SessionView{Status: StatusArchived, Document: rec.Document})
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			observe.Logger(r.Context()).Warn("archive lookup failed", "session_id", id, "err", err)
		}
	}
	writeJSON(w, http.StatusNotFound, errorBody{Error: session.ErrNotFound.Error()})
}

func (a *App) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sum, err := a.orch.EndSession(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, SessionView{Status: StatusEnded, Summary: sum})
	}
}

// handleEvents streams the events of a live session as JSON text messages.
// The feed closes normally when the session ends.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ch, unsubscribe, err := a.orch.Subscribe(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	defer unsubscribe()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: a.config().Server.AllowedOrigins,
	})
	if err != nil {
		observe.Logger(r.Context()).Warn("event feed upgrade failed", "session_id", id, "err", err)
		return
	}
	defer ws.CloseNow()

	// The feed is one-way; CloseRead handles pings and notices the client
	// leaving.
	ctx := ws.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				ws.Close(websocket.StatusNormalClosure, "session ended")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(wctx, ws, e)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
