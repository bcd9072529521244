package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"agenttown.ai/internal/agent"
	persistlog "agenttown.ai/internal/persistence/log"
	"agenttown.ai/internal/sim/engine"
	"agenttown.ai/internal/sim/game"
	"agenttown.ai/internal/store"
	"agenttown.ai/internal/transport/observer"
)

type snapshotter interface {
	SnapshotNow(ctx context.Context) (string, error)
}

type auditWriter interface {
	WriteAudit(persistlog.AuditEntry) error
}

// adminHandlers serves the operator endpoints. Every request must come from
// a loopback address; mutating requests are audited.
type adminHandlers struct {
	worldID  string
	eng      *engine.Engine
	runner   *agent.Runner
	archiver snapshotter
	audit    auditWriter
	logger   *log.Logger
}

func (a *adminHandlers) register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/v1/state", a.local(http.MethodGet, a.state))
	mux.HandleFunc("/admin/v1/snapshot", a.local(http.MethodPost, a.snapshot))
	mux.HandleFunc("/admin/v1/world/start", a.local(http.MethodPost, a.startWorld))
	mux.HandleFunc("/admin/v1/world/stop", a.local(http.MethodPost, a.stopWorld))
	mux.HandleFunc("/admin/v1/world/kick", a.local(http.MethodPost, a.kickWorld))
	mux.HandleFunc("/admin/v1/agents", a.local(http.MethodPost, a.createAgent))
}

func (a *adminHandlers) local(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !observer.IsLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func (a *adminHandlers) record(r *http.Request, action string, detail map[string]any) {
	if a.audit == nil {
		return
	}
	err := a.audit.WriteAudit(persistlog.AuditEntry{
		Action:  action,
		WorldID: a.worldID,
		Remote:  r.RemoteAddr,
		Detail:  detail,
	})
	if err != nil && a.logger != nil {
		a.logger.Printf("audit %s: %v", action, err)
	}
}

type adminState struct {
	WorldID       string         `json:"world_id"`
	Active        bool           `json:"active"`
	Generation    int64          `json:"generation"`
	WorldTime     float64        `json:"world_time"`
	Processed     int64          `json:"processed_input_number"`
	Players       int            `json:"players"`
	Agents        int            `json:"agents"`
	Conversations int            `json:"conversations"`
	Engine        engine.Metrics `json:"engine"`
	Runner        *agent.Metrics `json:"runner,omitempty"`
}

func (a *adminHandlers) state(rw http.ResponseWriter, r *http.Request) {
	resp := adminState{WorldID: a.worldID, Engine: a.eng.Metrics()}
	err := a.eng.View(r.Context(), a.worldID, func(g *game.Game) error {
		resp.Active = g.World.Active
		resp.Generation = g.World.Generation
		resp.WorldTime = g.World.CurrentTime
		resp.Processed = g.World.ProcessedInputNumber
		resp.Players = g.Players.Len()
		resp.Agents = g.Agents.Len()
		resp.Conversations = g.Conversations.Len()
		return nil
	})
	if err != nil {
		writeAdminError(rw, err)
		return
	}
	if a.runner != nil {
		m := a.runner.Metrics()
		resp.Runner = &m
	}
	writeJSON(rw, http.StatusOK, resp)
}

func (a *adminHandlers) snapshot(rw http.ResponseWriter, r *http.Request) {
	if a.archiver == nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "snapshots disabled"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	path, err := a.archiver.SnapshotNow(ctx)
	a.record(r, "snapshot", map[string]any{"path": path, "ok": err == nil})
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	// An empty path means nothing changed since the last snapshot.
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "path": path})
}

func (a *adminHandlers) startWorld(rw http.ResponseWriter, r *http.Request) {
	gen, err := a.eng.StartWorld(r.Context(), a.worldID, nil)
	a.record(r, "world_start", map[string]any{"generation": gen, "ok": err == nil})
	if err != nil {
		writeAdminError(rw, err)
		return
	}
	started := 0
	if a.runner != nil {
		if started, err = a.runner.StartAll(r.Context(), a.worldID); err != nil {
			writeAdminError(rw, err)
			return
		}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "generation": gen, "agents_started": started})
}

func (a *adminHandlers) stopWorld(rw http.ResponseWriter, r *http.Request) {
	err := a.eng.StopWorld(r.Context(), a.worldID)
	a.record(r, "world_stop", map[string]any{"ok": err == nil})
	if err != nil {
		writeAdminError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

func (a *adminHandlers) kickWorld(rw http.ResponseWriter, r *http.Request) {
	gen, err := a.eng.KickWorld(r.Context(), a.worldID)
	a.record(r, "world_kick", map[string]any{"generation": gen, "ok": err == nil})
	if err != nil {
		writeAdminError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "generation": gen})
}

func (a *adminHandlers) createAgent(rw http.ResponseWriter, r *http.Request) {
	var args game.CreateAgentArgs
	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 64*1024)).Decode(&args); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	res, err := a.eng.Send(ctx, a.worldID, game.InputCreateAgent, args)
	if err == nil {
		err = res.Err()
	}
	var out game.AgentResult
	if err == nil {
		err = json.Unmarshal(res.Value, &out)
	}
	a.record(r, "agent_create", map[string]any{"name": args.Name, "agent_id": out.AgentID, "ok": err == nil})
	if err != nil {
		var inputErr *engine.InputError
		if errors.As(err, &inputErr) {
			writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeAdminError(rw, err)
		return
	}
	if a.runner != nil {
		if err := a.runner.Start(r.Context(), a.worldID, out.PlayerID); err != nil && a.logger != nil {
			a.logger.Printf("start agent %s: %v", out.AgentID, err)
		}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "agent_id": out.AgentID, "player_id": out.PlayerID})
}

func writeAdminError(rw http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, store.ErrNotFound) {
		code = http.StatusNotFound
	}
	writeJSON(rw, code, map[string]any{"ok": false, "error": err.Error()})
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_ = json.NewEncoder(rw).Encode(v)
}
