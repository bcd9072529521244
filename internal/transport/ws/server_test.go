package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"agenttown.ai/internal/protocol"
	"agenttown.ai/internal/scheduler"
	"agenttown.ai/internal/sim/engine"
	"agenttown.ai/internal/sim/game"
	"agenttown.ai/internal/sim/tuning"
	"agenttown.ai/internal/store"
)

func newTestServer(t *testing.T) *websocket.Conn {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "town.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	schemas, err := protocol.LoadSchemas()
	if err != nil {
		t.Fatalf("LoadSchemas: %v", err)
	}
	sched := scheduler.New(st, nil, scheduler.Config{PollInterval: 20 * time.Millisecond})
	eng := engine.New(st, tuning.Defaults(), engine.Options{Scheduler: sched, Validator: schemas})
	m, err := game.NewMap(16, 16, nil)
	if err != nil {
		t.Fatalf("NewMap: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if _, err := eng.StartWorld(ctx, "w", m); err != nil {
		t.Fatalf("StartWorld: %v", err)
	}
	go func() { _ = sched.Run(ctx) }()

	srv := httptest.NewServer(NewServer(eng, schemas, "w", nil).Handler())
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, req any, resp any) protocol.BaseMessage {
	t.Helper()
	if req != nil {
		if err := conn.WriteJSON(req); err != nil {
			t.Fatalf("WriteJSON: %v", err)
		}
	}
	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	base, err := protocol.DecodeBase(b)
	if err != nil {
		t.Fatalf("DecodeBase: %v", err)
	}
	if resp != nil {
		if err := json.Unmarshal(b, resp); err != nil {
			t.Fatalf("decode %s: %v", base.Type, err)
		}
	}
	return base
}

func TestSubmitPollState(t *testing.T) {
	conn := newTestServer(t)
	v := protocol.Version

	var welcome protocol.WelcomeMsg
	if base := roundTrip(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: v, ClientName: "test"}, &welcome); base.Type != protocol.TypeWelcome {
		t.Fatalf("type=%s want WELCOME", base.Type)
	}
	if welcome.WorldID != "w" || welcome.WorldParams.Width != 16 || len(welcome.Inputs) == 0 {
		t.Fatalf("welcome=%+v", welcome)
	}

	var submitted protocol.SubmittedMsg
	submit := protocol.SubmitMsg{
		Type: protocol.TypeSubmit, ProtocolVersion: v, ReqID: "r1",
		Name: game.InputJoin, Args: json.RawMessage(`{"name":"Ada","character":"f1","human":"tok"}`),
	}
	if base := roundTrip(t, conn, submit, &submitted); base.Type != protocol.TypeSubmitted || submitted.ReqID != "r1" || submitted.InputID == 0 {
		t.Fatalf("type=%s submitted=%+v", base.Type, submitted)
	}

	var status protocol.StatusMsg
	poll := protocol.PollMsg{Type: protocol.TypePoll, ProtocolVersion: v, ReqID: "r2", InputID: submitted.InputID, Wait: true}
	if base := roundTrip(t, conn, poll, &status); base.Type != protocol.TypeStatus {
		t.Fatalf("type=%s want STATUS", base.Type)
	}
	if status.Status != engine.StatusDone || status.Result == nil || status.Result.Kind != engine.ResultOK {
		t.Fatalf("status=%+v", status)
	}
	var joined game.JoinResult
	if err := json.Unmarshal(status.Result.Value, &joined); err != nil || joined.PlayerID == "" {
		t.Fatalf("join result=%s err=%v", status.Result.Value, err)
	}

	var state protocol.StateMsg
	if base := roundTrip(t, conn, protocol.StateReqMsg{Type: protocol.TypeStateReq, ProtocolVersion: v, ReqID: "r3"}, &state); base.Type != protocol.TypeState {
		t.Fatalf("type=%s want STATE", base.Type)
	}
	if len(state.Players) != 1 || state.Players[0].ID != joined.PlayerID || !state.Players[0].Human {
		t.Fatalf("players=%+v", state.Players)
	}
	if state.ReqID != "r3" || state.Generation == 0 {
		t.Fatalf("state=%+v", state)
	}
}

func TestSubmitRejectsBadArgs(t *testing.T) {
	conn := newTestServer(t)
	v := protocol.Version
	roundTrip(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: v}, nil)

	var e protocol.ErrorMsg
	submit := protocol.SubmitMsg{
		Type: protocol.TypeSubmit, ProtocolVersion: v, ReqID: "bad",
		Name: game.InputMoveTo, Args: json.RawMessage(`{"playerId":"p:1","destination":{"x":"far"}}`),
	}
	if base := roundTrip(t, conn, submit, &e); base.Type != protocol.TypeError {
		t.Fatalf("type=%s want ERROR", base.Type)
	}
	if e.Code != protocol.ErrBadRequest || e.ReqID != "bad" {
		t.Fatalf("error=%+v", e)
	}

	submit.ReqID, submit.Name, submit.Args = "fly", "fly", json.RawMessage(`{}`)
	if roundTrip(t, conn, submit, &e); e.Code != protocol.ErrUnknownHandler {
		t.Fatalf("error=%+v want unknown handler", e)
	}

	// A poll without an input id fails the message schema.
	if roundTrip(t, conn, map[string]any{"type": protocol.TypePoll, "protocol_version": v, "req_id": "p"}, &e); e.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("error=%+v want proto bad request", e)
	}
}

func TestAppendTextUnknownMessage(t *testing.T) {
	conn := newTestServer(t)
	v := protocol.Version
	roundTrip(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: v}, nil)

	var e protocol.ErrorMsg
	msg := protocol.AppendTextMsg{Type: protocol.TypeAppend, ProtocolVersion: v, ReqID: "a1", MessageID: "nope", Text: "hi"}
	if base := roundTrip(t, conn, msg, &e); base.Type != protocol.TypeError {
		t.Fatalf("type=%s want ERROR", base.Type)
	}
	if e.Code != protocol.ErrNotFound || e.ReqID != "a1" {
		t.Fatalf("error=%+v", e)
	}
}
