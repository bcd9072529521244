package observer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"agenttown.ai/internal/observerproto"
	"agenttown.ai/internal/protocol"
	"agenttown.ai/internal/sim/engine"
	"agenttown.ai/internal/sim/game"
	"agenttown.ai/internal/sim/tuning"
	"agenttown.ai/internal/store"
)

func TestBootstrapAndSubscribe(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "town.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	eng := engine.New(st, tuning.Defaults(), engine.Options{})
	m, _ := game.NewMap(12, 8, [][2]int{{3, 3}})
	if _, err := eng.StartWorld(context.Background(), "w", m); err != nil {
		t.Fatalf("StartWorld: %v", err)
	}

	s := NewServer(eng, "w", nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/bootstrap", s.BootstrapHandler())
	mux.HandleFunc("/ws", s.WSHandler())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/bootstrap")
	if err != nil {
		t.Fatalf("GET bootstrap: %v", err)
	}
	var boot observerproto.BootstrapResponse
	err = json.NewDecoder(resp.Body).Decode(&boot)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode bootstrap: %v", err)
	}
	if boot.WorldID != "w" || boot.WorldParams.Width != 12 || len(boot.Blocked) != 1 {
		t.Fatalf("bootstrap=%+v", boot)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(observerproto.SubscribeMsg{Type: "SUBSCRIBE", ProtocolVersion: observerproto.Version, IntervalMs: 50}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var state protocol.StateMsg
	if err := conn.ReadJSON(&state); err != nil {
		t.Fatalf("read state: %v", err)
	}
	if state.Type != protocol.TypeState || state.WorldID != "w" || state.Generation != boot.Generation {
		t.Fatalf("state=%+v", state)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:5555": true,
		"[::1]:80":       true,
		"10.0.0.4:80":    false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := IsLoopbackRemote(addr); got != want {
			t.Fatalf("%s: got=%v want=%v", addr, got, want)
		}
	}
}
