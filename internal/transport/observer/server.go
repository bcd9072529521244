package observer

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"agenttown.ai/internal/observerproto"
	"agenttown.ai/internal/protocol"
	"agenttown.ai/internal/sim/engine"
	"agenttown.ai/internal/sim/game"
	"agenttown.ai/internal/transport/ws"
)

type Server struct {
	eng     *engine.Engine
	worldID string
	log     *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

func NewServer(eng *engine.Engine, worldID string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		eng:     eng,
		worldID: worldID,
		log:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !IsLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		tu := s.eng.Tuning()
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			WorldID:         s.worldID,
			WorldParams: protocol.WorldParams{
				TickDurationMs: tu.Engine.TickDurationMs,
				StepIntervalMs: tu.Engine.StepIntervalMs,
				Speed:          tu.Movement.Speed,
			},
		}
		err := s.eng.View(r.Context(), s.worldID, func(g *game.Game) error {
			resp.Generation = g.World.Generation
			resp.WorldTime = g.World.CurrentTime
			resp.WorldParams.Width, resp.WorldParams.Height = g.Map.Width(), g.Map.Height()
			resp.Blocked = g.Map.Blocked
			return nil
		})
		if err != nil {
			http.Error(rw, err.Error(), http.StatusNotFound)
			return
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !IsLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}
		normalizeSubscribe(&sub)

		sid := s.nextID.Add(1)
		s.log.Printf("observer O%d subscribed (every %dms)", sid, sub.IntervalMs)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var mu sync.Mutex
		current := sub
		subUpdates := make(chan struct{}, 1)

		// Writer goroutine: push a STATE whenever the generation moved.
		writeErr := make(chan error, 1)
		go func() {
			lastGen := int64(-1)
			for {
				mu.Lock()
				cfg := current
				mu.Unlock()
				st, err := ws.BuildState(ctx, s.eng, s.worldID, cfg.ConversationID)
				if err == nil && st.Generation != lastGen {
					lastGen = st.Generation
					b, _ := json.Marshal(st)
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
				t := time.NewTimer(time.Duration(cfg.IntervalMs) * time.Millisecond)
				select {
				case <-ctx.Done():
					t.Stop()
					writeErr <- ctx.Err()
					return
				case <-subUpdates:
					t.Stop()
					lastGen = -1
				case <-t.C:
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var sub observerproto.SubscribeMsg
			if err := json.Unmarshal(msg, &sub); err != nil {
				continue
			}
			if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
				continue
			}
			normalizeSubscribe(&sub)
			mu.Lock()
			current = sub
			mu.Unlock()
			select {
			case subUpdates <- struct{}{}:
			default:
				// An update is already pending.
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func normalizeSubscribe(sub *observerproto.SubscribeMsg) {
	if sub.IntervalMs <= 0 {
		sub.IntervalMs = 500
	}
	if sub.IntervalMs < 50 {
		sub.IntervalMs = 50
	}
	if sub.IntervalMs > 60_000 {
		sub.IntervalMs = 60_000
	}
}

// IsLoopbackRemote reports whether an http remote address is a loopback
// peer.
func IsLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
