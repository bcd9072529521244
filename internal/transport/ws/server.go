package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"agenttown.ai/internal/protocol"
	"agenttown.ai/internal/sim/engine"
	"agenttown.ai/internal/sim/game"
	"agenttown.ai/internal/store"
)

// maxInFlight bounds the requests one connection may have outstanding.
const maxInFlight = 8

// Server is the input submission boundary for human clients: SUBMIT queues
// an input, POLL reports its status and STATE returns a world snapshot.
type Server struct {
	eng     *engine.Engine
	schemas *protocol.Schemas
	worldID string
	log     *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(eng *engine.Engine, schemas *protocol.Schemas, worldID string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		eng:     eng,
		schemas: schemas,
		worldID: worldID,
		log:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sid, worldID := s.handshake(conn)
		if sid == "" {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		out := make(chan []byte, maxInFlight*2)

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop. Requests run concurrently; replies carry the req_id.
		var wg sync.WaitGroup
		sem := make(chan struct{}, maxInFlight)
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				s.send(ctx, out, protocol.NewError("", protocol.ErrProtoBadRequest, "malformed json"))
				continue
			}
			if base.ProtocolVersion != protocol.Version {
				s.send(ctx, out, protocol.NewError(base.ReqID, protocol.ErrProtoBadRequest, "bad protocol_version"))
				continue
			}
			if err := s.schemas.ValidateMessage(base.Type, msg); err != nil {
				s.send(ctx, out, protocol.NewError(base.ReqID, protocol.ErrProtoBadRequest, err.Error()))
				continue
			}
			select {
			case sem <- struct{}{}:
			default:
				s.send(ctx, out, protocol.NewError(base.ReqID, protocol.ErrRateLimit, "too many requests in flight"))
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				s.send(ctx, out, s.dispatch(ctx, worldID, base, msg))
			}()
		}
		wg.Wait()
		s.log.Printf("session %s closed", sid)
	}
}

func (s *Server) handshake(conn *websocket.Conn) (sessionID, worldID string) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", ""
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return "", ""
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", ""
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return "", ""
	}
	worldID = s.worldID
	if hello.WorldID != "" && hello.WorldID != worldID {
		_ = writeJSON(conn, protocol.NewError("", protocol.ErrWorldNotFound, "unknown world "+hello.WorldID))
		return "", ""
	}

	tu := s.eng.Tuning()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       uuid.NewString(),
		WorldID:         worldID,
		WorldParams: protocol.WorldParams{
			TickDurationMs: tu.Engine.TickDurationMs,
			StepIntervalMs: tu.Engine.StepIntervalMs,
			Speed:          tu.Movement.Speed,
		},
		Inputs: game.InputNames(),
	}
	_ = s.eng.View(context.Background(), worldID, func(g *game.Game) error {
		welcome.WorldParams.Width, welcome.WorldParams.Height = g.Map.Width(), g.Map.Height()
		return nil
	})
	if err := writeJSON(conn, welcome); err != nil {
		return "", ""
	}
	s.log.Printf("session %s joined world %s (%s)", welcome.SessionID, worldID, hello.ClientName)
	return welcome.SessionID, worldID
}

func (s *Server) dispatch(ctx context.Context, worldID string, base protocol.BaseMessage, msg []byte) any {
	switch base.Type {
	case protocol.TypeSubmit:
		var m protocol.SubmitMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return protocol.NewError(base.ReqID, protocol.ErrProtoBadRequest, err.Error())
		}
		id, err := s.eng.Submit(ctx, worldID, m.Name, m.Args)
		if err != nil {
			return protocol.NewError(m.ReqID, codeFor(err), err.Error())
		}
		return protocol.SubmittedMsg{Type: protocol.TypeSubmitted, ProtocolVersion: protocol.Version, ReqID: m.ReqID, InputID: id}

	case protocol.TypePoll:
		var m protocol.PollMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return protocol.NewError(base.ReqID, protocol.ErrProtoBadRequest, err.Error())
		}
		return s.poll(ctx, m)

	case protocol.TypeAppend:
		var m protocol.AppendTextMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return protocol.NewError(base.ReqID, protocol.ErrProtoBadRequest, err.Error())
		}
		if err := s.eng.Store().AppendMessageText(ctx, worldID, m.MessageID, m.Text); err != nil {
			return protocol.NewError(m.ReqID, codeFor(err), err.Error())
		}
		return protocol.AppendedMsg{Type: protocol.TypeAppended, ProtocolVersion: protocol.Version, ReqID: m.ReqID, MessageID: m.MessageID}

	case protocol.TypeStateReq:
		var m protocol.StateReqMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return protocol.NewError(base.ReqID, protocol.ErrProtoBadRequest, err.Error())
		}
		st, err := BuildState(ctx, s.eng, worldID, m.ConversationID)
		if err != nil {
			return protocol.NewError(m.ReqID, codeFor(err), err.Error())
		}
		st.ReqID = m.ReqID
		return st
	}
	return protocol.NewError(base.ReqID, protocol.ErrProtoBadRequest, "unknown message type "+base.Type)
}

func (s *Server) poll(ctx context.Context, m protocol.PollMsg) any {
	reply := protocol.StatusMsg{Type: protocol.TypeStatus, ProtocolVersion: protocol.Version, ReqID: m.ReqID, InputID: m.InputID}
	if m.Wait {
		res, err := s.eng.WaitForInput(ctx, m.InputID)
		if err != nil {
			return protocol.NewError(m.ReqID, codeFor(err), err.Error())
		}
		reply.Status = engine.StatusDone
		reply.Result = &protocol.InputResult{Kind: res.Kind, Value: res.Value, Message: res.Message}
		return reply
	}
	st, err := s.eng.PollStatus(ctx, m.InputID)
	if err != nil {
		return protocol.NewError(m.ReqID, codeFor(err), err.Error())
	}
	reply.Status = st.State
	if st.Result != nil {
		reply.Result = &protocol.InputResult{Kind: st.Result.Kind, Value: st.Result.Value, Message: st.Result.Message}
	}
	return reply
}

func (s *Server) send(ctx context.Context, out chan<- []byte, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Printf("marshal reply: %v", err)
		return
	}
	select {
	case out <- b:
	case <-ctx.Done():
	}
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, game.ErrBadArgs):
		return protocol.ErrBadRequest
	case errors.Is(err, game.ErrUnknownHandler):
		return protocol.ErrUnknownHandler
	case errors.Is(err, engine.ErrInputTimeout):
		return protocol.ErrTimeout
	case errors.Is(err, engine.ErrWorldInactive):
		return protocol.ErrWorldInactive
	case errors.Is(err, store.ErrNotFound):
		return protocol.ErrNotFound
	case errors.Is(err, store.ErrMessageDone):
		return protocol.ErrBadRequest
	}
	return protocol.ErrInternal
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
