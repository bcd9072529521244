// Command bot plays a human in the town over the websocket API: it joins,
// wanders to random spots, accepts invitations and answers when spoken to.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"agenttown.ai/internal/protocol"
	"agenttown.ai/internal/sim/game"
)

var replies = []string{
	"Hi! I'm just passing through.",
	"That sounds interesting, tell me more.",
	"Ha, I know what you mean.",
	"I should get going, nice chatting!",
}

func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name      = flag.String("name", "bot", "player name")
		character = flag.String("character", "f1", "character sprite")
		every     = flag.Duration("every", 2*time.Second, "how often the bot looks around")
		seed      = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	b := &bot{conn: conn, log: logger, rng: rand.New(rand.NewSource(*seed))}
	if err := b.hello(*name); err != nil {
		logger.Fatalf("HELLO: %v", err)
	}
	if err := b.join(*name, *character); err != nil {
		logger.Fatalf("join: %v", err)
	}
	logger.Printf("joined as %s (%dx%d world)", b.playerID, b.width, b.height)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	t := time.NewTicker(*every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			if _, err := b.send(game.InputLeave, game.PlayerArgs{PlayerID: b.playerID}); err != nil {
				logger.Printf("leave: %v", err)
			}
			return
		case <-t.C:
			if err := b.step(); err != nil {
				logger.Printf("step: %v", err)
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					return
				}
			}
		}
	}
}

type bot struct {
	conn *websocket.Conn
	log  *log.Logger
	rng  *rand.Rand

	playerID      string
	width, height int
	nextReq       int
	replied       int
}

// call writes req and reads until the reply carrying the same req_id.
func (b *bot) call(req any, reqID string, out any) error {
	if err := b.conn.WriteJSON(req); err != nil {
		return err
	}
	for {
		_ = b.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := b.conn.ReadMessage()
		if err != nil {
			return err
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil || (base.ReqID != reqID && base.Type != protocol.TypeWelcome) {
			continue
		}
		if base.Type == protocol.TypeError {
			var e protocol.ErrorMsg
			_ = json.Unmarshal(msg, &e)
			return fmt.Errorf("%s: %s", e.Code, e.Message)
		}
		return json.Unmarshal(msg, out)
	}
}

func (b *bot) reqID() string {
	b.nextReq++
	return fmt.Sprintf("r%d", b.nextReq)
}

func (b *bot) hello(name string) error {
	var w protocol.WelcomeMsg
	if err := b.call(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, ClientName: name}, "", &w); err != nil {
		return err
	}
	b.width, b.height = w.WorldParams.Width, w.WorldParams.Height
	return nil
}

// send submits an input and waits for its result.
func (b *bot) send(name string, args any) (json.RawMessage, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	id := b.reqID()
	var sub protocol.SubmittedMsg
	err = b.call(protocol.SubmitMsg{Type: protocol.TypeSubmit, ProtocolVersion: protocol.Version, ReqID: id, Name: name, Args: raw}, id, &sub)
	if err != nil {
		return nil, err
	}
	id = b.reqID()
	var st protocol.StatusMsg
	if err := b.call(protocol.PollMsg{Type: protocol.TypePoll, ProtocolVersion: protocol.Version, ReqID: id, InputID: sub.InputID, Wait: true}, id, &st); err != nil {
		return nil, err
	}
	if st.Result == nil {
		return nil, fmt.Errorf("%s: no result", name)
	}
	if st.Result.Kind != "ok" {
		return nil, fmt.Errorf("%s: %s", name, st.Result.Message)
	}
	return st.Result.Value, nil
}

func (b *bot) join(name, character string) error {
	v, err := b.send(game.InputJoin, game.JoinArgs{Name: name, Character: character, Description: "A visitor from outside the town.", Human: uuid.NewString()})
	if err != nil {
		return err
	}
	var res game.JoinResult
	if err := json.Unmarshal(v, &res); err != nil {
		return err
	}
	b.playerID = res.PlayerID
	return nil
}

func (b *bot) state(conversationID string) (protocol.StateMsg, error) {
	id := b.reqID()
	var st protocol.StateMsg
	err := b.call(protocol.StateReqMsg{Type: protocol.TypeStateReq, ProtocolVersion: protocol.Version, ReqID: id, ConversationID: conversationID}, id, &st)
	return st, err
}

func (b *bot) step() error {
	st, err := b.state("")
	if err != nil {
		return err
	}
	var me *protocol.PlayerState
	for i := range st.Players {
		if st.Players[i].ID == b.playerID {
			me = &st.Players[i]
		}
	}
	if me == nil {
		return fmt.Errorf("player %s is gone", b.playerID)
	}

	for _, c := range st.Conversations {
		for _, m := range c.Members {
			if m.PlayerID != b.playerID {
				continue
			}
			switch m.Status {
			case "invited":
				b.log.Printf("accepting invite to %s", c.ID)
				_, err := b.send(game.InputAcceptInvite, game.ConversationArgs{PlayerID: b.playerID, ConversationID: c.ID})
				return err
			case "participating":
				return b.converse(c)
			default:
				// Walking over; the engine brings us together.
				return nil
			}
		}
	}

	if me.Destination == nil {
		dest := map[string]float64{"x": float64(b.rng.Intn(max(b.width, 1))), "y": float64(b.rng.Intn(max(b.height, 1)))}
		if _, err := b.send(game.InputMoveTo, map[string]any{"playerId": b.playerID, "destination": dest}); err != nil {
			// Blocked tiles and unreachable spots are expected; try again next round.
			b.log.Printf("moveTo: %v", err)
		}
	}
	return nil
}

// converse replies once the other side has spoken last, then leaves after a
// few replies.
func (b *bot) converse(c protocol.ConversationState) error {
	if c.TypingID != "" && c.TypingID != b.playerID {
		return nil
	}
	if b.replied >= len(replies) {
		b.replied = 0
		b.log.Printf("leaving %s", c.ID)
		_, err := b.send(game.InputLeaveConversation, game.ConversationArgs{PlayerID: b.playerID, ConversationID: c.ID})
		return err
	}
	st, err := b.state(c.ID)
	if err != nil {
		return err
	}
	if n := len(st.Messages); n > 0 && st.Messages[n-1].Author == b.playerID {
		return nil
	}

	msgID := uuid.NewString()
	args := game.MessageArgs{PlayerID: b.playerID, ConversationID: c.ID, MessageUUID: msgID}
	if _, err := b.send(game.InputStartTyping, args); err != nil {
		return err
	}
	id := b.reqID()
	var ack protocol.AppendedMsg
	text := replies[b.replied]
	if err := b.call(protocol.AppendTextMsg{Type: protocol.TypeAppend, ProtocolVersion: protocol.Version, ReqID: id, MessageID: msgID, Text: text}, id, &ack); err != nil {
		return err
	}
	if _, err := b.send(game.InputFinishSendingMessage, args); err != nil {
		return err
	}
	b.replied++
	b.log.Printf("said %q", text)
	return nil
}
