package agent

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"agenttown.ai/internal/sim/game"
	"agenttown.ai/internal/sim/geom"
	"agenttown.ai/internal/store"
)

// loadGame returns an in-memory game for policy checks. It is never saved.
func loadGame(t *testing.T, now float64) *game.Game {
	t.Helper()
	f := newFixture(t, &fakeClock{ms: 1_000_000}, nil)
	var g *game.Game
	err := f.st.View(context.Background(), func(tx *store.Tx) error {
		var err error
		g, err = game.Load(tx, "w", f.eng.Tuning(), rand.New(rand.NewSource(1)))
		return err
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g.World.HasTime, g.World.CurrentTime = true, now
	return g
}

func addAgent(t *testing.T, g *game.Game, name string, x, y float64) string {
	t.Helper()
	_, pid, err := g.CreateAgent(g.World.CurrentTime, name, "f1", name+" is friendly", "chat")
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	move(t, g, pid, x, y)
	return pid
}

func move(t *testing.T, g *game.Game, pid string, x, y float64) {
	t.Helper()
	p, _ := g.Players.Get(pid)
	p.Position = geom.Point{X: x, Y: y}
	if err := g.Players.Put(p); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func setStatus(t *testing.T, g *game.Game, cid string, s game.MemberStatus) {
	t.Helper()
	for _, m := range g.ConversationMembers(cid) {
		m.Status = s
		if err := g.Members.Put(m); err != nil {
			t.Fatalf("Put member: %v", err)
		}
	}
}

func TestDecideInvitesNearestFreePlayer(t *testing.T) {
	g := loadGame(t, 100_000)
	a := addAgent(t, g, "Ada", 2, 2)
	near := addAgent(t, g, "Bo", 4, 2)
	addAgent(t, g, "Cy", 15, 15)

	act := Decide(g, a, rand.New(rand.NewSource(1)))
	if act.Kind != ActInvite || act.OtherID != near {
		t.Fatalf("action=%v other=%s want invite %s", act.Kind, act.OtherID, near)
	}

	// Recent partners are skipped.
	ag, _ := g.AgentByPlayer(a)
	ag.Partners = map[string]float64{near: g.World.CurrentTime - 1000}
	_ = g.Agents.Put(ag)
	act = Decide(g, a, rand.New(rand.NewSource(1)))
	if act.Kind != ActInvite || act.OtherID == near {
		t.Fatalf("action=%v other=%s want invite of someone else", act.Kind, act.OtherID)
	}

	// Right after a conversation the agent wanders instead.
	ag.LastConversation = g.World.CurrentTime - 1000
	_ = g.Agents.Put(ag)
	act = Decide(g, a, rand.New(rand.NewSource(1)))
	if act.Kind != ActWander {
		t.Fatalf("action=%v want wander", act.Kind)
	}
	if !act.Destination.Integral() || g.Map.Obstructed(act.Destination.Cell()) {
		t.Fatalf("wander destination %v not a free tile", act.Destination)
	}
}

func TestDecideAnswersInvites(t *testing.T) {
	g := loadGame(t, 100_000)
	a := addAgent(t, g, "Ada", 2, 2)
	b := addAgent(t, g, "Bo", 8, 2)
	cid, err := g.StartConversation(g.World.CurrentTime, a, b)
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}

	g.Tuning.Agent.InviteAcceptProbability = 1
	if act := Decide(g, b, rand.New(rand.NewSource(1))); act.Kind != ActAccept || act.ConversationID != cid {
		t.Fatalf("action=%v conv=%s want accept %s", act.Kind, act.ConversationID, cid)
	}
	g.Tuning.Agent.InviteAcceptProbability = 1e-9
	if act := Decide(g, b, rand.New(rand.NewSource(1))); act.Kind != ActReject {
		t.Fatalf("action=%v want reject", act.Kind)
	}

	// Humans are never turned down.
	p, _ := g.Players.Get(a)
	p.Human = "token"
	_ = g.Players.Put(p)
	if act := Decide(g, b, rand.New(rand.NewSource(1))); act.Kind != ActAccept {
		t.Fatalf("action=%v want accept for human", act.Kind)
	}
}

func TestDecideWalksOver(t *testing.T) {
	g := loadGame(t, 100_000)
	a := addAgent(t, g, "Ada", 2, 2)
	b := addAgent(t, g, "Bo", 12, 2)
	cid, _ := g.StartConversation(g.World.CurrentTime, a, b)
	setStatus(t, g, cid, game.WalkingOver{})

	act := Decide(g, a, rand.New(rand.NewSource(1)))
	if act.Kind != ActWalkOver || act.Destination != (geom.Point{X: 7, Y: 2}) {
		t.Fatalf("action=%v dest=%v want walk to midpoint (7,2)", act.Kind, act.Destination)
	}

	// Close enough to head straight for the other player, who occupies
	// their own tile.
	move(t, g, a, 9, 2)
	act = Decide(g, a, rand.New(rand.NewSource(1)))
	if act.Kind != ActWalkOver || act.Destination != (geom.Point{X: 11, Y: 2}) {
		t.Fatalf("action=%v dest=%v want (11,2)", act.Kind, act.Destination)
	}

	move(t, g, a, 11, 2)
	if act := Decide(g, a, rand.New(rand.NewSource(1))); act.Kind != ActNone {
		t.Fatalf("action=%v want none within conversation distance", act.Kind)
	}

	g.World.CurrentTime += float64(g.Tuning.Agent.InviteTimeoutMs) + 1
	move(t, g, a, 2, 2)
	if act := Decide(g, a, rand.New(rand.NewSource(1))); act.Kind != ActLeave {
		t.Fatalf("action=%v want leave after invite timeout", act.Kind)
	}
}

func TestDecideConversationTurns(t *testing.T) {
	now := 100_000.0
	g := loadGame(t, now)
	a := addAgent(t, g, "Ada", 2, 2)
	b := addAgent(t, g, "Bo", 3, 2)
	cid, _ := g.StartConversation(now, a, b)
	setStatus(t, g, cid, game.Participating{Since: now})
	cfg := g.Tuning.Agent

	if act := Decide(g, a, rand.New(rand.NewSource(1))); act.Kind != ActSpeak || act.Message != MessageStart {
		t.Fatalf("creator action=%v/%s want speak start", act.Kind, act.Message)
	}
	act := Decide(g, b, rand.New(rand.NewSource(1)))
	if act.Kind != ActNone || act.Wait != 0 {
		t.Fatalf("invitee action=%v wait=%s want none, polling for the first message", act.Kind, act.Wait)
	}
	g.World.CurrentTime = now + float64(cfg.AwkwardTimeoutMs) + 1
	if act := Decide(g, b, rand.New(rand.NewSource(1))); act.Kind != ActSpeak || act.Message != MessageStart {
		t.Fatalf("invitee after awkward silence=%v/%s want speak start", act.Kind, act.Message)
	}

	// b's turn after a's message, once the cooldown has passed.
	c, _ := g.Conversations.Get(cid)
	c.NumMessages = 1
	c.LastMessage = &game.LastMessage{Author: a, Timestamp: g.World.CurrentTime}
	_ = g.Conversations.Put(c)
	act = Decide(g, b, rand.New(rand.NewSource(1)))
	if want := time.Duration(cfg.MessageCooldownMs) * time.Millisecond; act.Kind != ActNone || act.Wait != want {
		t.Fatalf("action=%v wait=%s want none for %s of message cooldown", act.Kind, act.Wait, want)
	}
	g.World.CurrentTime += float64(cfg.MessageCooldownMs) + 1
	if act := Decide(g, b, rand.New(rand.NewSource(1))); act.Kind != ActSpeak || act.Message != MessageContinue {
		t.Fatalf("action=%v/%s want speak continue", act.Kind, act.Message)
	}
	if act := Decide(g, a, rand.New(rand.NewSource(1))); act.Kind != ActNone {
		t.Fatalf("author action=%v want none while awaiting reply", act.Kind)
	}

	c.Typing = &game.Typing{PlayerID: a, MessageUUID: "m", Since: g.World.CurrentTime}
	_ = g.Conversations.Put(c)
	if act := Decide(g, b, rand.New(rand.NewSource(1))); act.Kind != ActNone {
		t.Fatalf("action=%v want none while the other side types", act.Kind)
	}

	c.Typing = nil
	c.NumMessages = cfg.MaxConversationMessages
	_ = g.Conversations.Put(c)
	if act := Decide(g, b, rand.New(rand.NewSource(1))); act.Kind != ActSpeak || act.Message != MessageLeave {
		t.Fatalf("action=%v/%s want speak leave", act.Kind, act.Message)
	}
}

func TestBuildRequestRolesAndStops(t *testing.T) {
	d := promptData{
		Kind:     MessageContinue,
		Self:     game.Player{ID: "p:1", Name: "Ada"},
		Other:    game.Player{ID: "p:2", Name: "Bo", Description: "a baker"},
		Identity: "a sailor",
		Plan:     "make friends",
		History: []historyLine{
			{Author: "p:1", Text: "Hi Bo."},
			{Author: "p:2", Text: "Hello Ada."},
		},
	}
	req, err := buildRequest(d, 50)
	if err != nil {
		t.Fatalf("buildRequest: %v", err)
	}
	if len(req.Messages) != 4 {
		t.Fatalf("messages=%d want=4", len(req.Messages))
	}
	if req.Messages[1].Role != "assistant" || req.Messages[1].Content != "Ada: Hi Bo." {
		t.Fatalf("own line=%+v", req.Messages[1])
	}
	if req.Messages[2].Role != "user" || req.Messages[2].Content != "Bo: Hello Ada." {
		t.Fatalf("other line=%+v", req.Messages[2])
	}
	if req.Stop[0] != "Bo:" || req.MaxTokens != 50 {
		t.Fatalf("stop=%v max=%d", req.Stop, req.MaxTokens)
	}
}
