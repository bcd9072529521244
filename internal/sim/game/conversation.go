package game

import (
	"fmt"

	"agenttown.ai/internal/sim/geom"
)

// StartConversation creates a conversation with the creator walking over and
// the invitee invited.
func (g *Game) StartConversation(now float64, creatorID, inviteeID string) (string, error) {
	if creatorID == inviteeID {
		return "", ErrSelfInvite
	}
	for _, id := range []string{creatorID, inviteeID} {
		if _, err := g.enabledPlayer(id); err != nil {
			return "", err
		}
		if m, ok := g.ActiveMembership(id); ok {
			return "", fmt.Errorf("%w: %s in %s", ErrInConversation, id, m.ConversationID)
		}
	}
	c := Conversation{ID: g.allocID("c"), Creator: creatorID, Created: now}
	if err := g.Conversations.Insert(c); err != nil {
		return "", err
	}
	members := []Member{
		{ID: memberID(c.ID, creatorID), ConversationID: c.ID, PlayerID: creatorID, Status: WalkingOver{}},
		{ID: memberID(c.ID, inviteeID), ConversationID: c.ID, PlayerID: inviteeID, Status: Invited{Since: now}},
	}
	for _, m := range members {
		if err := g.Members.Insert(m); err != nil {
			return "", err
		}
	}
	if a, ok := g.AgentByPlayer(creatorID); ok {
		a.LastInviteAttempt = now
		if err := g.Agents.Put(a); err != nil {
			return "", err
		}
	}
	return c.ID, nil
}

func (g *Game) AcceptInvite(playerID, conversationID string) error {
	m, err := g.member(playerID, conversationID)
	if err != nil {
		return err
	}
	if _, ok := m.Status.(Invited); !ok {
		return fmt.Errorf("%w: %s is %s", ErrNotInvited, playerID, StatusName(m.Status))
	}
	m.Status = WalkingOver{}
	if err := g.Members.Put(m); err != nil {
		return err
	}
	// Whatever the player was walking to, it now walks to the conversation.
	return g.StopPlayer(playerID)
}

func (g *Game) RejectInvite(now float64, playerID, conversationID string) error {
	m, err := g.member(playerID, conversationID)
	if err != nil {
		return err
	}
	if _, ok := m.Status.(Invited); !ok {
		return fmt.Errorf("%w: %s is %s", ErrNotInvited, playerID, StatusName(m.Status))
	}
	return g.StopConversation(now, conversationID)
}

// LeaveConversation ends the conversation for everyone. Leaving a
// conversation that already finished succeeds.
func (g *Game) LeaveConversation(now float64, playerID, conversationID string) error {
	if g.finishedConversation(conversationID) {
		return nil
	}
	m, err := g.member(playerID, conversationID)
	if err != nil {
		return err
	}
	if !m.Active() {
		return nil
	}
	return g.StopConversation(now, conversationID)
}

// StopConversation finishes the conversation, releases the typing lock and
// marks every active member as left. It is a no-op on a finished
// conversation.
func (g *Game) StopConversation(now float64, conversationID string) error {
	c, ok := g.Conversations.Get(conversationID)
	if !ok {
		if g.finishedConversation(conversationID) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	if c.IsFinished() {
		return nil
	}
	if c.Typing != nil {
		if err := g.abandonMessage(c.Typing.MessageUUID); err != nil {
			return err
		}
	}
	finished := now
	c.Finished = &finished
	c.Typing = nil
	if err := g.Conversations.Put(c); err != nil {
		return err
	}

	members := g.ConversationMembers(conversationID)
	var participants []string
	for _, m := range members {
		if !m.Active() {
			continue
		}
		if _, ok := m.Status.(Participating); ok {
			participants = append(participants, m.PlayerID)
		}
		m.Status = Left{When: now}
		if err := g.Members.Put(m); err != nil {
			return err
		}
	}
	for _, pid := range participants {
		a, ok := g.AgentByPlayer(pid)
		if !ok {
			continue
		}
		a.LastConversation = now
		for _, other := range participants {
			if other == pid {
				continue
			}
			if a.Partners == nil {
				a.Partners = map[string]float64{}
			}
			a.Partners[other] = now
		}
		if err := g.Agents.Put(a); err != nil {
			return err
		}
	}
	return nil
}

// StartTyping takes the conversation's typing lock for author and opens a
// message row that the author streams text into.
func (g *Game) StartTyping(now float64, authorID, conversationID, messageUUID string) error {
	c, ok := g.Conversations.Get(conversationID)
	if !ok || c.IsFinished() {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	m, err := g.member(authorID, conversationID)
	if err != nil {
		return err
	}
	if _, ok := m.Status.(Participating); !ok {
		return fmt.Errorf("%w: %s is %s", ErrNotParticipating, authorID, StatusName(m.Status))
	}
	if c.Typing != nil && c.Typing.PlayerID != authorID {
		return fmt.Errorf("%w: %s", ErrTypingHeld, c.Typing.PlayerID)
	}
	if c.Typing != nil && c.Typing.MessageUUID != messageUUID {
		return fmt.Errorf("%w: %s still writing %s", ErrTypingHeld, authorID, c.Typing.MessageUUID)
	}
	if messageUUID == "" {
		return fmt.Errorf("%w: empty message uuid", ErrBadArgs)
	}
	if g.Messages.Has(messageUUID) || g.archived(KindMessage, messageUUID) {
		return fmt.Errorf("%w: %s", ErrDuplicateMessage, messageUUID)
	}
	c.Typing = &Typing{PlayerID: authorID, MessageUUID: messageUUID, Since: now}
	if err := g.Conversations.Put(c); err != nil {
		return err
	}
	return g.Messages.Insert(Message{
		ID:             messageUUID,
		ConversationID: conversationID,
		Author:         authorID,
		Created:        now,
	})
}

// FinishSendingMessage completes a message, counts it and releases the
// typing lock if the author still holds it for this message.
func (g *Game) FinishSendingMessage(now float64, authorID, conversationID, messageUUID string) error {
	msg, ok := g.Messages.Get(messageUUID)
	if !ok {
		if g.archived(KindMessage, messageUUID) {
			return fmt.Errorf("%w: %s", ErrMessageFinished, messageUUID)
		}
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageUUID)
	}
	if msg.Author != authorID || msg.ConversationID != conversationID {
		return fmt.Errorf("%w: %s belongs to %s in %s", ErrUnknownMessage, messageUUID, msg.Author, msg.ConversationID)
	}
	msg.DoneWriting = true
	if err := g.Messages.Put(msg); err != nil {
		return err
	}
	c, ok := g.Conversations.Get(conversationID)
	if !ok || c.IsFinished() {
		// The conversation ended while the message was streaming.
		return nil
	}
	c.NumMessages++
	c.LastMessage = &LastMessage{Author: authorID, Timestamp: now}
	if c.Typing != nil && c.Typing.PlayerID == authorID && c.Typing.MessageUUID == messageUUID {
		c.Typing = nil
	}
	return g.Conversations.Put(c)
}

// abandonMessage closes a message whose author lost the typing lock. It is
// not counted, and its text takes no more chunks.
func (g *Game) abandonMessage(messageUUID string) error {
	msg, ok := g.Messages.Get(messageUUID)
	if !ok || msg.DoneWriting {
		return nil
	}
	msg.DoneWriting = true
	return g.Messages.Put(msg)
}

func (g *Game) tickConversation(now float64, conversationID string) error {
	c, _ := g.Conversations.Get(conversationID)
	if c.IsFinished() {
		return nil
	}
	if c.Typing != nil && c.Typing.Since+float64(g.Tuning.Movement.TypingTimeoutMs) < now {
		if err := g.abandonMessage(c.Typing.MessageUUID); err != nil {
			return err
		}
		c.Typing = nil
		if err := g.Conversations.Put(c); err != nil {
			return err
		}
	}

	members := g.ConversationMembers(conversationID)
	if len(members) != 2 {
		return nil
	}
	if !isWalkingOver(members[0]) || !isWalkingOver(members[1]) {
		return nil
	}
	p1, ok1 := g.Players.Get(members[0].PlayerID)
	p2, ok2 := g.Players.Get(members[1].PlayerID)
	if !ok1 || !ok2 {
		return invariant("conversation %s references a missing player", conversationID)
	}
	d := geom.Distance(p1.Position, p2.Position)
	if d >= g.Tuning.Movement.ConversationDistance {
		return nil
	}
	for _, pid := range []string{p1.ID, p2.ID} {
		if err := g.StopPlayer(pid); err != nil {
			return err
		}
	}
	p1, _ = g.Players.Get(p1.ID)
	p2, _ = g.Players.Get(p2.ID)
	if f, ok := geom.Normalize(geom.VectorTo(p1.Position, p2.Position)); ok {
		p1.Facing = f
		p2.Facing = geom.Vector{DX: -f.DX, DY: -f.DY}
		if err := g.Players.Put(p1); err != nil {
			return err
		}
		if err := g.Players.Put(p2); err != nil {
			return err
		}
	}
	for _, m := range members {
		m.Status = Participating{Since: now}
		if err := g.Members.Put(m); err != nil {
			return err
		}
	}
	return nil
}

func isWalkingOver(m Member) bool {
	_, ok := m.Status.(WalkingOver)
	return ok
}

func (g *Game) member(playerID, conversationID string) (Member, error) {
	if !g.Conversations.Has(conversationID) {
		return Member{}, fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	m, ok := g.Members.Get(memberID(conversationID, playerID))
	if !ok {
		return Member{}, fmt.Errorf("%w: %s not in %s", ErrNotMember, playerID, conversationID)
	}
	return m, nil
}

func (g *Game) finishedConversation(conversationID string) bool {
	if c, ok := g.Conversations.Get(conversationID); ok {
		return c.IsFinished()
	}
	return g.archived(KindConversation, conversationID)
}

func (g *Game) archived(kind, id string) bool {
	if g.tx == nil {
		return false
	}
	e, err := g.tx.Entity(g.World.ID, kind, id)
	return err == nil && e.Archived
}
