package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"agenttown.ai/internal/llm"
	"agenttown.ai/internal/sim/game"
	"agenttown.ai/internal/store"
)

// fallbackText is written when the model produced nothing usable, so the
// message still completes and the typing lock is released.
const fallbackText = "..."

var promptTemplate = template.Must(template.New("prompt").Parse(
	`You are {{.Self.Name}}. {{.Self.Description}}
About you: {{.Identity}}
Your goals: {{.Plan}}
You are talking with {{.Other.Name}}.{{if .Other.Description}} About {{.Other.Name}}: {{.Other.Description}}{{end}}
{{- if .LastChat}}
You last talked with {{.Other.Name}} {{.LastChat}} ago.
{{- end}}
{{if eq .Kind "start"}}Open the conversation with a short greeting that fits your goals.
{{- else if eq .Kind "leave"}}You have decided to leave. Say a short, polite goodbye.
{{- else}}Reply to {{.Other.Name}} in a sentence or two. Do not repeat yourself.
{{- end}}
Keep it brief and stay in character.`))

type promptData struct {
	Kind     MessageKind
	Self     game.Player
	Other    game.Player
	Identity string
	Plan     string
	LastChat string
	History  []historyLine
}

type historyLine struct {
	Author  string
	Created float64
	Text    string
}

// speak takes the typing lock, streams a model reply into a new message and
// finishes it. A leave message is followed by leaving the conversation.
func (r *Runner) speak(ctx context.Context, worldID string, act Action) error {
	msgID := uuid.NewString()
	margs := game.MessageArgs{PlayerID: act.PlayerID, ConversationID: act.ConversationID, MessageUUID: msgID}
	if err := r.send(ctx, worldID, game.InputStartTyping, margs); err != nil {
		return err
	}

	data, err := r.promptData(ctx, worldID, act)
	if err != nil {
		return err
	}
	req, err := buildRequest(data, r.cfg.MaxTokens)
	if err != nil {
		return err
	}
	if err := r.stream(ctx, worldID, msgID, data, req); err != nil {
		return err
	}
	if err := r.send(ctx, worldID, game.InputFinishSendingMessage, margs); err != nil {
		return err
	}
	r.messages.Add(1)
	if act.Message == MessageLeave {
		return r.send(ctx, worldID, game.InputLeaveConversation, game.ConversationArgs{PlayerID: act.PlayerID, ConversationID: act.ConversationID})
	}
	return nil
}

// stream appends completion chunks to the message text as they arrive. The
// speaker prefix some models echo is stripped before the first append.
func (r *Runner) stream(ctx context.Context, worldID, msgID string, data promptData, req llm.Request) error {
	if r.llm == nil {
		return r.st.AppendMessageText(ctx, worldID, msgID, fallbackText)
	}
	prefix := data.Self.Name + ":"
	wrote, flushed := false, false
	var head strings.Builder
	var failed error
	for chunk, err := range r.llm.Complete(ctx, req) {
		if err != nil {
			failed = err
			break
		}
		if !flushed {
			head.WriteString(chunk)
			if head.Len() < len(prefix) {
				continue
			}
			flushed = true
			if chunk = trimSpeaker(head.String(), prefix); chunk == "" {
				continue
			}
		}
		if err := r.st.AppendMessageText(ctx, worldID, msgID, chunk); err != nil {
			return err
		}
		wrote = true
	}
	if failed != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Printf("agent %s: completion failed: %v", data.Self.ID, failed)
	}
	if !flushed {
		if rest := trimSpeaker(head.String(), prefix); rest != "" && failed == nil {
			if err := r.st.AppendMessageText(ctx, worldID, msgID, rest); err != nil {
				return err
			}
			wrote = true
		}
	}
	if !wrote {
		return r.st.AppendMessageText(ctx, worldID, msgID, fallbackText)
	}
	return nil
}

func trimSpeaker(s, prefix string) string {
	s = strings.TrimLeft(s, " \n")
	return strings.TrimLeft(strings.TrimPrefix(s, prefix), " ")
}

func (r *Runner) promptData(ctx context.Context, worldID string, act Action) (promptData, error) {
	d := promptData{Kind: act.Message}
	err := r.st.View(ctx, func(tx *store.Tx) error {
		g, err := game.Load(tx, worldID, r.tu, rand.New(rand.NewSource(1)))
		if err != nil {
			return err
		}
		var ok bool
		if d.Self, ok = g.Players.Get(act.PlayerID); !ok {
			return fmt.Errorf("%w: %s", game.ErrUnknownPlayer, act.PlayerID)
		}
		if d.Other, ok = g.Players.Get(act.OtherID); !ok {
			return fmt.Errorf("%w: %s", game.ErrUnknownPlayer, act.OtherID)
		}
		if a, ok := g.AgentByPlayer(act.PlayerID); ok {
			d.Identity, d.Plan = a.Identity, a.Plan
			if last, ok := a.Partners[act.OtherID]; ok && last <= g.World.CurrentTime {
				d.LastChat = (time.Duration(g.World.CurrentTime-last) * time.Millisecond).Truncate(time.Second).String()
			}
		}
		rows, err := tx.EntitiesWhere(worldID, game.KindMessage, "conversation_id", act.ConversationID)
		if err != nil {
			return err
		}
		for _, row := range rows {
			var m game.Message
			if err := json.Unmarshal(row.Data, &m); err != nil {
				return fmt.Errorf("message %s: %w", row.ID, err)
			}
			if !m.DoneWriting {
				continue
			}
			text, _, err := tx.MessageText(worldID, m.ID)
			if err != nil {
				return err
			}
			d.History = append(d.History, historyLine{Author: m.Author, Created: m.Created, Text: text})
		}
		sort.Slice(d.History, func(i, j int) bool { return d.History[i].Created < d.History[j].Created })
		return nil
	})
	return d, err
}

// buildRequest renders the prompt: instructions as the system message,
// earlier lines as alternating turns, then a cue naming the speaker.
func buildRequest(d promptData, maxTokens int) (llm.Request, error) {
	var sys strings.Builder
	if err := promptTemplate.Execute(&sys, d); err != nil {
		return llm.Request{}, fmt.Errorf("render prompt: %w", err)
	}
	req := llm.Request{
		Messages:  []llm.Message{{Role: llm.RoleSystem, Content: sys.String()}},
		MaxTokens: maxTokens,
		Stop:      []string{d.Other.Name + ":", "\n" + d.Self.Name + ":"},
	}
	for _, h := range d.History {
		role, name := llm.RoleUser, d.Other.Name
		if h.Author == d.Self.ID {
			role, name = llm.RoleAssistant, d.Self.Name
		}
		req.Messages = append(req.Messages, llm.Message{Role: role, Content: name + ": " + h.Text})
	}
	req.Messages = append(req.Messages, llm.Message{Role: llm.RoleUser, Content: d.Self.Name + ":"})
	return req, nil
}
