package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"

	"agenttown.ai/internal/protocol"
	"agenttown.ai/internal/sim/game"
)

func TestSchemas_ValidateInputs(t *testing.T) {
	s, err := protocol.LoadSchemas()
	if err != nil {
		t.Fatalf("LoadSchemas: %v", err)
	}

	ok := map[string]string{
		game.InputJoin:              `{"name":"Ada","character":"f1"}`,
		game.InputMoveTo:            `{"playerId":"p:1","destination":{"x":3,"y":4}}`,
		game.InputStartTyping:       `{"playerId":"p:1","conversationId":"c:2","messageUuid":"7f0c"}`,
		game.InputCreateAgent:       `{"name":"Bo","character":"f2","identity":"baker","plan":"sell bread"}`,
		game.InputSetEnabled:        `{"playerId":"p:1","enabled":false}`,
		game.InputStartConversation: `{"playerId":"p:1","inviteeId":"p:2"}`,
	}
	for name, args := range ok {
		if err := s.Validate(name, json.RawMessage(args)); err != nil {
			t.Fatalf("%s: unexpected err: %v", name, err)
		}
	}
	if err := s.Validate(game.InputMoveTo, json.RawMessage(`{"playerId":"p:1","destination":null}`)); err != nil {
		t.Fatalf("moveTo null destination: %v", err)
	}

	bad := map[string]string{
		game.InputJoin:        `{"name":"","character":"f1"}`,
		game.InputMoveTo:      `{"playerId":"p:1","destination":{"x":"3","y":4}}`,
		game.InputStartTyping: `{"playerId":"p:1","conversationId":"c:2"}`,
		game.InputPickUpBlock: `{"playerId":"p:1","blockId":"b:1","extra":1}`,
		game.InputSetEnabled:  `{"playerId":"p:1","enabled":"yes"}`,
		game.InputLeave:       `[]`,
	}
	for name, args := range bad {
		err := s.Validate(name, json.RawMessage(args))
		if !errors.Is(err, game.ErrBadArgs) {
			t.Fatalf("%s %s: err=%v want ErrBadArgs", name, args, err)
		}
	}
	if err := s.Validate("fly", json.RawMessage(`{}`)); !errors.Is(err, game.ErrUnknownHandler) {
		t.Fatalf("err=%v want ErrUnknownHandler", err)
	}
}

func TestSchemas_ValidateMessages(t *testing.T) {
	s, err := protocol.LoadSchemas()
	if err != nil {
		t.Fatalf("LoadSchemas: %v", err)
	}
	submit := `{"type":"SUBMIT","protocol_version":"1.0","req_id":"r1","name":"join","args":{"name":"Ada","character":"f1"}}`
	if err := s.ValidateMessage(protocol.TypeSubmit, []byte(submit)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := s.ValidateMessage(protocol.TypePoll, []byte(`{"type":"POLL","protocol_version":"1.0","req_id":"r2","input_id":0}`)); err == nil {
		t.Fatalf("poll with input_id 0 accepted")
	}
	if err := s.ValidateMessage(protocol.TypeStateReq, []byte(`{"type":"STATE_REQ","protocol_version":"1.0"}`)); err == nil {
		t.Fatalf("state request without req_id accepted")
	}
}
