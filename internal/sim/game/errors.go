package game

import (
	"errors"
	"fmt"
)

// ErrInvariant marks corrupted or impossible state. Handlers returning it
// abort the whole step instead of recording a per-input error.
var ErrInvariant = errors.New("invariant violation")

// Policy rejections. These are recorded on the input and the step goes on.
var (
	ErrUnknownHandler      = errors.New("unknown input handler")
	ErrBadArgs             = errors.New("invalid arguments")
	ErrUnknownPlayer       = errors.New("player not found")
	ErrUnknownConversation = errors.New("conversation not found")
	ErrPlayerDisabled      = errors.New("player disabled")
	ErrSelfInvite          = errors.New("cannot invite self")
	ErrInConversation      = errors.New("already in a conversation")
	ErrNotInvited          = errors.New("not invited")
	ErrNotMember           = errors.New("not a member of conversation")
	ErrNotParticipating    = errors.New("not participating in conversation")
	ErrTypingHeld          = errors.New("someone else is typing")
	ErrUnknownMessage      = errors.New("message not found")
	ErrMessageFinished     = errors.New("message already finished")
	ErrDuplicateMessage    = errors.New("message already exists")
	ErrHumanAlreadyJoined  = errors.New("human already joined")
	ErrUnknownBlock        = errors.New("block not found")
	ErrBlockUnavailable    = errors.New("block not available")
	ErrAlreadyCarrying     = errors.New("already carrying a block")
	ErrNotCarrying         = errors.New("not carrying a block")
	ErrSpotTaken           = errors.New("a block is already placed here")
	ErrNoFreeSpot          = errors.New("no free spot on the map")
)

func invariant(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}
