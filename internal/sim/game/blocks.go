package game

import (
	"fmt"

	"agenttown.ai/internal/sim/geom"
)

// AddBlock places a new block on a free tile.
func (g *Game) AddBlock(emoji string, pos geom.Point) (string, error) {
	x, y := pos.Cell()
	if !pos.Integral() || g.Map.Obstructed(x, y) {
		return "", fmt.Errorf("%w: block position %s", ErrBadArgs, pos)
	}
	if _, taken := g.blockAt(pos); taken {
		return "", ErrSpotTaken
	}
	b := Block{ID: g.allocID("b"), Emoji: emoji, State: Placed{Position: pos}}
	return b.ID, g.Blocks.Insert(b)
}

// PickUpBlock carries the block right away when it is within reach,
// otherwise sends the player walking to it.
func (g *Game) PickUpBlock(now float64, playerID, blockID string) error {
	p, err := g.enabledPlayer(playerID)
	if err != nil {
		return err
	}
	b, ok := g.Blocks.Get(blockID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBlock, blockID)
	}
	placed, ok := b.State.(Placed)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBlockUnavailable, blockID)
	}
	if held, ok := g.BlockCarriedBy(playerID); ok {
		return fmt.Errorf("%w: %s", ErrAlreadyCarrying, held.ID)
	}
	if geom.Distance(p.Position, placed.Position) <= g.Tuning.Movement.BlockReach {
		b.State = Carried{PlayerID: playerID}
		return g.Blocks.Put(b)
	}
	if err := g.MovePlayer(now, playerID, placed.Position); err != nil {
		return err
	}
	b.State = WaitingForNearby{PlayerID: playerID, Position: placed.Position}
	return g.Blocks.Put(b)
}

// SetDownBlock places the carried block on the player's tile.
func (g *Game) SetDownBlock(playerID string) error {
	p, err := g.enabledPlayer(playerID)
	if err != nil {
		return err
	}
	b, ok := g.BlockCarriedBy(playerID)
	if !ok {
		return ErrNotCarrying
	}
	if _, carried := b.State.(Carried); !carried {
		return ErrNotCarrying
	}
	pos := p.Position.Floor()
	if _, taken := g.blockAt(pos); taken {
		return ErrSpotTaken
	}
	b.State = Placed{Position: pos}
	return g.Blocks.Put(b)
}

// dropBlocks releases whatever the player holds or is walking toward.
func (g *Game) dropBlocks(playerID string, at geom.Point) error {
	b, ok := g.BlockCarriedBy(playerID)
	if !ok {
		return nil
	}
	switch s := b.State.(type) {
	case Carried:
		b.State = Placed{Position: at.Floor()}
	case WaitingForNearby:
		b.State = Placed{Position: s.Position}
	}
	return g.Blocks.Put(b)
}

func (g *Game) tickBlock(now float64, blockID string) error {
	b, _ := g.Blocks.Get(blockID)
	w, ok := b.State.(WaitingForNearby)
	if !ok {
		return nil
	}
	p, ok := g.Players.Get(w.PlayerID)
	if !ok {
		return invariant("block %s waits for missing player %s", b.ID, w.PlayerID)
	}
	switch {
	case geom.Distance(p.Position, w.Position) <= g.Tuning.Movement.BlockReach:
		b.State = Carried{PlayerID: p.ID}
	case p.Pathfinding == nil:
		b.State = Placed{Position: w.Position}
	default:
		return nil
	}
	return g.Blocks.Put(b)
}
