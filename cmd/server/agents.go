package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"agenttown.ai/internal/sim/engine"
	"agenttown.ai/internal/sim/game"
)

type agentDefsFile struct {
	Agents []game.CreateAgentArgs `yaml:"agents"`
}

func loadAgentDefs(path string) ([]game.CreateAgentArgs, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f agentDefsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, a := range f.Agents {
		if strings.TrimSpace(a.Name) == "" || strings.TrimSpace(a.Character) == "" {
			return nil, fmt.Errorf("%s: agent %d needs name and character", path, i)
		}
	}
	return f.Agents, nil
}

// seedAgents creates the first n definitions whose names are not already
// taken by a live player. Creation goes through the input log like any other
// world change.
func seedAgents(ctx context.Context, eng *engine.Engine, worldID string, defs []game.CreateAgentArgs, n int) (int, error) {
	taken := map[string]bool{}
	err := eng.View(ctx, worldID, func(g *game.Game) error {
		for _, p := range g.Players.All() {
			taken[p.Name] = true
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n > len(defs) {
		n = len(defs)
	}
	created := 0
	for _, d := range defs[:n] {
		if taken[d.Name] {
			continue
		}
		res, err := eng.Send(ctx, worldID, game.InputCreateAgent, d)
		if err != nil {
			return created, fmt.Errorf("create %s: %w", d.Name, err)
		}
		if err := res.Err(); err != nil {
			return created, fmt.Errorf("create %s: %w", d.Name, err)
		}
		created++
	}
	return created, nil
}
