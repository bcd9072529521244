package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version" json:"protocol_version"`

	Engine   Engine   `yaml:"engine" json:"engine"`
	Movement Movement `yaml:"movement" json:"movement"`
	Map      Map      `yaml:"map" json:"map"`
	Agent    Agent    `yaml:"agent" json:"agent"`
	Inputs   Inputs   `yaml:"inputs" json:"inputs"`
}

type Engine struct {
	TickDurationMs   int `yaml:"tick_duration_ms" json:"tick_duration_ms"`
	StepIntervalMs   int `yaml:"step_interval_ms" json:"step_interval_ms"`
	MaxTicksPerStep  int `yaml:"max_ticks_per_step" json:"max_ticks_per_step"`
	MaxInputsPerStep int `yaml:"max_inputs_per_step" json:"max_inputs_per_step"`
}

type Movement struct {
	Speed                float64 `yaml:"speed" json:"speed"`
	CollisionThreshold   float64 `yaml:"collision_threshold" json:"collision_threshold"`
	ConversationDistance float64 `yaml:"conversation_distance" json:"conversation_distance"`
	MidpointThreshold    float64 `yaml:"midpoint_threshold" json:"midpoint_threshold"`
	PathfindingTimeoutMs int     `yaml:"pathfinding_timeout_ms" json:"pathfinding_timeout_ms"`
	PathfindingBackoffMs int     `yaml:"pathfinding_backoff_ms" json:"pathfinding_backoff_ms"`
	MaxPathfindsPerStep  int     `yaml:"max_pathfinds_per_step" json:"max_pathfinds_per_step"`
	TypingTimeoutMs      int     `yaml:"typing_timeout_ms" json:"typing_timeout_ms"`
	BlockReach           float64 `yaml:"block_reach" json:"block_reach"`
}

type Map struct {
	Width            int   `yaml:"width" json:"width"`
	Height           int   `yaml:"height" json:"height"`
	ObstaclePermille int   `yaml:"obstacle_permille" json:"obstacle_permille"`
	Seed             int64 `yaml:"seed" json:"seed"`
	Blocks           int   `yaml:"blocks" json:"blocks"`
}

type Agent struct {
	SoftDeadlineMs               int     `yaml:"soft_deadline_ms" json:"soft_deadline_ms"`
	HardExpirationMs             int     `yaml:"hard_expiration_ms" json:"hard_expiration_ms"`
	LoopSleepMs                  int     `yaml:"loop_sleep_ms" json:"loop_sleep_ms"`
	LoopJitter                   float64 `yaml:"loop_jitter" json:"loop_jitter"`
	ErrorBackoffMs               int     `yaml:"error_backoff_ms" json:"error_backoff_ms"`
	MaxErrorBackoffMs            int     `yaml:"max_error_backoff_ms" json:"max_error_backoff_ms"`
	InviteTimeoutMs              int     `yaml:"invite_timeout_ms" json:"invite_timeout_ms"`
	AwkwardTimeoutMs             int     `yaml:"awkward_timeout_ms" json:"awkward_timeout_ms"`
	MaxConversationMs            int     `yaml:"max_conversation_ms" json:"max_conversation_ms"`
	MaxConversationMessages      int     `yaml:"max_conversation_messages" json:"max_conversation_messages"`
	MessageCooldownMs            int     `yaml:"message_cooldown_ms" json:"message_cooldown_ms"`
	ConversationCooldownMs       int     `yaml:"conversation_cooldown_ms" json:"conversation_cooldown_ms"`
	PlayerConversationCooldownMs int     `yaml:"player_conversation_cooldown_ms" json:"player_conversation_cooldown_ms"`
	InviteAcceptProbability      float64 `yaml:"invite_accept_probability" json:"invite_accept_probability"`
	MaxTokens                    int     `yaml:"max_tokens" json:"max_tokens"`
	Model                        string  `yaml:"model" json:"model"`
}

type Inputs struct {
	PollInitialMs int `yaml:"poll_initial_ms" json:"poll_initial_ms"`
	PollMaxMs     int `yaml:"poll_max_ms" json:"poll_max_ms"`
	PollAttempts  int `yaml:"poll_attempts" json:"poll_attempts"`
}

func Load(path string) (Tuning, error) {
	var t Tuning
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.ApplyDefaults()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func Defaults() Tuning {
	var t Tuning
	t.ApplyDefaults()
	return t
}

func (t *Tuning) ApplyDefaults() {
	if t.ProtocolVersion == "" {
		t.ProtocolVersion = "1.0"
	}
	e := &t.Engine
	if e.TickDurationMs <= 0 {
		e.TickDurationMs = 16
	}
	if e.StepIntervalMs <= 0 {
		e.StepIntervalMs = 1000
	}
	if e.MaxTicksPerStep <= 0 {
		e.MaxTicksPerStep = 600
	}
	if e.MaxInputsPerStep <= 0 {
		e.MaxInputsPerStep = 32
	}

	m := &t.Movement
	if m.Speed <= 0 {
		m.Speed = 0.75
	}
	if m.CollisionThreshold <= 0 {
		m.CollisionThreshold = 0.75
	}
	if m.ConversationDistance <= 0 {
		m.ConversationDistance = 1.3
	}
	if m.MidpointThreshold <= 0 {
		m.MidpointThreshold = 4
	}
	if m.PathfindingTimeoutMs <= 0 {
		m.PathfindingTimeoutMs = 60_000
	}
	if m.PathfindingBackoffMs <= 0 {
		m.PathfindingBackoffMs = 1000
	}
	if m.MaxPathfindsPerStep <= 0 {
		m.MaxPathfindsPerStep = 16
	}
	if m.TypingTimeoutMs <= 0 {
		m.TypingTimeoutMs = 15_000
	}
	if m.BlockReach <= 0 {
		m.BlockReach = 1.5
	}

	mp := &t.Map
	if mp.Width <= 0 {
		mp.Width = 48
	}
	if mp.Height <= 0 {
		mp.Height = 32
	}
	if mp.ObstaclePermille < 0 {
		mp.ObstaclePermille = 0
	}
	if mp.Seed == 0 {
		mp.Seed = 1337
	}

	a := &t.Agent
	if a.SoftDeadlineMs <= 0 {
		a.SoftDeadlineMs = 60_000
	}
	if a.HardExpirationMs <= 0 {
		a.HardExpirationMs = 600_000
	}
	if a.LoopSleepMs <= 0 {
		a.LoopSleepMs = 1000
	}
	if a.LoopJitter <= 0 || a.LoopJitter >= 1 {
		a.LoopJitter = 0.25
	}
	if a.ErrorBackoffMs <= 0 {
		a.ErrorBackoffMs = 1000
	}
	if a.MaxErrorBackoffMs <= 0 {
		a.MaxErrorBackoffMs = 60_000
	}
	if a.InviteTimeoutMs <= 0 {
		a.InviteTimeoutMs = 60_000
	}
	if a.AwkwardTimeoutMs <= 0 {
		a.AwkwardTimeoutMs = 20_000
	}
	if a.MaxConversationMs <= 0 {
		a.MaxConversationMs = 600_000
	}
	if a.MaxConversationMessages <= 0 {
		a.MaxConversationMessages = 8
	}
	if a.MessageCooldownMs <= 0 {
		a.MessageCooldownMs = 2000
	}
	if a.ConversationCooldownMs <= 0 {
		a.ConversationCooldownMs = 15_000
	}
	if a.PlayerConversationCooldownMs <= 0 {
		a.PlayerConversationCooldownMs = 60_000
	}
	if a.InviteAcceptProbability <= 0 || a.InviteAcceptProbability > 1 {
		a.InviteAcceptProbability = 0.8
	}
	if a.MaxTokens <= 0 {
		a.MaxTokens = 300
	}
	if a.Model == "" {
		a.Model = "gemini-2.0-flash"
	}

	in := &t.Inputs
	if in.PollInitialMs <= 0 {
		in.PollInitialMs = 50
	}
	if in.PollMaxMs <= 0 {
		in.PollMaxMs = 2000
	}
	if in.PollAttempts <= 0 {
		in.PollAttempts = 20
	}
}

func (t Tuning) Validate() error {
	if t.Agent.SoftDeadlineMs >= t.Agent.HardExpirationMs {
		return fmt.Errorf("agent.soft_deadline_ms (%d) must be below hard_expiration_ms (%d)", t.Agent.SoftDeadlineMs, t.Agent.HardExpirationMs)
	}
	if t.Movement.ConversationDistance <= t.Movement.CollisionThreshold {
		return fmt.Errorf("movement.conversation_distance (%g) must exceed collision_threshold (%g)", t.Movement.ConversationDistance, t.Movement.CollisionThreshold)
	}
	return nil
}

func (e Engine) TickDuration() time.Duration { return ms(e.TickDurationMs) }
func (e Engine) StepInterval() time.Duration { return ms(e.StepIntervalMs) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
