package engine

// Metrics is a point-in-time copy of the engine counters.
type Metrics struct {
	Steps           uint64 `json:"steps"`
	StaleSteps      uint64 `json:"stale_steps"`
	HotSteps        uint64 `json:"hot_steps"`
	Ticks           uint64 `json:"ticks"`
	InputsProcessed uint64 `json:"inputs_processed"`
	InputErrors     uint64 `json:"input_errors"`
	LastStepMicros  int64  `json:"last_step_us"`
}

func (e *Engine) Metrics() Metrics {
	return Metrics{
		Steps:           e.steps.Load(),
		StaleSteps:      e.staleSteps.Load(),
		HotSteps:        e.hotSteps.Load(),
		Ticks:           e.ticks.Load(),
		InputsProcessed: e.inputs.Load(),
		InputErrors:     e.inputErrors.Load(),
		LastStepMicros:  e.lastStepUs.Load(),
	}
}
