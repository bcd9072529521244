package main

import (
	"fmt"
	"io"
	"net/http"

	"agenttown.ai/internal/agent"
	"agenttown.ai/internal/persistence/indexdb"
	"agenttown.ai/internal/scheduler"
	"agenttown.ai/internal/sim/engine"
)

func metricsHandler(worldID string, eng *engine.Engine, runner *agent.Runner, sched *scheduler.Scheduler, idx *indexdb.SQLiteIndex, mirror *r2MirrorRuntime) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		// Minimal Prometheus exposition format.
		if w, err := eng.World(r.Context(), worldID); err == nil {
			active := 0
			if w.Active {
				active = 1
			}
			fmt.Fprintf(rw, "# HELP agenttown_world_active Whether the world engine is running.\n")
			fmt.Fprintf(rw, "# TYPE agenttown_world_active gauge\n")
			fmt.Fprintf(rw, "agenttown_world_active{world=%q} %d\n", worldID, active)

			fmt.Fprintf(rw, "# HELP agenttown_world_generation Engine generation number.\n")
			fmt.Fprintf(rw, "# TYPE agenttown_world_generation gauge\n")
			fmt.Fprintf(rw, "agenttown_world_generation{world=%q} %d\n", worldID, w.Generation)

			fmt.Fprintf(rw, "# HELP agenttown_world_time_ms Simulated world time in milliseconds.\n")
			fmt.Fprintf(rw, "# TYPE agenttown_world_time_ms gauge\n")
			fmt.Fprintf(rw, "agenttown_world_time_ms{world=%q} %.0f\n", worldID, w.CurrentTime)

			fmt.Fprintf(rw, "# HELP agenttown_world_processed_input Last processed input number.\n")
			fmt.Fprintf(rw, "# TYPE agenttown_world_processed_input gauge\n")
			fmt.Fprintf(rw, "agenttown_world_processed_input{world=%q} %d\n", worldID, w.ProcessedInputNumber)
		}

		writeEngineMetrics(rw, worldID, eng.Metrics())
		if runner != nil {
			writeAgentMetrics(rw, worldID, runner.Metrics())
		}
		if sched != nil {
			if n, err := sched.Pending(r.Context()); err == nil {
				fmt.Fprintf(rw, "# HELP agenttown_scheduler_pending_jobs Jobs waiting in the scheduler table.\n")
				fmt.Fprintf(rw, "# TYPE agenttown_scheduler_pending_jobs gauge\n")
				fmt.Fprintf(rw, "agenttown_scheduler_pending_jobs %d\n", n)
			}
		}
		if idx != nil {
			writeIndexMetrics(rw, idx.Stats())
		}
		writeR2MirrorMetrics(rw, mirror)
	}
}

func writeEngineMetrics(w io.Writer, worldID string, m engine.Metrics) {
	fmt.Fprintf(w, "# HELP agenttown_engine_steps_total Engine steps committed.\n")
	fmt.Fprintf(w, "# TYPE agenttown_engine_steps_total counter\n")
	fmt.Fprintf(w, "agenttown_engine_steps_total{world=%q} %d\n", worldID, m.Steps)

	fmt.Fprintf(w, "# HELP agenttown_engine_stale_steps_total Steps skipped for a stale generation.\n")
	fmt.Fprintf(w, "# TYPE agenttown_engine_stale_steps_total counter\n")
	fmt.Fprintf(w, "agenttown_engine_stale_steps_total{world=%q} %d\n", worldID, m.StaleSteps)

	fmt.Fprintf(w, "# HELP agenttown_engine_hot_steps_total Steps scheduled immediately because input was waiting.\n")
	fmt.Fprintf(w, "# TYPE agenttown_engine_hot_steps_total counter\n")
	fmt.Fprintf(w, "agenttown_engine_hot_steps_total{world=%q} %d\n", worldID, m.HotSteps)

	fmt.Fprintf(w, "# HELP agenttown_engine_ticks_total Simulation ticks run.\n")
	fmt.Fprintf(w, "# TYPE agenttown_engine_ticks_total counter\n")
	fmt.Fprintf(w, "agenttown_engine_ticks_total{world=%q} %d\n", worldID, m.Ticks)

	fmt.Fprintf(w, "# HELP agenttown_engine_inputs_total Inputs processed by result.\n")
	fmt.Fprintf(w, "# TYPE agenttown_engine_inputs_total counter\n")
	fmt.Fprintf(w, "agenttown_engine_inputs_total{world=%q,result=%q} %d\n", worldID, "ok", m.InputsProcessed-min(m.InputErrors, m.InputsProcessed))
	fmt.Fprintf(w, "agenttown_engine_inputs_total{world=%q,result=%q} %d\n", worldID, "error", m.InputErrors)

	fmt.Fprintf(w, "# HELP agenttown_engine_step_us Last step duration in microseconds.\n")
	fmt.Fprintf(w, "# TYPE agenttown_engine_step_us gauge\n")
	fmt.Fprintf(w, "agenttown_engine_step_us{world=%q} %d\n", worldID, m.LastStepMicros)
}

func writeAgentMetrics(w io.Writer, worldID string, m agent.Metrics) {
	fmt.Fprintf(w, "# HELP agenttown_agent_live_loops Agent loops currently inside a slice.\n")
	fmt.Fprintf(w, "# TYPE agenttown_agent_live_loops gauge\n")
	fmt.Fprintf(w, "agenttown_agent_live_loops{world=%q} %d\n", worldID, m.LiveLoops)

	fmt.Fprintf(w, "# HELP agenttown_agent_events_total Agent loop counters.\n")
	fmt.Fprintf(w, "# TYPE agenttown_agent_events_total counter\n")
	fmt.Fprintf(w, "agenttown_agent_events_total{world=%q,event=%q} %d\n", worldID, "slice", m.Slices)
	fmt.Fprintf(w, "agenttown_agent_events_total{world=%q,event=%q} %d\n", worldID, "action", m.Actions)
	fmt.Fprintf(w, "agenttown_agent_events_total{world=%q,event=%q} %d\n", worldID, "failure", m.Failures)
	fmt.Fprintf(w, "agenttown_agent_events_total{world=%q,event=%q} %d\n", worldID, "lease_refused", m.LeaseRefusals)
	fmt.Fprintf(w, "agenttown_agent_events_total{world=%q,event=%q} %d\n", worldID, "message", m.Messages)
}

func writeIndexMetrics(w io.Writer, s indexdb.Stats) {
	fmt.Fprintf(w, "# HELP agenttown_index_queue_depth Pending writes in the index queue.\n")
	fmt.Fprintf(w, "# TYPE agenttown_index_queue_depth gauge\n")
	fmt.Fprintf(w, "agenttown_index_queue_depth %d\n", s.QueueDepth)
	fmt.Fprintf(w, "agenttown_index_queue_capacity %d\n", s.QueueCapacity)

	fmt.Fprintf(w, "# HELP agenttown_index_drop_total Index writes dropped on a full queue.\n")
	fmt.Fprintf(w, "# TYPE agenttown_index_drop_total counter\n")
	fmt.Fprintf(w, "agenttown_index_drop_total{kind=%q} %d\n", "step", s.DropStepTotal)
	fmt.Fprintf(w, "agenttown_index_drop_total{kind=%q} %d\n", "audit", s.DropAuditTotal)
	fmt.Fprintf(w, "agenttown_index_drop_total{kind=%q} %d\n", "snapshot", s.DropSnapshotTotal)
}

func writeR2MirrorMetrics(w io.Writer, mirror *r2MirrorRuntime) {
	s, ok := mirror.Stats()
	if !ok {
		return
	}
	fmt.Fprintf(w, "# HELP agenttown_r2_queue_depth Files waiting for upload.\n")
	fmt.Fprintf(w, "# TYPE agenttown_r2_queue_depth gauge\n")
	fmt.Fprintf(w, "agenttown_r2_queue_depth %d\n", s.QueueDepth)
	fmt.Fprintf(w, "agenttown_r2_queue_capacity %d\n", s.QueueCapacity)

	fmt.Fprintf(w, "# HELP agenttown_r2_files_total Mirror file counters.\n")
	fmt.Fprintf(w, "# TYPE agenttown_r2_files_total counter\n")
	fmt.Fprintf(w, "agenttown_r2_files_total{result=%q} %d\n", "enqueued", s.Enqueued)
	fmt.Fprintf(w, "agenttown_r2_files_total{result=%q} %d\n", "dropped", s.Dropped)
	fmt.Fprintf(w, "agenttown_r2_files_total{result=%q} %d\n", "uploaded", s.Uploaded)
	fmt.Fprintf(w, "agenttown_r2_files_total{result=%q} %d\n", "failed", s.Failed)

	fmt.Fprintf(w, "# HELP agenttown_r2_last_success_unix Unix time of the last successful upload.\n")
	fmt.Fprintf(w, "# TYPE agenttown_r2_last_success_unix gauge\n")
	fmt.Fprintf(w, "agenttown_r2_last_success_unix %d\n", s.LastSuccessUnix)
	fmt.Fprintf(w, "agenttown_r2_last_error_unix %d\n", s.LastErrorUnix)
}
