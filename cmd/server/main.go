package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"agenttown.ai/internal/agent"
	"agenttown.ai/internal/llm"
	"agenttown.ai/internal/persistence/archive"
	persistlog "agenttown.ai/internal/persistence/log"
	"agenttown.ai/internal/persistence/snapshot"
	"agenttown.ai/internal/protocol"
	"agenttown.ai/internal/scheduler"
	"agenttown.ai/internal/sim/engine"
	"agenttown.ai/internal/sim/game"
	"agenttown.ai/internal/sim/tuning"
	"agenttown.ai/internal/store"
	"agenttown.ai/internal/transport/observer"
	"agenttown.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		worldID    = flag.String("world", "town", "world id")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		mapPath    = flag.String("map", "", "map json used when the world is created (default: <configs>/map.json, generated when missing)")
		disableDB  = flag.Bool("disable_db", false, "disable the secondary step/audit index")

		snapPath  = flag.String("snapshot", "", "snapshot to import before starting (world must not exist yet)")
		snapEvery = flag.Duration("snapshot_every", 5*time.Minute, "periodic snapshot interval (0 disables)")
		snapKeep  = flag.Int("snapshot_keep", 24, "snapshots kept on disk")

		numAgents  = flag.Int("agents", 0, "create up to N agents from <configs>/agents.yaml if they do not exist")
		geminiKey  = flag.String("gemini_key", "", "Gemini API key (or set GEMINI_API_KEY); scripted replies when empty")
		modelName  = flag.String("model", "", "completion model (default: tuning agent.model)")
		agentCheck = flag.Duration("agent_check", 5*time.Second, "how often to start loops for newly created agents")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	_ = os.MkdirAll(worldDir, 0o755)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}
	if *modelName != "" {
		tune.Agent.Model = *modelName
	}

	st, err := store.Open(filepath.Join(*dataDir, "town.db"))
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if p := strings.TrimSpace(*snapPath); p != "" {
		snap, err := snapshot.ReadSnapshot(p)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		if err := snapshot.Import(ctx, st, snap, *worldID); err != nil {
			logger.Fatalf("import snapshot: %v", err)
		}
		logger.Printf("imported snapshot=%s gen=%d time=%.0f", filepath.Base(p), snap.Header.Generation, snap.Header.WorldTime)
	}

	schemas, err := protocol.LoadSchemas()
	if err != nil {
		logger.Fatalf("load schemas: %v", err)
	}

	idx, err := openRuntimeIndex(worldDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
	}

	mirror, err := buildR2MirrorRuntime(*dataDir, logger)
	if err != nil {
		logger.Fatalf("init r2 mirror: %v", err)
	}
	defer mirror.Close()

	stepLog := persistlog.NewStepLogger(worldDir)
	defer stepLog.Close()
	auditLog := persistlog.NewAuditLogger(worldDir)
	defer auditLog.Close()
	sinks := engine.Sinks{stepLog}
	audits := multiAuditLogger{auditLog}
	if idx != nil {
		sinks = append(sinks, idx)
		audits = append(audits, idx)
	}

	sched := scheduler.New(st, log.New(os.Stdout, "[sched] ", log.LstdFlags|log.Lmicroseconds), scheduler.Config{})
	eng := engine.New(st, tune, engine.Options{
		Logger:    log.New(os.Stdout, "[engine] ", log.LstdFlags|log.Lmicroseconds),
		Scheduler: sched,
		Validator: schemas,
		Sink:      sinks,
	})

	gen, err := startWorld(ctx, eng, *worldID, *mapPath, *configDir, tune)
	if err != nil {
		logger.Fatalf("start world: %v", err)
	}
	logger.Printf("world %s running at generation %d", *worldID, gen)

	completer := buildCompleter(ctx, *geminiKey, tune.Agent.Model, logger)
	runner := agent.NewRunner(eng, agent.Options{
		Logger:    log.New(os.Stdout, "[agent] ", log.LstdFlags|log.Lmicroseconds),
		Scheduler: sched,
		Completer: completer,
	})

	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("scheduler stopped: %v", err)
		}
	}()

	if *numAgents > 0 {
		defs, err := loadAgentDefs(filepath.Join(*configDir, "agents.yaml"))
		if err != nil {
			logger.Fatalf("load agents: %v", err)
		}
		n, err := seedAgents(ctx, eng, *worldID, defs, *numAgents)
		if err != nil {
			logger.Fatalf("create agents: %v", err)
		}
		if n > 0 {
			logger.Printf("created %d agents", n)
		}
	}
	if n, err := runner.StartAll(ctx, *worldID); err != nil {
		logger.Fatalf("start agents: %v", err)
	} else {
		logger.Printf("started %d agent loops", n)
	}
	go watchNewAgents(ctx, runner, *worldID, *agentCheck, logger)

	arch := archive.New(st, *worldID, worldDir, log.New(os.Stdout, "[snapshot] ", log.LstdFlags|log.Lmicroseconds))
	arch.Keep = *snapKeep
	if mirror.enabled {
		arch.Uploader = mirror
	}
	if idx != nil {
		arch.Index = idx
	}
	archDone := make(chan struct{})
	if *snapEvery > 0 {
		go func() {
			defer close(archDone)
			arch.Run(ctx, *snapEvery)
		}()
	} else {
		close(archDone)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(*worldID, eng, runner, sched, idx, mirror))
	mux.HandleFunc("/v1/ws", ws.NewServer(eng, schemas, *worldID, logger).Handler())

	enableAdminHTTP := envBool("AT_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	if enableAdminHTTP {
		adm := &adminHandlers{worldID: *worldID, eng: eng, runner: runner, archiver: arch, audit: audits, logger: logger}
		adm.register(mux)
		obsSrv := observer.NewServer(eng, *worldID, logger)
		mux.HandleFunc("/admin/v1/observer/bootstrap", obsSrv.BootstrapHandler())
		mux.HandleFunc("/admin/v1/observer/ws", obsSrv.WSHandler())
	} else {
		logger.Printf("admin endpoints disabled (AT_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("AT_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
	select {
	case <-archDone:
	case <-time.After(10 * time.Second):
		logger.Printf("final snapshot did not finish in time")
	}
}

// startWorld activates the world, creating it from a map on first run. A
// world that already exists keeps its stored map.
func startWorld(ctx context.Context, eng *engine.Engine, worldID, mapPath, configDir string, tune tuning.Tuning) (int64, error) {
	exists := true
	if _, err := eng.World(ctx, worldID); errors.Is(err, store.ErrNotFound) {
		exists = false
	} else if err != nil {
		return 0, err
	}
	var m *game.WorldMap
	if !exists {
		if m, err = loadMap(mapPath, configDir, tune); err != nil {
			return 0, err
		}
	}
	return eng.StartWorld(ctx, worldID, m)
}

func loadMap(mapPath, configDir string, tune tuning.Tuning) (*game.WorldMap, error) {
	if strings.TrimSpace(mapPath) != "" {
		return game.LoadMap(mapPath)
	}
	def := filepath.Join(configDir, "map.json")
	if _, err := os.Stat(def); err == nil {
		return game.LoadMap(def)
	}
	return game.GenerateMap(tune.Map)
}

func buildCompleter(ctx context.Context, key, model string, logger *log.Logger) llm.Completer {
	if key == "" {
		key = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	}
	if key != "" {
		g, err := llm.NewGemini(ctx, key, model)
		if err == nil {
			logger.Printf("agents talk through %s", model)
			return g
		}
		logger.Printf("gemini unavailable, using scripted replies: %v", err)
	} else {
		logger.Printf("GEMINI_API_KEY not set; agents use scripted replies")
	}
	return llm.NewScripted(
		"Hello there! Lovely weather today.",
		"I was just thinking about the same thing.",
		"Tell me more about yourself.",
		"It was nice talking to you, see you around.",
	)
}

func watchNewAgents(ctx context.Context, r *agent.Runner, worldID string, every time.Duration, logger *log.Logger) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := r.StartMissing(ctx, worldID)
			if err != nil && ctx.Err() == nil {
				logger.Printf("start new agents: %v", err)
			} else if n > 0 {
				logger.Printf("started %d new agent loops", n)
			}
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

type multiAuditLogger []interface {
	WriteAudit(persistlog.AuditEntry) error
}

func (m multiAuditLogger) WriteAudit(e persistlog.AuditEntry) error {
	if e.Ts == 0 {
		e.Ts = time.Now().UnixMilli()
	}
	var errs []error
	for _, l := range m {
		if err := l.WriteAudit(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
