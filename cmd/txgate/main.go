// Command txgate runs safety-gated RF capture/replay workflows against the
// simulated radio. Subcommands:
//
//	txgate run      — run one interactive (or auto-driven dry-run) workflow
//	txgate validate — validate a run-config file against the schema
//	txgate schedule — run recurring dry-run observations on a cron schedule
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/halcyonrf/txgate/internal/audit"
	"github.com/halcyonrf/txgate/internal/engine"
	"github.com/halcyonrf/txgate/internal/hardware"
	"github.com/halcyonrf/txgate/internal/logging"
	"github.com/halcyonrf/txgate/internal/scheduler"
	"github.com/halcyonrf/txgate/internal/store"
	"github.com/halcyonrf/txgate/internal/validation"
	"github.com/halcyonrf/txgate/pkg/schema"
)

func main() {
	cmd := "run"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = runCmd(args)
	case "validate":
		err = validateCmd(args)
	case "schedule":
		err = scheduleCmd(args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: txgate [run|validate|schedule] [flags]

run flags:
  -config path    run-config JSON file (defaults used when omitted)
  -dry-run        force dry-run regardless of the config file
  -auto           drive the run automatically (forces dry-run)
  -seed n         enqueue n synthetic pulse frames on the simulator
  -export fmt     export the audit trail after the run: json or csv
  -jq expr        filter the JSON export with a jq expression
  -out path       export destination (stdout when omitted)

validate flags:
  -config path    run-config JSON file (required)

schedule flags:
  -config path    run-config JSON file (defaults used when omitted)
  -cron expr      cron schedule, 5-field (required)
`)
}

func newLogger(cfg Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}

func loadRunConfig(path string) (schema.RunConfig, error) {
	if path == "" {
		return schema.DefaultRunConfig(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return schema.RunConfig{}, fmt.Errorf("read run config: %w", err)
	}
	validator, err := validation.NewRunConfigValidator()
	if err != nil {
		return schema.RunConfig{}, err
	}
	return validator.ValidateAndParse(raw)
}

// runSink creates the run row lazily before the first persisted event, since
// events carry a foreign key to runs.
type runSink struct {
	store  *store.Store
	band   schema.RFBand
	dryRun bool

	mu      sync.Mutex
	created map[string]struct{}
}

func newRunSink(st *store.Store, band schema.RFBand, dryRun bool) *runSink {
	return &runSink{store: st, band: band, dryRun: dryRun, created: make(map[string]struct{})}
}

func (s *runSink) Persist(ctx context.Context, runID string, entry audit.Entry) error {
	if runID == "" {
		return nil
	}
	s.mu.Lock()
	if _, ok := s.created[runID]; !ok {
		if err := s.store.CreateRun(ctx, &store.Run{ID: runID, Band: s.band, DryRun: s.dryRun}); err != nil {
			s.mu.Unlock()
			return err
		}
		s.created[runID] = struct{}{}
	}
	s.mu.Unlock()
	return s.store.Persist(ctx, runID, entry)
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "run-config JSON file")
	dryRun := fs.Bool("dry-run", false, "force dry-run")
	auto := fs.Bool("auto", false, "drive the run automatically (forces dry-run)")
	seed := fs.Int("seed", 8, "synthetic pulse frames to enqueue on the simulator")
	exportFmt := fs.String("export", "", "export format after the run: json or csv")
	jqExpr := fs.String("jq", "", "jq expression applied to the JSON export")
	outPath := fs.String("out", "", "export destination (stdout when omitted)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := loadConfig()
	logger := newLogger(cfg)

	runCfg, err := loadRunConfig(*configPath)
	if err != nil {
		return err
	}
	if *dryRun || *auto {
		// Auto-driven runs never reach the radio.
		runCfg.DryRun = true
	}

	clock := clockwork.NewRealClock()
	radio := hardware.NewSimulator(runCfg.Band, clock)
	seedSimulator(radio, runCfg.Band, *seed)

	opts := []engine.Option{engine.WithLogger(logger)}
	var st *store.Store
	if cfg.Persist {
		st, err = store.New("file:" + cfg.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(context.Background()); err != nil {
			return err
		}
		opts = append(opts, engine.WithAuditSink(newRunSink(st, runCfg.Band, runCfg.DryRun)))
	}

	eng := engine.New(runCfg, radio, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Warn("interrupt received, aborting run")
		eng.Abort()
	}()

	if err := eng.Initialize(ctx); err != nil {
		return err
	}
	logger.Info("workflow started",
		slog.String("run_id", eng.RunID()),
		slog.String("band", string(runCfg.Band)),
		slog.Bool("dry_run", runCfg.DryRun),
	)

	if *auto {
		go autoDrive(eng, runCfg, clock)
	} else {
		go commandLoop(eng, logger)
	}

	runErr := eng.Run(ctx)

	if st != nil && eng.RunID() != "" {
		if err := st.CompleteRun(context.Background(), eng.RunID()); err != nil {
			logger.Warn("failed to complete run record", slog.String("error", err.Error()))
		}
	}

	if err := exportTrail(eng.AuditLog(), *exportFmt, *jqExpr, *outPath); err != nil {
		return err
	}
	return runErr
}

// seedSimulator enqueues synthetic traffic so a simulator run has something
// to capture.
func seedSimulator(radio *hardware.Simulator, band schema.RFBand, n int) {
	for i := 0; i < n; i++ {
		if band == schema.Band24GHz {
			radio.Enqueue(hardware.PacketRecord(2440.0, int16(-50-i), "a1:b2:c3", []byte{0x01, 0x02, byte(i)}))
			continue
		}
		radio.Enqueue(hardware.PulseRecord(433.92, int16(-40-i), 350, 1050, 350, 1050, 350))
	}
}

// autoDrive steps a dry-run through analysis, selection, and confirmation
// without operator input.
func autoDrive(eng *engine.Engine, cfg schema.RunConfig, clock clockwork.Clock) {
	triggered := false
	start := clock.Now()
	for {
		switch eng.State() {
		case schema.StateIdle:
			return
		case schema.StateListening:
			if !triggered && clock.Now().Sub(start) >= cfg.ListenMin {
				eng.TriggerAnalysis()
				triggered = true
			}
		case schema.StateReady:
			if err := eng.SelectSignal(0); err != nil {
				eng.Abort()
			}
		case schema.StateTxGated:
			eng.Confirm()
		}
		clock.Sleep(engine.TickInterval)
	}
}

// commandLoop reads operator commands from stdin until the run finishes.
func commandLoop(eng *engine.Engine, logger *slog.Logger) {
	fmt.Println("commands: analyze | select <n> | confirm | cancel | continue | status | abort")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "analyze":
			eng.TriggerAnalysis()
		case "select":
			if len(fields) < 2 {
				fmt.Println("usage: select <index>")
				continue
			}
			idx, err := strconv.Atoi(fields[1])
			if err != nil {
				fmt.Println("usage: select <index>")
				continue
			}
			if err := eng.SelectSignal(idx); err != nil {
				fmt.Println("select failed:", err)
			}
		case "confirm":
			eng.Confirm()
		case "cancel":
			eng.Cancel()
		case "continue":
			eng.ContinueObservation()
		case "status":
			printStatus(eng)
		case "abort":
			eng.Abort()
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("stdin read failed", slog.String("error", err.Error()))
	}
}

func printStatus(eng *engine.Engine) {
	fmt.Printf("state=%s run_id=%s errors=%d elapsed=%s\n",
		eng.State(), eng.RunID(), eng.ErrorCount(), eng.TimeInState().Round(time.Millisecond))
	if res := eng.Result(); res != nil {
		fmt.Printf("analysis: %d signals (%d valid), %d unique patterns, avg rssi %.1f\n",
			res.SignalCount, res.ValidSignalCount, res.UniquePatterns, res.AvgRSSI)
		if res.Summary != "" {
			fmt.Println(res.Summary)
		}
	}
}

func exportTrail(log *audit.Log, format, jqExpr, outPath string) error {
	if format == "" {
		return nil
	}
	var (
		out []byte
		err error
	)
	switch format {
	case "json":
		if jqExpr != "" {
			out, err = log.ExportJSONFiltered(jqExpr)
		} else {
			out, err = log.ExportJSON()
		}
	case "csv":
		out, err = log.ExportCSV()
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
	if err != nil {
		return err
	}
	if outPath == "" {
		_, err = os.Stdout.Write(append(out, '\n'))
		return err
	}
	return os.WriteFile(outPath, out, 0o644)
}

func validateCmd(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "", "run-config JSON file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return fmt.Errorf("validate: -config is required")
	}

	raw, err := os.ReadFile(*configPath)
	if err != nil {
		return fmt.Errorf("read run config: %w", err)
	}
	validator, err := validation.NewRunConfigValidator()
	if err != nil {
		return err
	}
	if err := validator.Validate(raw); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

// supervisor launches one auto-driven dry-run observation per scheduler fire.
type supervisor struct {
	logger *slog.Logger
	clock  clockwork.Clock
	seed   int
}

func (s *supervisor) StartObservation(ctx context.Context, cfg schema.RunConfig) error {
	radio := hardware.NewSimulator(cfg.Band, s.clock)
	seedSimulator(radio, cfg.Band, s.seed)

	eng := engine.New(cfg, radio, engine.WithLogger(s.logger), engine.WithClock(s.clock))
	if err := eng.Initialize(ctx); err != nil {
		return err
	}

	go func() {
		s.clock.Sleep(cfg.ListenMin)
		eng.TriggerAnalysis()
	}()

	// Observation only: the run ends through the Ready timeout funnel.
	return eng.Run(ctx)
}

func scheduleCmd(args []string) error {
	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	configPath := fs.String("config", "", "run-config JSON file")
	cronExpr := fs.String("cron", "", "cron schedule (5-field)")
	seed := fs.Int("seed", 8, "synthetic pulse frames per scheduled run")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *cronExpr == "" {
		return fmt.Errorf("schedule: -cron is required")
	}

	cfg := loadConfig()
	logger := newLogger(cfg)

	runCfg, err := loadRunConfig(*configPath)
	if err != nil {
		return err
	}

	clock := clockwork.NewRealClock()
	sched := scheduler.New(&supervisor{logger: logger, clock: clock, seed: *seed}, clock, logger)
	if err := sched.AddJob("observation", *cronExpr, runCfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		return err
	}
	logger.Info("scheduler running", slog.String("cron", *cronExpr))
	<-ctx.Done()

	// Give an in-flight observation a moment to funnel through cleanup.
	time.Sleep(100 * time.Millisecond)
	return sched.Stop()
}
