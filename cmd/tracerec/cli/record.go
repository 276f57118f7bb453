package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/majorcontext/tracerec/internal/config"
	"github.com/majorcontext/tracerec/internal/id"
	"github.com/majorcontext/tracerec/internal/inst"
	"github.com/majorcontext/tracerec/internal/log"
	"github.com/majorcontext/tracerec/internal/ptrace"
	"github.com/majorcontext/tracerec/internal/record"
	"github.com/majorcontext/tracerec/internal/storage"
	"github.com/majorcontext/tracerec/internal/syscalls"
	"github.com/majorcontext/tracerec/internal/trace"
	"github.com/majorcontext/tracerec/internal/ui"
)

// reapTimeout bounds how long the exit status of the root process is
// awaited once every thread has been released.
const reapTimeout = 5 * time.Second

var recordFlags struct {
	store       string
	singleStep  bool
	slicePolls  int
	metricsAddr string
	timingTraps bool
}

var recordCmd = &cobra.Command{
	Use:   "record [flags] -- <command> [args...]",
	Short: "Record a program",
	Long: `Run a program under ptrace and record it into a new session.

Every thread of the program, including threads of forked children, is
driven by the recorder. The session is written to
~/.tracerec/sessions/<id>/ and can be inspected with 'tracerec show'.

Examples:
  tracerec record -- ls -l
  tracerec record --store sqlite --metrics-addr :9464 -- ./server`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRecord,
}

func init() {
	rootCmd.AddCommand(recordCmd)

	f := recordCmd.Flags()
	f.StringVar(&recordFlags.store, "store", "", "event store backend: json or sqlite (default from config)")
	f.BoolVar(&recordFlags.singleStep, "single-step", false, "single-step user code between syscalls")
	f.IntVar(&recordFlags.slicePolls, "slice-polls", 0, "not-ready polls before a running thread is preempted (0 disables)")
	f.StringVar(&recordFlags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while recording")
	f.BoolVar(&recordFlags.timingTraps, "timing-traps", true, "make rdtsc and rdtscp fault so they are recorded")
}

// applyRecordFlags overrides cfg with the flags the user actually set.
func applyRecordFlags(cfg *config.GlobalConfig, flags *pflag.FlagSet) error {
	if flags.Changed("store") {
		cfg.Store.Backend = recordFlags.store
	}
	if flags.Changed("single-step") {
		cfg.Record.SingleStep = recordFlags.singleStep
	}
	if flags.Changed("slice-polls") {
		cfg.Record.SlicePolls = recordFlags.slicePolls
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = recordFlags.metricsAddr
	}
	if flags.Changed("timing-traps") {
		cfg.Record.TimingTraps = recordFlags.timingTraps
	}
	return cfg.Validate()
}

// schedulerConfig maps the record settings onto a scheduler configuration.
// Control, Sink and the handlers are filled in by the session.
func schedulerConfig(rc config.RecordConfig) record.Config {
	return record.Config{
		SchedSignal: unix.Signal(rc.SchedSignal),
		SliceBudget: rc.SlicePolls,
		IdleBackoff: rc.IdleBackoff,
		SingleStep:  rc.SingleStep,
		StepLimit:   rc.StepLimit,
	}
}

func runRecord(cmd *cobra.Command, args []string) error {
	cfg := *globalCfg
	if err := applyRecordFlags(&cfg, cmd.Flags()); err != nil {
		return err
	}

	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	sessionID := id.Generate(id.SessionPrefix)
	ss, err := storage.NewSessionStore(cfg.SessionsDir(), sessionID)
	if err != nil {
		return err
	}
	log.SetSession(sessionID)
	defer log.ClearSession()

	meta := storage.Metadata{
		ID:        sessionID,
		TraceID:   uuid.NewString(),
		Command:   args,
		Dir:       wd,
		Backend:   cfg.Store.Backend,
		CreatedAt: time.Now(),
	}
	if err := ss.SaveMetadata(meta); err != nil {
		return err
	}
	ui.Infof("Recording %s into %s", ui.Bold(sessionID), ss.Dir())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	metrics := record.NewMetrics(reg)

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		defer close(done)
		return recordSession(gctx, &cfg, &meta, ss, metrics)
	})

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsHandler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("serving metrics", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-done:
			case <-gctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	printSessionResult(meta, err)
	return err
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

// recordSession launches the program and drives it to completion. ptrace
// requests must come from the thread that attached, so the whole session
// runs on one locked OS thread.
func recordSession(ctx context.Context, cfg *config.GlobalConfig, meta *storage.Metadata, ss *storage.SessionStore, metrics *record.Metrics) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	tracer, err := ptrace.New()
	if err != nil {
		return err
	}
	proc, err := ptrace.Launch(ptrace.LaunchConfig{
		Argv:        meta.Command,
		Dir:         meta.Dir,
		Stdin:       os.Stdin,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		TimingTraps: cfg.Record.TimingTraps,
	})
	if err != nil {
		return err
	}

	tmeta := trace.Metadata{
		TraceID:     meta.TraceID,
		SessionID:   meta.ID,
		Timestamp:   time.Now(),
		Command:     meta.Command,
		Arch:        runtime.GOARCH,
		SchedSignal: cfg.Record.SchedSignal,
		SingleStep:  cfg.Record.SingleStep,
		TimingTraps: cfg.Record.TimingTraps,
	}

	var w trace.EventWriter
	if cfg.Store.Backend == config.StoreSQLite {
		st, err := openEventStore(ss.TracePath(cfg.Store.Backend), tmeta)
		if err != nil {
			_ = proc.Kill()
			return err
		}
		w = st
	}
	rec := trace.NewRecorder(tmeta, w)

	capture := syscalls.NewHandler(tracer)
	if cfg.Record.MaxCapture > 0 {
		capture.MaxCapture = cfg.Record.MaxCapture
	}

	sc := schedulerConfig(cfg.Record)
	sc.Control = tracer
	sc.Sink = rec
	sc.Syscalls = capture
	sc.Decoder = inst.NewDecoder(tracer)
	sc.Metrics = metrics
	sched := record.New(sc)

	meta.StartedAt = time.Now()
	var runErr error
	if _, err := sched.AddRoot(proc.Pid); err != nil {
		runErr = err
	} else {
		runErr = sched.Run(ctx)
	}
	meta.StoppedAt = time.Now()

	if runErr != nil {
		log.Warn("killing recorded program", "pid", proc.Pid, "error", runErr)
		_ = proc.Kill()
	}
	code, reapErr := proc.Reap(reapTimeout)
	if reapErr != nil {
		log.Warn("reaping recorded program", "pid", proc.Pid, "error", reapErr)
	}

	var saveErr error
	if w == nil {
		saveErr = rec.Save(ss.TracePath(cfg.Store.Backend))
	}
	closeErr := rec.Close()

	meta.Threads = sched.Registered()
	meta.Events = rec.Len()
	if code >= 0 {
		meta.ExitCode = &code
	}
	if runErr != nil {
		meta.Error = runErr.Error()
	}
	metaErr := ss.SaveMetadata(*meta)

	return errors.Join(runErr, saveErr, closeErr, metaErr)
}

// openEventStore opens the SQLite event store at path and writes m into it.
// The store is closed again when m cannot be written.
func openEventStore(path string, m trace.Metadata) (*trace.Store, error) {
	st, err := trace.OpenStore(path)
	if err != nil {
		return nil, err
	}
	if err := st.SaveMetadata(m); err != nil {
		return nil, errors.Join(fmt.Errorf("saving trace metadata: %w", err), st.Close())
	}
	return st, nil
}

func printSessionResult(meta storage.Metadata, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		ui.Warnf("recording of %s interrupted after %d events", meta.ID, meta.Events)
	case err != nil:
		ui.Errorf("recording of %s failed: %v", meta.ID, err)
	default:
		exit := "unknown"
		if meta.ExitCode != nil {
			exit = fmt.Sprint(*meta.ExitCode)
		}
		ui.Infof("%s recorded %d events from %d threads in %s (exit %s)",
			ui.OKTag(), meta.Events, meta.Threads, meta.Duration().Round(time.Millisecond), exit)
	}
}
