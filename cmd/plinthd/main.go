// plinthd is the Plinth host runtime daemon. It activates the module set
// described by the host profile and dispatches extension-point calls into
// sandboxed modules.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/plinthworks/plinth/pkg/boundary"
	"github.com/plinthworks/plinth/pkg/cache"
	"github.com/plinthworks/plinth/pkg/config"
	"github.com/plinthworks/plinth/pkg/dispatch"
	"github.com/plinthworks/plinth/pkg/hostcall"
	"github.com/plinthworks/plinth/pkg/identity"
	"github.com/plinthworks/plinth/pkg/kvstore"
	"github.com/plinthworks/plinth/pkg/manifest"
	"github.com/plinthworks/plinth/pkg/observability"
	"github.com/plinthworks/plinth/pkg/resolver"
	"github.com/plinthworks/plinth/pkg/runtime"
	"github.com/plinthworks/plinth/pkg/storage"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stderr)
	}
	switch args[1] {
	case "serve":
		return runServe(stderr)
	case "validate":
		return runValidate(args[2:], stdout, stderr)
	case "dispatch":
		return runDispatch(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: plinthd [command]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve      Activate the module set and run until interrupted (default)")
	fmt.Fprintln(w, "  validate   Parse manifests and print the resolved activation order")
	fmt.Fprintln(w, "  dispatch   Run one extension-point dispatch and print the result")
	fmt.Fprintln(w, "  help       Show this help")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runServe(stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "plinthd",
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     true,
	})
	if err != nil {
		fmt.Fprintf(stderr, "observability: %v\n", err)
		return 1
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutCtx)
	}()

	host, cleanup, err := buildHost(ctx, cfg, logger, obs)
	if err != nil {
		fmt.Fprintf(stderr, "startup: %v\n", err)
		return 1
	}
	defer cleanup()

	logger.Info("plinthd running",
		"modules", host.Order(),
		"points", host.Registry().Points(),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := host.Close(shutCtx); err != nil {
		logger.Error("runtime close failed", "error", err)
		return 1
	}
	return 0
}

// buildHost wires the capability backends and activates the module set.
func buildHost(ctx context.Context, cfg *config.Config, logger *slog.Logger, obs *observability.Provider) (*runtime.Host, func(), error) {
	prof, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return nil, nil, err
	}

	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	kv, err := kvstore.New(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrate kv store: %w", err)
	}

	redisClient := cache.NewClient(cfg.RedisAddr, "", 0)

	services := hostcall.Services{
		Store:         storage.NewStore(db),
		Cache:         cache.New(redisClient, "plinth"),
		KV:            kv,
		Logger:        logger,
		RatePerSecond: prof.HostCall.RatePerSecond,
		RateBurst:     prof.HostCall.RateBurst,
	}

	hostOpts := runtime.HostOptions{
		Profile:  prof,
		Services: services,
		Logger:   logger,
	}
	if obs != nil {
		hostOpts.DispatchOptions = append(hostOpts.DispatchOptions, dispatch.WithObservability(obs))
	}
	host, err := runtime.NewHost(ctx, hostOpts)
	if err != nil {
		_ = db.Close()
		_ = redisClient.Close()
		return nil, nil, err
	}

	cleanup := func() {
		_ = redisClient.Close()
		_ = db.Close()
	}
	return host, cleanup, nil
}

func runValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	profilePath := fs.String("profile", config.Load().ProfilePath, "host profile path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := newLogger("WARN")
	prof, err := config.LoadProfile(*profilePath)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	manifests, available, err := manifest.ScanDir(prof.ModulesDir, logger)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	enabled := prof.Enabled
	if len(enabled) == 0 {
		enabled = available
	}
	order, err := resolver.Resolve(enabled, manifests)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "%d module(s), activation order:\n", len(order))
	for i, name := range order {
		m := manifests[name]
		fmt.Fprintf(stdout, "  %d. %s %s", i+1, m.Name, m.Version)
		if len(m.Dependencies) > 0 {
			fmt.Fprintf(stdout, " (after %s)", strings.Join(m.Dependencies, ", "))
		}
		fmt.Fprintln(stdout)
	}
	return 0
}

func runDispatch(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("dispatch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	profilePath := fs.String("profile", config.Load().ProfilePath, "host profile path")
	point := fs.String("point", "", "extension point to dispatch")
	mode := fs.String("mode", "collect", "aggregation discipline: collect, alter, or vote")
	recordJSON := fs.String("record", "{}", "subject record as JSON")
	token := fs.String("token", "", "bearer token to act as; empty means anonymous")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *point == "" {
		fmt.Fprintln(stderr, "dispatch: -point is required")
		return 2
	}

	cfg := config.Load()
	cfg.ProfilePath = *profilePath
	logger := newLogger("WARN")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	subject := identity.Anonymous
	if *token != "" {
		tm := identity.NewTokenManager([]byte(cfg.JWTKey), cfg.JWTIssuer)
		resolved, err := tm.Resolve(*token)
		if err != nil {
			fmt.Fprintf(stderr, "token: %v\n", err)
			return 1
		}
		subject = resolved
	}

	host, cleanup, err := buildHost(ctx, cfg, logger, nil)
	if err != nil {
		fmt.Fprintf(stderr, "startup: %v\n", err)
		return 1
	}
	defer cleanup()
	defer host.Close(ctx)

	req := host.NewRequest(subject)
	defer req.Close(ctx)

	record := json.RawMessage(*recordJSON)
	payload := &boundary.Payload{Record: record}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	switch *mode {
	case "collect":
		out, failures, err := host.Dispatcher().Collect(ctx, req, *point, payload)
		if err != nil {
			fmt.Fprintf(stderr, "dispatch: %v\n", err)
			return 1
		}
		reportFailures(stderr, failures)
		return encodeOr(enc, stderr, out)
	case "alter":
		final, failures, err := host.Dispatcher().Alter(ctx, req, *point, record, nil)
		if err != nil {
			fmt.Fprintf(stderr, "dispatch: %v\n", err)
			return 1
		}
		reportFailures(stderr, failures)
		return encodeOr(enc, stderr, json.RawMessage(final))
	case "vote":
		dec := host.Dispatcher().Vote(ctx, req, *point, subject, payload)
		reportFailures(stderr, dec.Failures)
		return encodeOr(enc, stderr, map[string]any{
			"allowed":    dec.Allowed,
			"decided_by": dec.DecidedBy,
			"reason":     dec.Reason,
		})
	default:
		fmt.Fprintf(stderr, "dispatch: unknown mode %q\n", *mode)
		return 2
	}
}

func reportFailures(stderr io.Writer, failures []dispatch.Failure) {
	for _, f := range failures {
		fmt.Fprintf(stderr, "warning: %s\n", f.Error())
	}
}

func encodeOr(enc *json.Encoder, stderr io.Writer, v any) int {
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(stderr, "encode: %v\n", err)
		return 1
	}
	return 0
}
