// Hostbridge answers a natural-language question by letting a model use
// the capabilities of an MCP Tool Provider, with the host mediating
// every exchange.
//
// Usage:
//
//	hostbridge [flags] [query]
//
// With no query the configured default_query is asked. The final answer
// is written to stdout; logs and the -v summary go to stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/hostbridge/examples"
	"github.com/nugget/hostbridge/internal/buildinfo"
	"github.com/nugget/hostbridge/internal/config"
	"github.com/nugget/hostbridge/internal/events"
	"github.com/nugget/hostbridge/internal/host"
	"github.com/nugget/hostbridge/internal/llm"
	"github.com/nugget/hostbridge/internal/mcp"
	"github.com/nugget/hostbridge/internal/telemetry"
	"github.com/nugget/hostbridge/internal/usage"
)

// main constructs the OS-level environment and delegates to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		stop()
		os.Exit(1)
	}
}

// options are the parsed command-line arguments.
type options struct {
	configPath    string
	inspect       bool
	verbose       bool
	exampleConfig bool
	usageReport   bool
	query         string
}

// parseArgs parses args by hand. The flag package relies on
// package-level globals, which keeps run from being called concurrently
// in tests.
func parseArgs(args []string) (opts options, help bool, version bool, err error) {
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-inspect" || args[i] == "--inspect":
			opts.inspect = true
		case args[i] == "-v" || args[i] == "-verbose" || args[i] == "--verbose":
			opts.verbose = true
		case args[i] == "-example-config":
			opts.exampleConfig = true
		case args[i] == "-usage" || args[i] == "--usage":
			opts.usageReport = true
		case args[i] == "-version" || args[i] == "--version":
			version = true
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			help = true
		case args[i] == "--":
			words = append(words, args[i+1:]...)
			i = len(args)
		case strings.HasPrefix(args[i], "-") && args[i] != "-":
			return opts, false, false, fmt.Errorf("unknown flag: %s", args[i])
		default:
			words = append(words, args[i])
		}
	}
	opts.query = strings.Join(words, " ")
	return opts, help, version, nil
}

// run is the real entry point. It returns nil when an answer was
// printed and an error for any failure.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	opts, help, version, err := parseArgs(args)
	if err != nil {
		return err
	}
	if help {
		return printUsage(stdout)
	}
	if version {
		fmt.Fprintln(stdout, buildinfo.String())
		if opts.verbose {
			info := buildinfo.BuildInfo()
			for _, k := range slices.Sorted(maps.Keys(info)) {
				fmt.Fprintf(stdout, "  %-11s %s\n", k+":", info[k])
			}
		}
		return nil
	}
	if opts.exampleConfig {
		_, err := stdout.Write(examples.ConfigYAML)
		return err
	}

	loaded, err := config.LoadEnvFiles(config.DefaultEnvFiles...)
	if err != nil {
		return err
	}

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.inspect {
		cfg.Inspect = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if opts.usageReport {
		return reportUsage(ctx, stdout, cfg, time.Now())
	}
	if err := cfg.ResolveAPIKey(); err != nil {
		return err
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	if opts.verbose && level > slog.LevelDebug {
		level = slog.LevelDebug
	}
	if cfg.Inspect && level > config.LevelTrace {
		level = config.LevelTrace
	}
	logger := config.NewLogger(stderr, level, cfg.LogFormat)
	logger.Debug("starting", "build", buildinfo.BuildInfo(), "config", cfgPath, "env_files", loaded)

	query := opts.query
	if query == "" {
		query = cfg.DefaultQuery
	}

	bus := events.New()

	providers, err := telemetry.Setup(ctx, cfg.Telemetry, nil)
	if err != nil {
		return err
	}
	handlers, err := providers.Handlers()
	if err != nil {
		return err
	}
	detach := telemetry.Attach(bus, handlers...)
	defer func() {
		detach()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	transport := newTransport(cfg, logger, bus)
	session := mcp.NewSession(transport, mcp.SessionOptions{
		Name:           cfg.Provider.Name,
		RequestTimeout: cfg.Provider.RequestTimeout,
		Logger:         logger,
		Bus:            bus,
	})
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("failed to close tool provider session", "error", err)
		}
	}()

	gateway := llm.NewAnthropicClient(llm.AnthropicConfig{
		APIKey:  cfg.Anthropic.APIKey,
		Model:   cfg.Anthropic.Model,
		BaseURL: cfg.Anthropic.BaseURL,
	}, logger)

	hostOpts := host.Options{
		Model:     cfg.Anthropic.Model,
		Provider:  "anthropic",
		MaxTokens: cfg.Anthropic.MaxTokens,
		Include:   cfg.Provider.Include,
		Exclude:   cfg.Provider.Exclude,
		Logger:    logger,
		Bus:       bus,
	}

	var store *usage.Store
	if path := cfg.UsageDBPath(); path != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		store, err = usage.Open(path, cfg.Pricing)
		if err != nil {
			return err
		}
		defer store.Close()
		hostOpts.Usage = store
	}

	res, err := host.New(session, gateway, hostOpts).Run(ctx, query)
	if err != nil {
		return describeFailure(err)
	}

	fmt.Fprintln(stdout, res.Answer)

	if opts.verbose {
		printSummary(ctx, stderr, res, store, logger)
	}
	return nil
}

// loadConfig reads the config file, falling back to built-in defaults
// when none is found on the search path.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if errors.Is(err, config.ErrNoConfig) {
		return config.Default(), "(defaults)", nil
	}
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// newTransport selects the HTTP transport when a URL is configured and
// otherwise launches the provider command over stdio.
func newTransport(cfg *config.Config, logger *slog.Logger, bus *events.Bus) mcp.Transport {
	var t mcp.Transport
	if cfg.Provider.URL != "" {
		t = mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     cfg.Provider.URL,
			Headers: cfg.Provider.Headers,
			Logger:  logger,
		})
	} else {
		t = mcp.NewStdioTransport(mcp.StdioConfig{
			Command: cfg.Provider.Command,
			Args:    cfg.Provider.Args,
			Env:     cfg.Provider.Env,
			Logger:  logger,
		})
	}
	if cfg.Inspect {
		t = mcp.NewInspectingTransport(t, mcp.InspectOptions{Logger: logger, Bus: bus})
	}
	return t
}

// describeFailure adds the failing step to the error shown to the user.
func describeFailure(err error) error {
	phase, ok := host.FailedPhase(err)
	if !ok {
		return err
	}
	var hint string
	switch {
	case mcp.IsTransportError(err):
		hint = "tool provider connection failed"
	case mcp.IsProtocolError(err):
		hint = "tool provider violated the protocol"
	case mcp.IsNotReady(err):
		hint = "tool provider session not ready"
	case llm.IsModelServiceError(err):
		hint = "model service call failed"
	default:
		return err
	}
	return fmt.Errorf("%s during %s: %w", hint, phase, err)
}

// printSummary writes a short report of the run to w.
func printSummary(ctx context.Context, w io.Writer, res *host.Result, store *usage.Store, logger *slog.Logger) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Summary")
	if res.Metadata != nil {
		fmt.Fprintf(w, "  %-14s %s %s (protocol %s)\n", "provider:",
			res.Metadata.ServerInfo.Name, res.Metadata.ServerInfo.Version, res.Metadata.ProtocolVersion)
	}

	names := make([]string, len(res.Tools))
	for i, t := range res.Tools {
		names[i] = t.Name
	}
	fmt.Fprintf(w, "  %-14s %d [%s]\n", "capabilities:", len(names), strings.Join(names, ", "))

	calls := make([]string, len(res.Calls))
	for i, c := range res.Calls {
		calls[i] = c.Name
	}
	fmt.Fprintf(w, "  %-14s %d [%s]\n", "tool calls:", len(calls), strings.Join(calls, ", "))
	fmt.Fprintf(w, "  %-14s %d in / %d out\n", "tokens:", res.Usage.InputTokens, res.Usage.OutputTokens)

	if store != nil {
		sum, err := store.RunSummary(ctx, res.RunID)
		if err != nil {
			logger.Warn("failed to read usage summary", "error", err)
		} else {
			fmt.Fprintf(w, "  %-14s $%.6f\n", "cost:", sum.TotalCostUSD)
		}
		byPhase, err := store.RunSummaryByPhase(ctx, res.RunID)
		if err != nil {
			logger.Warn("failed to read per-phase usage", "error", err)
		}
		for _, phase := range slices.Sorted(maps.Keys(byPhase)) {
			p := byPhase[phase]
			fmt.Fprintf(w, "    %-12s %d in / %d out, $%.6f\n", phase+":", p.TotalInputTokens, p.TotalOutputTokens, p.TotalCostUSD)
		}
	}
	fmt.Fprintf(w, "  %-14s %s\n", "elapsed:", res.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  %-14s %s\n", "run:", res.RunID)
}

// usageWindow is the period covered by -usage.
const usageWindow = 30 * 24 * time.Hour

// reportUsage prints recorded Model Service usage for the last
// usageWindow, totalled and broken down by model and by phase.
func reportUsage(ctx context.Context, w io.Writer, cfg *config.Config, now time.Time) error {
	path := cfg.UsageDBPath()
	if path == "" {
		return errors.New("usage tracking is disabled: set data_dir in the config")
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(w, "No usage recorded.")
		return nil
	}

	store, err := usage.Open(path, cfg.Pricing)
	if err != nil {
		return err
	}
	defer store.Close()

	start, end := now.Add(-usageWindow), now.Add(time.Second)
	total, err := store.Summary(ctx, start, end)
	if err != nil {
		return err
	}
	byModel, err := store.SummaryByModel(ctx, start, end)
	if err != nil {
		return err
	}
	byPhase, err := store.SummaryByPhase(ctx, start, end)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Usage since %s\n", start.Format(time.DateOnly))
	fmt.Fprintf(w, "  %-14s %d\n", "calls:", total.TotalRecords)
	fmt.Fprintf(w, "  %-14s %d in / %d out\n", "tokens:", total.TotalInputTokens, total.TotalOutputTokens)
	fmt.Fprintf(w, "  %-14s $%.6f\n", "cost:", total.TotalCostUSD)
	for _, group := range []struct {
		title string
		sums  map[string]*usage.Summary
	}{{"by model:", byModel}, {"by phase:", byPhase}} {
		if len(group.sums) == 0 {
			continue
		}
		fmt.Fprintf(w, "  %s\n", group.title)
		for _, k := range slices.Sorted(maps.Keys(group.sums)) {
			sum := group.sums[k]
			fmt.Fprintf(w, "    %-24s %d calls, %d in / %d out, $%.6f\n",
				k, sum.TotalRecords, sum.TotalInputTokens, sum.TotalOutputTokens, sum.TotalCostUSD)
		}
	}
	return nil
}

// printUsage writes the help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Hostbridge - host-mediated MCP tool use")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: hostbridge [flags] [query]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>  Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -inspect        Log every JSON-RPC frame at trace level")
	fmt.Fprintln(w, "  -v              Debug logging and a run summary on stderr")
	fmt.Fprintln(w, "  -usage          Report recorded Model Service usage for the last 30 days")
	fmt.Fprintln(w, "  -example-config Print an example config file")
	fmt.Fprintln(w, "  -version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./hostbridge.yaml, ~/.config/hostbridge/config.yaml, /etc/hostbridge/config.yaml")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "The Model Service key is read from %s (environment, .env.local or .env).\n", config.APIKeyEnv)
	return nil
}
