package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/tollgate-labs/tollgate/pkg/audit"
	"github.com/tollgate-labs/tollgate/pkg/config"
	"github.com/tollgate-labs/tollgate/pkg/store"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = success
//	1 = verification failed or invocation denied
//	2 = usage or runtime error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "query":
		return runQueryCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "anchor":
		return runAnchorCmd(args[2:], stdout, stderr)
	case "approve":
		return runApproveCmd(args[2:], stdout, stderr)
	case "demo":
		return runDemoCmd(args[2:], stdout, stderr)
	case "migrate":
		return runMigrateCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorBlue  = "\033[34m"
	colorCyan  = "\033[36m"
	colorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sTollgate%s\n", colorBold+colorBlue, colorReset)
	_, _ = fmt.Fprintf(w, "%sPolicy-gated tool invocation with a hash-chained audit log.%s\n", colorGray, colorReset)
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintf(w, "%sUSAGE:%s\n", colorBold, colorReset)
	_, _ = fmt.Fprintln(w, "  tollgate <command> [flags]")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "AUDIT")
	printCommand(w, "verify", "Verify a tenant chain or an exported bundle (--tenant | --bundle)")
	printCommand(w, "query", "Query audit entries (--tenant, filters, --json)")
	printCommand(w, "export", "Export an evidence bundle (--tenant, --out)")
	printCommand(w, "anchor", "Witness or check chain heads (checkpoint | verify)")
	printCommand(w, "migrate", "Create or update the ledger schema")

	printSection(w, "APPROVALS")
	printCommand(w, "approve", "Issue a signed approval (--tenant, --run, --scope)")

	printSection(w, "UTILITIES")
	printCommand(w, "demo", "Run the dry-run source-control scenarios")
	printCommand(w, "help", "Show this help")
	_, _ = fmt.Fprintln(w, "")

	printSection(w, "ENVIRONMENT")
	_, _ = fmt.Fprintln(w, "  TOLLGATE_DATABASE_URL     sqlite://path | postgres://... | memory://")
	_, _ = fmt.Fprintln(w, "  TOLLGATE_CONFIG           deployment YAML")
	_, _ = fmt.Fprintln(w, "  TOLLGATE_APPROVAL_SECRET  approval signing secret")
	_, _ = fmt.Fprintln(w, "  TOLLGATE_LOG_LEVEL        DEBUG | INFO | WARN | ERROR")
	_, _ = fmt.Fprintln(w, "  TOLLGATE_LOG_FORMAT       text | json")
	_, _ = fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	_, _ = fmt.Fprintf(w, "%s%s:%s\n", colorBold+colorCyan, title, colorReset)
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %s%-10s%s %s\n", colorGreen, name, colorReset, desc)
}

// env is the process-wide setup shared by every command.
type env struct {
	cfg        *config.Config
	deployment *config.Deployment
	logger     *slog.Logger
	ledger     *audit.Ledger
	closer     io.Closer
}

func (e *env) Close() {
	if e.closer != nil {
		_ = e.closer.Close()
	}
}

// setup loads configuration, configures logging and opens the ledger.
// dbOverride replaces TOLLGATE_DATABASE_URL when set.
func setup(ctx context.Context, dbOverride string, stderr io.Writer) (*env, error) {
	cfg := config.Load()
	if dbOverride != "" {
		cfg.DatabaseURL = dbOverride
	}

	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	deployment := config.DefaultDeployment()
	if cfg.ConfigPath != "" {
		deployment, err = config.LoadDeployment(cfg.ConfigPath)
		if err != nil {
			return nil, err
		}
	}

	backend, closer, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return &env{
		cfg:        cfg,
		deployment: deployment,
		logger:     logger,
		ledger:     audit.NewLedger(backend, audit.WithLogger(logger.With("component", "audit"))),
		closer:     closer,
	}, nil
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
}

func runMigrateCmd(args []string, stdout, stderr io.Writer) int {
	dbURL := ""
	if len(args) > 0 {
		dbURL = args[0]
	}
	e, err := setup(context.Background(), dbURL, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer e.Close()
	_, _ = fmt.Fprintf(stdout, "Ledger ready: %s\n", redactURL(e.cfg.DatabaseURL))
	return 0
}

// redactURL hides credentials in a database URL.
func redactURL(u string) string {
	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return u
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return u
}
