// Command querygrant keeps query-edit permissions propagated across the
// members of configured groups: it ingests the remote query listing into the
// local ownership cache, then grants every member modify access to every
// co-member's queries.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/queryops/querygrant/internal/config"
	"github.com/queryops/querygrant/internal/grantcache"
	"github.com/queryops/querygrant/internal/propagate"
	"github.com/queryops/querygrant/internal/redash"
)

const (
	ExitOK     = 0
	ExitConfig = 1
	ExitRun    = 2
)

const usage = `Usage: querygrant [flags] <command> [args]

Commands:
  sync                 ingest the remote listing, then reconcile all configured groups
  ingest               ingest the remote query listing into the cache
  reconcile            reconcile access for the configured groups
  owned <user-id>      print cached queries of a user with their editors
  acl <query-id>       print the remote access list of a query
  user <user-id>       print a remote user profile

Flags:
  --config PATH        config file (default querygrant.yaml, optional)
  --cache DSN          cache backend DSN (path, sqlite://, postgres://, memory://)
  --group ID           group id, repeatable (overrides configured groups)
  --page-size N        remote listing page size
  --log-level LEVEL    trace|debug|info|warn|error
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("querygrant", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	configPath := fs.String("config", "querygrant.yaml", "config file path")
	cacheDSN := fs.String("cache", "", "cache backend DSN")
	groupIDs := fs.IntSlice("group", nil, "group id (repeatable)")
	pageSize := fs.Int("page-size", 0, "remote listing page size")
	logLevel := fs.String("log-level", "", "log level")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitOK
		}
		return ExitConfig
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return ExitConfig
	}

	cfg, err := config.Load(*configPath, fs.Changed("config"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "querygrant: %v\n", err)
		return ExitConfig
	}
	if *cacheDSN != "" {
		cfg.CacheDSN = *cacheDSN
	}
	if len(*groupIDs) > 0 {
		cfg.GroupIDs = *groupIDs
	}
	if *pageSize > 0 {
		cfg.PageSize = *pageSize
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logger := newLogger(cfg.LogLevel)

	command := fs.Arg(0)
	rest := fs.Args()[1:]
	switch command {
	case "sync":
		return runSync(cfg, logger, true)
	case "ingest":
		return runIngest(cfg, logger)
	case "reconcile":
		return runSync(cfg, logger, false)
	case "owned":
		return runOwned(cfg, rest)
	case "acl":
		return runACL(cfg, logger, rest)
	case "user":
		return runUser(cfg, logger, rest)
	default:
		fmt.Fprintf(os.Stderr, "querygrant: unknown command %q\n", command)
		fs.Usage()
		return ExitConfig
	}
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(parsed).
		With().Timestamp().Logger()
}

func buildClient(cfg config.Config, logger zerolog.Logger) (*redash.HTTPClient, error) {
	return redash.NewHTTPClient(redash.ClientOptions{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		HTTPClient: &http.Client{Timeout: cfg.HTTPTimeout},
		UserAgent:  "querygrant",
		Logger:     logger.With().Str("component", "redash").Logger(),
	})
}

// runSync runs ingestion (when withIngest) and then reconciliation for every
// configured group. A remote failure during ingestion does not stop
// reconciliation: the cache keeps whatever was committed, and reconciliation
// works from the cache.
func runSync(cfg config.Config, logger zerolog.Logger, withIngest bool) int {
	if err := cfg.ValidateGroups(); err != nil {
		fmt.Fprintf(os.Stderr, "querygrant: %v\n", err)
		return ExitConfig
	}
	client, err := buildClient(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "querygrant: %v\n", err)
		return ExitConfig
	}
	store, err := grantcache.BuildStoreFromDSN(cfg.CacheDSN)
	if err != nil {
		logger.Error().Err(err).Str("dsn", cfg.CacheDSN).Msg("failed to open cache")
		return ExitRun
	}
	defer store.Close()

	ctx := context.Background()
	failed := false

	if withIngest {
		ingestor := propagate.NewIngestor(client, store, propagate.IngestorOptions{
			PageSize: cfg.PageSize,
			Logger:   logger.With().Str("component", "ingest").Logger(),
		})
		if _, err := ingestor.Run(ctx); err != nil {
			if !errors.Is(err, redash.ErrRemote) {
				logger.Error().Err(err).Msg("ingestion aborted")
				return ExitRun
			}
			logger.Error().Err(err).Msg("ingestion stopped early, continuing with cached facts")
			failed = true
		}
	}

	reconciler := propagate.NewReconciler(client, store, propagate.ReconcilerOptions{
		Logger: logger.With().Str("component", "reconcile").Logger(),
	})
	for _, groupID := range cfg.GroupIDs {
		stats, err := reconciler.Run(ctx, groupID)
		if err != nil {
			logger.Error().Err(err).Int("group_id", groupID).Msg("reconciliation failed")
			failed = true
			continue
		}
		if stats.GrantsFailed > 0 {
			failed = true
		}
	}
	if failed {
		return ExitRun
	}
	return ExitOK
}

func runIngest(cfg config.Config, logger zerolog.Logger) int {
	if err := cfg.ValidateRemote(); err != nil {
		fmt.Fprintf(os.Stderr, "querygrant: %v\n", err)
		return ExitConfig
	}
	client, err := buildClient(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "querygrant: %v\n", err)
		return ExitConfig
	}
	store, err := grantcache.BuildStoreFromDSN(cfg.CacheDSN)
	if err != nil {
		logger.Error().Err(err).Str("dsn", cfg.CacheDSN).Msg("failed to open cache")
		return ExitRun
	}
	defer store.Close()

	ingestor := propagate.NewIngestor(client, store, propagate.IngestorOptions{
		PageSize: cfg.PageSize,
		Logger:   logger.With().Str("component", "ingest").Logger(),
	})
	if _, err := ingestor.Run(context.Background()); err != nil {
		logger.Error().Err(err).Msg("ingestion stopped early")
		return ExitRun
	}
	return ExitOK
}

func runOwned(cfg config.Config, args []string) int {
	userID, ok := intArg(args, "owned <user-id>")
	if !ok {
		return ExitConfig
	}
	store, err := grantcache.BuildStoreFromDSN(cfg.CacheDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "querygrant: open cache: %v\n", err)
		return ExitRun
	}
	defer store.Close()

	editors, err := store.EditorsOfOwnedQueries(context.Background(), userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "querygrant: %v\n", err)
		return ExitRun
	}
	queryIDs := make([]int, 0, len(editors))
	for queryID := range editors {
		queryIDs = append(queryIDs, queryID)
	}
	sort.Ints(queryIDs)
	for _, queryID := range queryIDs {
		fmt.Printf("query %d: editors %v\n", queryID, editors[queryID])
	}
	return ExitOK
}

func runACL(cfg config.Config, logger zerolog.Logger, args []string) int {
	queryID, ok := intArg(args, "acl <query-id>")
	if !ok {
		return ExitConfig
	}
	if err := cfg.ValidateRemote(); err != nil {
		fmt.Fprintf(os.Stderr, "querygrant: %v\n", err)
		return ExitConfig
	}
	client, err := buildClient(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "querygrant: %v\n", err)
		return ExitConfig
	}
	acl, err := client.QueryACL(context.Background(), queryID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "querygrant: %v\n", err)
		return ExitRun
	}
	for _, user := range acl.Modify {
		fmt.Printf("modify: %d %s\n", user.ID, user.Name)
	}
	return ExitOK
}

func runUser(cfg config.Config, logger zerolog.Logger, args []string) int {
	userID, ok := intArg(args, "user <user-id>")
	if !ok {
		return ExitConfig
	}
	if err := cfg.ValidateRemote(); err != nil {
		fmt.Fprintf(os.Stderr, "querygrant: %v\n", err)
		return ExitConfig
	}
	client, err := buildClient(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "querygrant: %v\n", err)
		return ExitConfig
	}
	user, err := client.GetUser(context.Background(), userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "querygrant: %v\n", err)
		return ExitRun
	}
	fmt.Printf("%d %s %s\n", user.ID, user.Name, user.Email)
	return ExitOK
}

func intArg(args []string, usageHint string) (int, bool) {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: querygrant %s\n", usageHint)
		return 0, false
	}
	value, err := strconv.Atoi(args[0])
	if err != nil || value <= 0 {
		fmt.Fprintf(os.Stderr, "querygrant: invalid id %q\n", args[0])
		return 0, false
	}
	return value, true
}
