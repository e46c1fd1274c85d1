// Cached candle fetcher CLI
// This application fetches OHLCV candles from a market-data provider and
// caches them as CSV files, so repeating a query serves it from disk and a
// continuous query only fetches the candles that appeared since the last run.
//
// Usage:
//
//	candlecache fetch --symbol btcusd --interval 1h --start 2024-01-01
//	candlecache fetch --symbol btcusd --start 2024-01-01 --end 2024-02-01 --columns close --rename price
//	candlecache path --symbol btcusd --interval 1h --start 2024-01-01
//
// For detailed help on any command, use: candlecache <command> --help
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"candlecache/internal/cache"
	"candlecache/internal/config"
	"candlecache/internal/gaps"
	"candlecache/internal/logger"
	"candlecache/internal/models"
	"candlecache/internal/provider"
	"candlecache/internal/storage"
)

const (
	Version = "1.0.0"
	AppName = "candlecache"
)

// Exit codes following standard conventions
const (
	ExitSuccess     = 0
	ExitUsageError  = 1
	ExitConfigError = 2
	ExitDataError   = 4
	ExitInterrupt   = 130
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "fetch":
		os.Exit(runFetch(ctx, args))
	case "path":
		os.Exit(runPath(args))
	case "gaps":
		os.Exit(runGaps(args))
	case "--version", "-v":
		fmt.Printf("%s version %s\n", AppName, Version)
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage()
		os.Exit(ExitUsageError)
	}
}

// queryFlags holds the flags shared by the fetch and path commands.
type queryFlags struct {
	Config    string
	Symbol    string
	Interval  string
	Start     string
	End       string
	CacheRoot string
	Columns   []string
	Rename    []string
	Format    string
	Help      bool
}

func parseQueryFlags(args []string) (*queryFlags, error) {
	flags := &queryFlags{
		End:    cache.Now,
		Format: "csv",
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--config requires a value")
			}
			flags.Config = args[i+1]
			i++
		case "--symbol", "-s":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--symbol requires a value")
			}
			flags.Symbol = args[i+1]
			i++
		case "--interval", "-i":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--interval requires a value")
			}
			flags.Interval = args[i+1]
			i++
		case "--start":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--start requires a value")
			}
			flags.Start = args[i+1]
			i++
		case "--end":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--end requires a value")
			}
			flags.End = args[i+1]
			i++
		case "--cache-root":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--cache-root requires a value")
			}
			flags.CacheRoot = args[i+1]
			i++
		case "--columns":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--columns requires a value")
			}
			flags.Columns = strings.Split(args[i+1], ",")
			i++
		case "--rename":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--rename requires a value")
			}
			flags.Rename = strings.Split(args[i+1], ",")
			i++
		case "--format", "-f":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--format requires a value")
			}
			format := args[i+1]
			if format != "csv" && format != "json" && format != "table" {
				return nil, fmt.Errorf("invalid format, must be: csv, json, or table")
			}
			flags.Format = format
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

func (f *queryFlags) query() cache.Query {
	return cache.Query{
		Symbol:   f.Symbol,
		Interval: f.Interval,
		Start:    f.Start,
		End:      f.End,
		Output: storage.OutputShape{
			Filter: f.Columns,
			Rename: f.Rename,
		},
	}
}

// newService assembles the configured provider and cache service.
func newService(flags *queryFlags) (*cache.Service, *logger.Manager, error) {
	// .env is optional and only fills in unset environment variables
	_ = godotenv.Load()

	cfg, err := config.Load(flags.Config)
	if err != nil {
		return nil, nil, err
	}
	if flags.CacheRoot != "" {
		cfg.Cache.Root = flags.CacheRoot
	}

	logs, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}

	src, err := newProvider(cfg, logs.Component(cfg.Provider.Name))
	if err != nil {
		logs.Close()
		return nil, nil, err
	}

	svc, err := cache.NewService(cache.Config{
		Provider: src,
		Root:     cfg.Cache.Root,
		Logger:   logs.Logger(),
	})
	if err != nil {
		logs.Close()
		return nil, nil, err
	}
	return svc, logs, nil
}

func newProvider(cfg *config.Config, log *slog.Logger) (provider.Provider, error) {
	gate := provider.GateConfig{
		EveryN:   cfg.Provider.Gate.EveryN,
		Cooldown: cfg.Provider.Gate.Cooldown.Std(),
	}
	switch strings.ToLower(cfg.Provider.Name) {
	case "bitfinex":
		return provider.NewBitfinex(provider.BitfinexConfig{
			BaseURL:           cfg.Provider.BaseURL,
			PageLimit:         cfg.Provider.PageLimit,
			Gate:              gate,
			RequestsPerSecond: cfg.Provider.RequestsPerSecond,
			Burst:             cfg.Provider.Burst,
			Logger:            log,
		}), nil
	case "binance":
		return provider.NewBinance(provider.BinanceConfig{
			APIKey:            cfg.Provider.APIKey,
			APISecret:         cfg.Provider.APISecret,
			PageLimit:         cfg.Provider.PageLimit,
			Gate:              gate,
			RequestsPerSecond: cfg.Provider.RequestsPerSecond,
			Burst:             cfg.Provider.Burst,
			Logger:            log,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider.Name)
	}
}

func runFetch(ctx context.Context, args []string) int {
	flags, err := parseQueryFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitUsageError
	}
	if flags.Help {
		printFetchHelp()
		return ExitSuccess
	}

	svc, logs, err := newService(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}
	defer logs.Close()

	table, err := svc.Candles(ctx, flags.query())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return ExitInterrupt
		}
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitUsageError
		}
		logs.Logger().Error("fetch failed", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitDataError
	}

	if err := output(table, flags.Format); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitDataError
	}
	return ExitSuccess
}

func runPath(args []string) int {
	flags, err := parseQueryFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitUsageError
	}
	if flags.Help {
		printPathHelp()
		return ExitSuccess
	}

	svc, logs, err := newService(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}
	defer logs.Close()

	path, err := svc.CachePath(flags.query())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitUsageError
	}
	fmt.Println(path)
	return ExitSuccess
}

func runGaps(args []string) int {
	flags, err := parseQueryFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitUsageError
	}
	if flags.Help {
		printGapsHelp()
		return ExitSuccess
	}

	svc, logs, err := newService(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitConfigError
	}
	defer logs.Close()

	path, err := svc.CachePath(flags.query())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitUsageError
	}

	cached := storage.NewCachedTable(path)
	table, found, err := cached.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitDataError
	}
	if !found {
		fmt.Fprintf(os.Stderr, "No cache file at %s; run fetch first\n", path)
		return ExitDataError
	}

	interval := flags.Interval
	if interval == "" {
		interval = cache.DefaultInterval
	}
	detected := gaps.Detect(table, interval)
	if len(detected) == 0 {
		fmt.Printf("No gaps found in %d cached candles\n", table.Len())
		return ExitSuccess
	}

	fmt.Printf("Found %d gaps in %d cached candles:\n\n", len(detected), table.Len())
	for i, gap := range detected {
		fmt.Printf("%d. %s to %s (%d missing candles)\n",
			i+1,
			gap.Start.Format(storage.TimeLayout),
			gap.End.Format(storage.TimeLayout),
			gap.Missing)
	}
	return ExitSuccess
}

// Output formatting functions

func output(table *storage.Table, format string) error {
	switch format {
	case "json":
		return outputJSON(table)
	case "table":
		return outputTable(table)
	default:
		return outputCSV(table)
	}
}

func outputCSV(table *storage.Table) error {
	w := csv.NewWriter(os.Stdout)
	if err := w.Write(append([]string{models.TimeColumn}, table.Columns()...)); err != nil {
		return err
	}
	for i := 0; i < table.Len(); i++ {
		ts, values := table.At(i)
		record := make([]string, 0, len(values)+1)
		record = append(record, ts.UTC().Format(storage.TimeLayout))
		for _, v := range values {
			record = append(record, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func outputJSON(table *storage.Table) error {
	columns := table.Columns()
	rows := make([]map[string]any, 0, table.Len())
	for i := 0; i < table.Len(); i++ {
		ts, values := table.At(i)
		row := make(map[string]any, len(columns)+1)
		row[models.TimeColumn] = ts.UTC().Format(storage.TimeLayout)
		for j, col := range columns {
			row[col] = values[j]
		}
		rows = append(rows, row)
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(rows)
}

func outputTable(table *storage.Table) error {
	columns := table.Columns()
	fmt.Printf("%-20s", "time")
	for _, col := range columns {
		fmt.Printf(" %-14s", col)
	}
	fmt.Println()
	fmt.Println(strings.Repeat("-", 20+15*len(columns)))

	for i := 0; i < table.Len(); i++ {
		ts, values := table.At(i)
		fmt.Printf("%-20s", ts.UTC().Format(storage.TimeLayout))
		for _, v := range values {
			fmt.Printf(" %-14s", strconv.FormatFloat(v, 'g', -1, 64))
		}
		fmt.Println()
	}
	fmt.Printf("\n%d candles\n", table.Len())
	return nil
}

// Help and usage functions

func printUsage() {
	fmt.Printf(`%s - Cached candle fetcher v%s

USAGE:
    %s <command> [options]

COMMANDS:
    fetch       Fetch candles, serving and extending the local cache
    path        Print the cache file path a query resolves to
    gaps        Scan a cached range for missing candles

GLOBAL OPTIONS:
    --help, -h     Show help information
    --version, -v  Show version information

EXAMPLES:
    # Fetch hourly BTC/USD candles from January 1st up to now
    %s fetch --symbol btcusd --interval 1h --start 2024-01-01

    # Fetch a fixed range; a repeated run is served entirely from cache
    %s fetch --symbol btcusd --start 2024-01-01 --end 2024-02-01

    # Only the close column, renamed, as JSON
    %s fetch --symbol ethusd --start 2024-01-01 --columns close --rename price --format json

CONFIGURATION:
    Configuration can be provided via:
    - Config file: YAML, passed with --config
    - Environment variables (e.g. PROVIDER, CACHE_ROOT, API_KEY)
    - A .env file in the working directory

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, AppName, AppName, AppName, AppName)
}

func printFetchHelp() {
	fmt.Printf(`%s fetch - Fetch candles through the cache

USAGE:
    %s fetch [options]

OPTIONS:
    --symbol, -s <symbol>     Trading symbol (required), e.g. btcusd
    --interval, -i <interval> Candle interval (default: 1h)
                              Examples: 1m, 30m, 1h, 4h, 1d, 1w
    --start <date>            Range start (required)
                              Formats: 2024-01-01, "2024-01-01 15:00", RFC3339
    --end <date|now>          Range end (default: now)
                              "now" keeps the cache extendable on every run
    --columns <list>          Comma-separated column filter, e.g. close,volume
    --rename <list>           Comma-separated new names for the kept columns
    --cache-root <dir>        Cache directory (default from config)
    --config, -c <path>       YAML config file
    --format, -f <format>     Output format: csv, json, table (default: csv)
    --help, -h                Show this help message

NOTES:
    - A fixed --end range that is fully cached causes no network calls
    - With --end now, only candles newer than the cache are fetched
    - The last candle of an open range is provisional and is refreshed
      on the next run
`, AppName, AppName)
}

func printPathHelp() {
	fmt.Printf(`%s path - Print the cache file path for a query

USAGE:
    %s path [options]

Accepts the same query options as fetch (--symbol, --interval, --start,
--end, --cache-root, --config) and prints the CSV file path the query
would read and write, without fetching anything.
`, AppName, AppName)
}

func printGapsHelp() {
	fmt.Printf(`%s gaps - Scan a cached range for missing candles

USAGE:
    %s gaps [options]

Accepts the same query options as fetch and scans the already cached file
for runs of missing candles at the query interval. Nothing is fetched; run
fetch first to populate or extend the cache.

EXAMPLES:
    %s gaps --symbol btcusd --interval 1h --start 2024-01-01
`, AppName, AppName, AppName)
}
