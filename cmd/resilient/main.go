// Command resilient inspects and maintains the local offline store:
// cache statistics, forced cache clears, expired-record sweeps and
// mutation queue flushes.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kamer-pro/resilient/cache"
	"github.com/kamer-pro/resilient/queue"
)

var (
	configFilenameFlag string
	databaseFlag       string
	verbosityTraceFlag bool
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&databaseFlag, "db", "./resilient.db", "Path to the offline store (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
}

func main() {
	flag.Parse()

	logLevel := zerolog.InfoLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}
	log.Logger = log.Level(logLevel).Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dbPath := databaseFlag
	if configFilenameFlag != "" {
		config, err := getConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not read config")
		}
		if config.Database != "" {
			dbPath = config.Database
		}
	}

	provider, err := cache.NewSQLiteProvider(dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("db", dbPath).Msg("Could not open offline store")
	}
	defer provider.Close()
	store := cache.NewStore(provider, log.Logger)

	switch flag.Arg(0) {
	case "stats":
		for collection, count := range store.Stats() {
			fmt.Printf("%-15s %d\n", collection, count)
		}
		q, err := openQueue(dbPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open queue")
		}
		stats := q.Stats()
		fmt.Printf("%-15s %d\n", "queued", stats.Total)
		for method, count := range stats.ByMethod {
			fmt.Printf("  %-13s %d\n", method, count)
		}
		if !stats.OldestEnqueuedAt.IsZero() {
			fmt.Printf("  oldest        %s\n", stats.OldestEnqueuedAt)
		}
	case "clear":
		cache.NewScheduler(store, log.Logger).ForceClear()
	case "sweep":
		store.SweepExpired()
		log.Info().Msg("Expired records swept")
	case "flush":
		q, err := openQueue(dbPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open queue")
		}
		n := q.Len()
		q.Clear()
		log.Info().Int("dropped", n).Msg("Queue flushed")
	default:
		fmt.Fprintln(os.Stderr, "usage: resilient [-config file] [-db file] stats|clear|sweep|flush")
		os.Exit(2)
	}
}

func openQueue(dbPath string) (*queue.Queue, error) {
	qstore, err := queue.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}
	return queue.New(queue.Config{Store: qstore, Logger: log.Logger})
}
