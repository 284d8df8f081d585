// Package cli implements the framestore CLI commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/framestore/internal/chunker"
	"github.com/rcliao/framestore/internal/config"
	"github.com/rcliao/framestore/internal/embedding"
	"github.com/rcliao/framestore/internal/logger"
	"github.com/rcliao/framestore/internal/model"
	"github.com/rcliao/framestore/internal/softindex"
	"github.com/rcliao/framestore/internal/store"
	fserr "github.com/rcliao/framestore/pkg/errors"
)

var (
	configPath   string
	dbPath       string
	debugFlag    bool
	drainTimeout time.Duration
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "framestore",
	Short: "Append-only frame memory store",
	Long: "A single-file memory store. Frames go in append-only, are searchable at once, " +
		"and are enriched (extraction, tags, dates, triplets, embeddings) in the background.",
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (YAML or TOML)")
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Store path (default: $FRAMESTORE_STORE_PATH or ~/.framestore/frames.db)")
	RootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Debug logging")
	RootCmd.PersistentFlags().DurationVar(&drainTimeout, "drain", 2*time.Second, "How long to let enrichment finish before exiting")
}

// env bundles what every command needs: configuration and a logger.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
}

func loadEnv() *env {
	cfg, err := config.Load(configPath)
	if err != nil {
		exitErr("load config", err)
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	if debugFlag {
		cfg.Log.Debug = true
	}

	log, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		exitErr("open log file", err)
	}
	return &env{cfg: cfg, logger: log}
}

// newLogger writes to console. Routine lifecycle logs stay off the console
// unless debugging; a configured log file keeps them as JSON.
func newLogger(lc config.LogConfig, console io.Writer) (*slog.Logger, error) {
	level := slog.LevelWarn
	fileLevel := slog.LevelInfo
	if lc.Debug {
		level, fileLevel = slog.LevelDebug, slog.LevelDebug
	}
	log := logger.New(
		logger.WithWriter(console),
		logger.WithLevel(level),
		logger.WithJSON(lc.JSON),
		logger.WithPretty(lc.Pretty),
		logger.WithSource(lc.Source),
	)
	if lc.File == "" {
		return log, nil
	}

	f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fserr.Wrap(err, fserr.CodeConfigLoadReadFailure, "open log file", fserr.FieldPath(lc.File))
	}
	file := logger.New(
		logger.WithWriter(f),
		logger.WithLevel(fileLevel),
		logger.WithJSON(true),
		logger.WithSource(lc.Source),
	)
	return logger.Multi(log, file), nil
}

func (e *env) storeOptions() store.Options {
	cfg := e.cfg
	emb, err := embedding.New(embedding.Config{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		URL:      cfg.Embedding.URL,
		APIKey:   cfg.Embedding.APIKey,
		Dims:     cfg.Embedding.Dims,
		Timeout:  cfg.Embedding.Timeout,
	})
	if err != nil {
		exitErr("embedding provider", err)
	}

	// The pipeline reads zero as "use the default"; the config means none.
	retries := cfg.Enrich.MaxRetries
	if retries == 0 {
		retries = -1
	}
	weights := softindex.DefaultWeights()
	weights.Title = cfg.Index.TitleBoost
	weights.Tag = cfg.Index.TagBoost
	weights.Facet = cfg.Index.FacetBoost

	return store.Options{
		Logger:       e.logger,
		Embedder:     emb,
		Weights:      weights,
		Chunking:     chunker.DefaultOptions(),
		Workers:      uint(cfg.Enrich.Workers),
		MaxRetries:   retries,
		RetryBackoff: cfg.Enrich.RetryBackoff,
		SkipResume:   !cfg.Enrich.Resume,
	}
}

func openStore(ctx context.Context) *store.Store {
	e := loadEnv()
	s, err := store.Open(ctx, e.cfg.Store.Path, e.storeOptions())
	if err != nil {
		exitErr("open store", err)
	}
	return s
}

// closeStore lets enrichment run for up to --drain before closing. Frames
// still unfinished are picked up by the next command that opens the store.
func closeStore(s *store.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		exitErr("close store", err)
	}
}

func parseFrameID(arg string) model.FrameID {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		exitErr("parse frame id", fserr.Wrap(err, fserr.CodeCLIInputInvalid, "frame id must be a non-negative integer",
			fserr.Field("arg", arg)))
	}
	return model.FrameID(id)
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	if code := fserr.CodeOf(err); code != "" {
		fmt.Fprintf(os.Stderr, "error: %s: %v (%s)\n", msg, err, code)
	} else {
		fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	}
	os.Exit(1)
}
