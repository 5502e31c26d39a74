package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"melonsync/internal/catalog"
	"melonsync/internal/chart"
	"melonsync/internal/matcher"
	"melonsync/internal/server"
	"melonsync/internal/shared"
	"melonsync/internal/store"
	"melonsync/internal/tasks"
)

// Runner holds all dependencies for CLI commands and provides methods for each command action.
type Runner struct {
	config     *shared.Config
	httpClient *http.Client
	logger     *log.Logger
	output     io.Writer
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	Config     *shared.Config
	HTTPClient *http.Client
	Logger     *log.Logger
	Output     io.Writer
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Config == nil {
		opts.Config = shared.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	return &Runner{
		config:     opts.Config,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		output:     opts.Output,
	}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		setupCommand, authCommand, serveCommand, ingestCommand, missedCommand, resolveCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// loadConfig reloads the runner's configuration from the command's --config
// flag path when that file exists, then overlays environment credentials.
// Every command action calls this first so the flag always wins.
func (r *Runner) loadConfig(cmd *cli.Command) {
	path := cmd.String("config")
	if _, err := os.Stat(path); err == nil {
		config, err := shared.LoadConfig(path)
		if err != nil {
			r.logger.Warn("failed to load config, using current settings", "path", path, "error", err)
		} else {
			r.config = config
		}
	}
	shared.ApplyEnv(r.config)
}

// openDatabase opens the configured SQLite database with pool settings applied.
func (r *Runner) openDatabase() (*sql.DB, error) {
	db, err := shared.NewDatabase(r.config.Database.Path)
	if err != nil {
		return nil, err
	}
	shared.ConfigureDatabase(db, r.config.Database.MaxOpenConns, r.config.Database.MaxIdleConns)
	return db, nil
}

// buildEngine wires the chart source, catalog client, and resolution store
// into a ChartEngine per the loaded configuration.
func (r *Runner) buildEngine(db *sql.DB) *tasks.ChartEngine {
	client := catalog.NewClient(catalog.ClientOpts{
		HTTPClient: r.httpClient,
		RateLimit:  r.config.Ingest.RateLimit,
		Timeout:    time.Duration(r.config.Ingest.TimeoutSec) * time.Second,
	})

	source := chart.NewFeedSource(r.config.Chart.FeedURL, r.httpClient)

	return tasks.NewChartEngine(tasks.EngineOpts{
		Source:  source,
		Catalog: client,
		Store:   store.NewResolutionStore(db),
		Match:   matchConfig(r.config.Match),
		Workers: r.config.Ingest.Workers,
		Logger:  shared.WithLogger(r.logger, "component", "engine"),
	})
}

// matchConfig maps config file thresholds onto the match engine's policy,
// keeping the documented defaults for anything unset.
func matchConfig(m shared.MatchConfig) matcher.Config {
	cfg := matcher.DefaultConfig()
	if m.Threshold > 0 {
		cfg.Threshold = m.Threshold
	}
	if m.Margin > 0 {
		cfg.Margin = m.Margin
	}
	return cfg
}

// buildCatalog returns a catalog client for the thin CRUD routes.
func (r *Runner) buildCatalog() *catalog.Client {
	return catalog.NewClient(catalog.ClientOpts{
		HTTPClient: r.httpClient,
		RateLimit:  r.config.Ingest.RateLimit,
		Timeout:    time.Duration(r.config.Ingest.TimeoutSec) * time.Second,
	})
}

// token resolves the catalog bearer credential from flag or environment.
func (r *Runner) token(cmd *cli.Command) (string, error) {
	if t := cmd.String("token"); t != "" {
		return t, nil
	}
	if t := os.Getenv("SPOTIFY_ACCESS_TOKEN"); t != "" {
		return t, nil
	}
	return "", fmt.Errorf("%w: pass --token or set SPOTIFY_ACCESS_TOKEN", shared.ErrMissingCredentials)
}

// Setup initializes the database and runs migrations.
func (r *Runner) Setup(ctx context.Context, cmd *cli.Command) error {
	r.loadConfig(cmd)

	if path := cmd.String("init-config"); path != "" {
		if err := shared.CreateConfigFile(path); err != nil {
			return err
		}
		r.logger.Info("wrote config file", "path", path)
	}

	db, err := r.openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := shared.RunMigrations(db); err != nil {
		return err
	}

	r.logger.Info("database ready", "path", r.config.Database.Path)
	return nil
}

// Serve runs the HTTP server until interrupted.
func (r *Runner) Serve(ctx context.Context, cmd *cli.Command) error {
	r.loadConfig(cmd)

	db, err := r.openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := shared.RunMigrations(db); err != nil {
		return err
	}

	srv := server.New(server.Opts{
		Engine:     r.buildEngine(db),
		Catalog:    r.buildCatalog(),
		Logger:     shared.WithLogger(r.logger, "component", "http"),
		Timezone:   r.config.Chart.Timezone,
		PlaylistID: r.config.Ingest.PlaylistID,
	})

	addr := fmt.Sprintf("%s:%d", r.config.Server.Host, r.config.Server.Port)
	return srv.ListenAndServe(ctx, addr)
}

// Ingest reconciles one chart date from the command line.
func (r *Runner) Ingest(ctx context.Context, cmd *cli.Command) error {
	r.loadConfig(cmd)

	token, err := r.token(cmd)
	if err != nil {
		return err
	}

	date := cmd.String("date")
	if date == "" {
		date = chart.Today(r.config.Chart.Timezone)
	}

	playlistID := cmd.String("playlist")
	if playlistID == "" {
		playlistID = r.config.Ingest.PlaylistID
	}

	db, err := r.openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	engine := r.buildEngine(db)

	progress := make(chan tasks.ProgressUpdate, 16)
	go func() {
		for update := range progress {
			r.logger.Debug(update.Message, "phase", update.Phase.String(), "step", update.Step, "total", update.Total)
		}
	}()

	summary, err := engine.Ingest(ctx, progress, date, playlistID, token)
	close(progress)
	if err != nil {
		return err
	}

	return r.writeJSON(summary, cmd.Bool("pretty"))
}

// Missed lists missed tracks for a chart date.
func (r *Runner) Missed(ctx context.Context, cmd *cli.Command) error {
	r.loadConfig(cmd)

	date := cmd.String("date")
	if date == "" {
		date = chart.Today(r.config.Chart.Timezone)
	}

	db, err := r.openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := store.NewResolutionStore(db).ListMissed(date)
	if err != nil {
		return err
	}

	type missedRow struct {
		Rank   int    `json:"rank"`
		Title  string `json:"title"`
		Artist string `json:"artist"`
		Date   string `json:"date"`
	}

	rows := make([]missedRow, 0, len(records))
	for _, record := range records {
		rows = append(rows, missedRow{Rank: record.Rank, Title: record.Title, Artist: record.Artist, Date: record.Date})
	}

	return r.writeJSON(map[string]any{"missedTracks": rows}, cmd.Bool("pretty"))
}

// Resolve resubmits one corrected entry.
func (r *Runner) Resolve(ctx context.Context, cmd *cli.Command) error {
	r.loadConfig(cmd)

	token, err := r.token(cmd)
	if err != nil {
		return err
	}

	date := cmd.String("date")
	if date == "" {
		date = chart.Today(r.config.Chart.Timezone)
	}

	db, err := r.openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()

	engine := r.buildEngine(db)

	correction := tasks.Correction{
		Date:   date,
		Rank:   int(cmd.Int("rank")),
		Title:  cmd.String("title"),
		Artist: cmd.String("artist"),
	}

	playlistID := cmd.String("playlist")
	if playlistID == "" {
		playlistID = r.config.Ingest.PlaylistID
	}

	result, err := engine.Resubmit(ctx, correction, playlistID, token)
	if err != nil {
		return err
	}

	return r.writeJSON(result, cmd.Bool("pretty"))
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	output, err := shared.MarshalJSON(data, pretty)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if _, err := r.output.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}
