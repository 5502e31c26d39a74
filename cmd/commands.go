// submodule commands contains command definitions
package main

import "github.com/urfave/cli/v3"

// setupCommand initializes the database and optional config file
func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Initialize the database and run migrations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				Value:   "config.toml",
			},
			&cli.StringFlag{
				Name:  "init-config",
				Usage: "Write a default configuration file to this path",
			},
		},
		Action: r.Setup,
	}
}

// authCommand runs the OAuth2 authorization code flow
func authCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with Spotify using OAuth2",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				Value:   "config.toml",
			},
		},
		Action: r.Auth,
	}
}

// serveCommand runs the HTTP server
func serveCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the chart reconciliation HTTP server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				Value:   "config.toml",
			},
		},
		Action: r.Serve,
	}
}

// ingestCommand reconciles a chart date from the command line
func ingestCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "ingest",
		Usage: "Fetch a chart snapshot and reconcile it against Spotify",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				Value:   "config.toml",
			},
			&cli.StringFlag{
				Name:    "date",
				Aliases: []string{"d"},
				Usage:   "Chart date (YYYY-MM-DD), defaults to today in the configured timezone",
			},
			&cli.StringFlag{
				Name:  "playlist",
				Usage: "Playlist ID to insert resolved tracks into",
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "Spotify bearer token (or set SPOTIFY_ACCESS_TOKEN)",
			},
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "Pretty-print output",
			},
		},
		Action: r.Ingest,
	}
}

// missedCommand lists missed tracks for a chart date
func missedCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "missed",
		Usage: "List tracks that could not be confidently matched",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				Value:   "config.toml",
			},
			&cli.StringFlag{
				Name:    "date",
				Aliases: []string{"d"},
				Usage:   "Chart date (YYYY-MM-DD), defaults to today in the configured timezone",
			},
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "Pretty-print output",
			},
		},
		Action: r.Missed,
	}
}

// resolveCommand resubmits one corrected entry
func resolveCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "resolve",
		Usage: "Resubmit a missed track with corrected metadata",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				Value:   "config.toml",
			},
			&cli.StringFlag{
				Name:    "date",
				Aliases: []string{"d"},
				Usage:   "Chart date (YYYY-MM-DD), defaults to today in the configured timezone",
			},
			&cli.IntFlag{
				Name:     "rank",
				Usage:    "Chart rank of the missed entry",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "title",
				Usage:    "Corrected track title",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "artist",
				Usage:    "Corrected artist name",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "playlist",
				Usage: "Playlist ID to insert the resolved track into",
			},
			&cli.StringFlag{
				Name:  "token",
				Usage: "Spotify bearer token (or set SPOTIFY_ACCESS_TOKEN)",
			},
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "Pretty-print output",
			},
		},
		Action: r.Resolve,
	}
}
