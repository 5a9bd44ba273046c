package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/matthewjhunter/courier"
	"github.com/matthewjhunter/courier/internal/config"
	"github.com/matthewjhunter/courier/internal/logging"
	"github.com/matthewjhunter/courier/internal/output"
	"github.com/spf13/cobra"
)

var (
	configPath   string
	dbPath       string
	outputFormat string
	cfg          *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "courier",
		Short:         "Offline-first news sync: fetch sources, keep favorites and read marks in sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, err := output.ParseFormat(outputFormat); err != nil {
				return err
			}
			return loadConfig()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default: ./config/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "format", "f", "json", "output format: json, text, human")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config)")

	rootCmd.AddCommand(initConfigCmd())
	rootCmd.AddCommand(sourceCmd())
	rootCmd.AddCommand(refreshCmd())
	rootCmd.AddCommand(backgroundCmd())
	rootCmd.AddCommand(drainCmd())
	rootCmd.AddCommand(pullCmd())
	rootCmd.AddCommand(articlesCmd())
	rootCmd.AddCommand(favoriteCmd())
	rootCmd.AddCommand(readCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(topicCmd())
	rootCmd.AddCommand(daemonCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() error {
	if configPath == "" {
		configPath = "./config/config.yaml"
	}
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		c.Database.Path = dbPath
	}
	cfg = c
	return nil
}

func formatter() *output.Formatter {
	format, _ := output.ParseFormat(outputFormat)
	return output.NewFormatter(format)
}

// openEngine builds an engine from the loaded config. Callers must Close it.
func openEngine() (*courier.Engine, error) {
	engine, err := courier.NewEngine(courier.EngineConfig{
		Config: cfg,
		Logger: logging.New(cfg.Log),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open engine: %w", err)
	}
	return engine, nil
}

// withEngine opens an engine, runs fn and closes the engine again.
func withEngine(fn func(ctx context.Context, engine *courier.Engine, f *output.Formatter) error) error {
	engine, err := openEngine()
	if err != nil {
		return err
	}
	defer engine.Close()
	return fn(context.Background(), engine, formatter())
}

func initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Create a default config file",
		// The config may not exist yet, so skip loading it.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = "./config/config.yaml"
			}
			if err := config.Default().Save(configPath); err != nil {
				return err
			}
			return formatter().OutputMessage("created default config", map[string]any{"path": configPath})
		},
	}
}

func sourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Manage subscribed sources",
	}
	cmd.AddCommand(sourceAddCmd(), sourceListCmd(), sourceRemoveCmd(), sourceImportCmd())
	return cmd
}

func sourceAddCmd() *cobra.Command {
	var name, typ string
	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Subscribe to a feed, web page or YouTube channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, engine *courier.Engine, f *output.Formatter) error {
				src, err := engine.AddSource(ctx, args[0], name, typ)
				if err != nil {
					return fmt.Errorf("failed to add source: %w", err)
				}
				return f.OutputSources([]courier.Source{*src})
			})
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "display name (default: the url)")
	cmd.Flags().StringVarP(&typ, "type", "t", "", "source type: rss, html, youtube (default: inferred)")
	return cmd
}

func sourceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List subscribed sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, engine *courier.Engine, f *output.Formatter) error {
				sources, err := engine.Sources(ctx)
				if err != nil {
					return fmt.Errorf("failed to list sources: %w", err)
				}
				return f.OutputSources(sources)
			})
		},
	}
}

func sourceRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <source-id>",
		Short: "Unsubscribe from a source and delete its articles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, engine *courier.Engine, f *output.Formatter) error {
				if err := engine.RemoveSource(ctx, args[0]); err != nil {
					return fmt.Errorf("failed to remove source: %w", err)
				}
				return f.OutputMessage("removed source", map[string]any{"source_id": args[0]})
			})
		},
	}
}

func sourceImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <opml-file>",
		Short: "Subscribe to every feed in an OPML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, engine *courier.Engine, f *output.Formatter) error {
				n, err := engine.ImportOPML(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to import OPML: %w", err)
				}
				return f.OutputMessage("imported sources", map[string]any{"path": args[0], "sources": n})
			})
		},
	}
}

func refreshCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Fetch every source and sync with the remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, engine *courier.Engine, f *output.Formatter) error {
				var (
					res *courier.RefreshResult
					err error
				)
				if force {
					res, err = engine.ForceRefresh(ctx)
				} else {
					res, err = engine.Refresh(ctx, courier.TriggerManual)
				}
				if errors.Is(err, courier.ErrSkipped) {
					return f.OutputMessage("refresh skipped", map[string]any{"reason": err.Error()})
				}
				if err != nil {
					return fmt.Errorf("refresh failed: %w", err)
				}
				return f.OutputRefreshResult(res)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "ignore the minimum interval between refreshes")
	return cmd
}

func backgroundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "background",
		Short: "Run one background refresh within the configured time budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, engine *courier.Engine, f *output.Formatter) error {
				outcome := engine.RunBackgroundTask(ctx)
				res, err := engine.TakeBackgroundResult(ctx)
				if err != nil {
					f.Warning("failed to read background result: %v", err)
				}
				return f.OutputBackground(outcome, res)
			})
		},
	}
}

func drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Send queued favorite and read changes to the remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, engine *courier.Engine, f *output.Formatter) error {
				res, err := engine.Drain(ctx)
				if errors.Is(err, courier.ErrOffline) {
					n, _ := engine.PendingMutations(ctx)
					return f.OutputMessage("offline, changes kept for later", map[string]any{"pending": n})
				}
				if res == nil {
					return fmt.Errorf("drain failed: %w", err)
				}
				if err != nil {
					f.Warning("drain stopped early: %v", err)
				}
				return f.OutputDrainResult(res)
			})
		},
	}
}

func pullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Mirror subscriptions, articles, favorites and read marks from the remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, engine *courier.Engine, f *output.Formatter) error {
				res, err := engine.Pull(ctx)
				if err != nil {
					return fmt.Errorf("pull failed: %w", err)
				}
				return f.OutputPullResult(res)
			})
		},
	}
}

func articlesCmd() *cobra.Command {
	var (
		sourceID string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "articles",
		Short: "List the newest stored articles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, engine *courier.Engine, f *output.Formatter) error {
				articles, err := engine.Articles(ctx, sourceID, limit)
				if err != nil {
					return fmt.Errorf("failed to get articles: %w", err)
				}
				return f.OutputArticleList(articles)
			})
		},
	}
	cmd.Flags().StringVarP(&sourceID, "source", "s", "", "only articles of this source")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of articles to show")
	return cmd
}

func favoriteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "favorite <article-id>",
		Short: "Toggle the favorite mark of an article",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, engine *courier.Engine, f *output.Formatter) error {
				on, err := engine.ToggleFavorite(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to toggle favorite: %w", err)
				}
				msg := "removed favorite"
				if on {
					msg = "added favorite"
				}
				return f.OutputMessage(msg, map[string]any{"article_id": args[0], "favorite": on})
			})
		},
	}
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <article-id>",
		Short: "Mark an article as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, engine *courier.Engine, f *output.Formatter) error {
				if err := engine.MarkRead(ctx, args[0]); err != nil {
					return fmt.Errorf("failed to mark article as read: %w", err)
				}
				return f.OutputMessage("marked read", map[string]any{"article_id": args[0]})
			})
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health [source-id]",
		Short: "Show fetch health of one or all sources",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, engine *courier.Engine, f *output.Formatter) error {
				if len(args) == 1 {
					h, err := engine.SourceHealth(ctx, args[0])
					if err != nil {
						return fmt.Errorf("failed to get source health: %w", err)
					}
					return f.OutputHealth([]courier.SourceHealth{*h})
				}
				health, err := engine.Health(ctx)
				if err != nil {
					return fmt.Errorf("failed to get health: %w", err)
				}
				return f.OutputHealth(health)
			})
		},
	}
}

func searchCmd() *cobra.Command {
	var (
		sources []string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search article titles and summaries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return withEngine(func(ctx context.Context, engine *courier.Engine, f *output.Formatter) error {
				articles, err := engine.Search(ctx, query, sources, limit)
				if err != nil {
					return fmt.Errorf("search failed: %w", err)
				}
				return f.OutputArticleList(articles)
			})
		},
	}
	cmd.Flags().StringSliceVarP(&sources, "source", "s", nil, "limit to these source ids")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of results")
	return cmd
}

func topicCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topic [topic-id]",
		Short: "Search a configured topic, or list topics when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(ctx context.Context, engine *courier.Engine, f *output.Formatter) error {
				if len(args) == 0 {
					ids := make([]string, 0, len(engine.Topics()))
					for _, t := range engine.Topics() {
						ids = append(ids, t.ID)
					}
					return f.OutputMessage("configured topics: "+strings.Join(ids, ", "), map[string]any{"topics": ids})
				}
				res, err := engine.SearchTopic(ctx, args[0])
				if res == nil {
					return fmt.Errorf("topic search failed: %w", err)
				}
				note := ""
				if err != nil {
					note = err.Error()
				}
				return f.OutputTopicResult(res, note)
			})
		},
	}
}
