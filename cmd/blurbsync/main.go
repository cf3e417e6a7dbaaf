// Command blurbsync pushes, exports, drafts and syncs translation blurbs.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ZaguanLabs/blurbsync"
	"github.com/ZaguanLabs/blurbsync/cache"
	"github.com/ZaguanLabs/blurbsync/draft"
	"github.com/ZaguanLabs/blurbsync/guard"
	"github.com/ZaguanLabs/blurbsync/host"
	"github.com/ZaguanLabs/blurbsync/remote"
)

// Build-time variables (can be overridden with ldflags)
var (
	version   = blurbsync.Version
	commit    = blurbsync.GitCommit
	buildDate = blurbsync.BuildDate
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	a := &app{stdout: stdout, stderr: stderr}
	return a.execute(context.Background(), args)
}

// app carries the I/O and the collaborators tests replace.
type app struct {
	stdout, stderr io.Writer

	remote   remote.Client      // nil builds one from the config
	provider draft.Provider     // nil builds an OpenAI provider
	exit     *host.Exit         // nil uses host.ProcessExit()
	retry    remote.RetryPolicy // zero uses remote.DefaultRetryPolicy()

	prefork []host.PreforkOption       // extra options for sync --workers
	ready   func(c *blurbsync.Client) // called once sync is serving

	configPath string
	logLevel   string
	envName    string
}

func (a *app) execute(ctx context.Context, args []string) error {
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	return root.ExecuteContext(ctx)
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           blurbsync.Name,
		Short:         blurbsync.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("BLURBSYNC_CONFIG"), "TOML config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.envName, "env", "", "Environment name (overrides config)")

	root.AddCommand(
		a.versionCmd(),
		a.pushCmd(),
		a.exportCmd(),
		a.importCmd(),
		a.deployCmd(),
		a.draftCmd(),
		a.syncCmd(),
	)
	return root
}

func (a *app) exitHooks() *host.Exit {
	if a.exit == nil {
		a.exit = host.ProcessExit()
	}
	return a.exit
}

// oneShot builds a client for a command that runs once and exits, so
// transient remote failures are retried instead of left to a next cycle.
func (a *app) oneShot() (*blurbsync.Client, error) {
	policy := a.retry
	if policy == (remote.RetryPolicy{}) {
		policy = remote.DefaultRetryPolicy()
	}
	return a.client(blurbsync.WithRetry(policy))
}

// client loads the config and builds a blurbsync client.
func (a *app) client(extra ...blurbsync.Option) (*blurbsync.Client, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}

	logger := blurbsync.NewLogger(blurbsync.LogConfig{
		Level:  cfg.LogLevel,
		JSON:   cfg.LogJSON,
		Writer: a.stderr,
	})

	opts := []blurbsync.Option{
		blurbsync.WithLogger(logger),
		blurbsync.WithGuardOptions(guard.WithExitHooks(a.exitHooks())),
	}
	if a.remote != nil {
		opts = append(opts, blurbsync.WithRemote(a.remote))
	}
	return blurbsync.Configure(cfg, append(opts, extra...)...)
}

func (a *app) loadConfig() (blurbsync.Config, error) {
	cfg, err := blurbsync.LoadConfig(a.configPath)
	if err != nil {
		return cfg, err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.envName != "" {
		cfg.EnvironmentName = a.envName
	}
	return cfg, nil
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(a.stdout, "%s %s\n", blurbsync.Name, version)
			if commit != "unknown" && commit != "" {
				fmt.Fprintf(a.stdout, "  commit:  %s\n", commit)
			}
			if buildDate != "unknown" && buildDate != "" {
				fmt.Fprintf(a.stdout, "  built:   %s\n", buildDate)
			}
			return nil
		},
	}
}

func (a *app) pushCmd() *cobra.Command {
	var deploy bool

	cmd := &cobra.Command{
		Use:   "push KEY=VALUE...",
		Short: "Write blurbs and flush them to the remote store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pairs := make(map[string]string, len(args))
			for _, arg := range args {
				key, value, ok := strings.Cut(arg, "=")
				if !ok || key == "" {
					return fmt.Errorf("invalid blurb %q, expected KEY=VALUE", arg)
				}
				pairs[key] = value
			}

			client, err := a.oneShot()
			if err != nil {
				return err
			}
			defer client.Close()

			for k, v := range pairs {
				client.Set(k, v)
			}

			if deploy {
				err = client.Deploy(cmd.Context())
			} else {
				err = client.Flush(cmd.Context())
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(a.stdout, "Pushed %d blurbs\n", len(pairs))
			return nil
		},
	}

	cmd.Flags().BoolVar(&deploy, "deploy", false, "Publish drafts after pushing")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var format, output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download blurbs and write them as YAML or JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.oneShot()
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Cache.Update(cmd.Context()); err != nil {
				return fmt.Errorf("downloading blurbs: %w", err)
			}

			exporter := cache.NewExporter(client.Cache)
			metadata := map[string]string{"environment": client.Config.EnvironmentName}

			if output != "" {
				if err := exporter.ExportToFile(output, metadata); err != nil {
					return err
				}
				fmt.Fprintf(a.stderr, "Exported %d blurbs to %s\n", client.Cache.Len(), output)
				return nil
			}

			switch format {
			case "yaml", "yml":
				return exporter.ExportYAML(a.stdout)
			case "json":
				return exporter.ExportJSON(a.stdout, metadata)
			default:
				return fmt.Errorf("unknown format %q (want yaml or json)", format)
			}
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "Output format: yaml or json")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (format from extension)")
	return cmd
}

func (a *app) importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Load blurbs from a JSON export and flush them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.oneShot()
			if err != nil {
				return err
			}
			defer client.Close()

			result, err := cache.NewImporter(client.Cache).ImportFromFile(args[0])
			if err != nil {
				return err
			}
			if err := client.Flush(cmd.Context()); err != nil {
				return err
			}

			fmt.Fprintf(a.stdout, "Imported %d blurbs (%d skipped)\n", result.Imported, result.Skipped)
			return nil
		},
	}
}

func (a *app) deployCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy",
		Short: "Publish draft blurbs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.oneShot()
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Deploy(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, "Deployed")
			return nil
		},
	}
}

func (a *app) draftCmd() *cobra.Command {
	var (
		from, to, apiKey, model, contextStr, style, exclude string
		rpm                                                 int
		dryRun                                              bool
	)

	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Machine-translate blurbs missing from a locale",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == "" || to == "" {
				return fmt.Errorf("--from and --to are required")
			}

			client, err := a.oneShot()
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Cache.Update(cmd.Context()); err != nil {
				return fmt.Errorf("downloading blurbs: %w", err)
			}

			provider := a.provider
			if provider == nil && !dryRun {
				key := apiKey
				if key == "" {
					key = os.Getenv("OPENAI_API_KEY")
				}
				if key == "" {
					return fmt.Errorf("OpenAI API key required (--api-key or OPENAI_API_KEY env)")
				}
				provider = draft.NewOpenAIProvider(draft.OpenAIConfig{APIKey: key, Model: model})
			}
			if provider != nil {
				provider = draft.NewRateLimitedProvider(provider, draft.RateLimitConfig{RequestsPerMinute: rpm})
			}

			opts := []draft.Option{
				draft.WithLogger(client.Logger),
				draft.WithRetry(draft.DefaultMaxTries, time.Second),
				draft.WithContext(contextStr),
				draft.WithStyle(draft.Style(style)),
			}
			if exclude != "" {
				terms := strings.Split(exclude, ",")
				for i := range terms {
					terms[i] = strings.TrimSpace(terms[i])
				}
				opts = append(opts, draft.WithExcludedTerms(terms...))
			}
			drafter := draft.New(provider, client.Cache, opts...)

			if dryRun {
				missing := drafter.Missing(from, to)
				fmt.Fprintf(a.stdout, "Dry run: %s -> %s\n", from, to)
				fmt.Fprintf(a.stdout, "%d missing blurbs:\n", len(missing))
				for _, key := range missing {
					fmt.Fprintf(a.stdout, "  %s\n", key)
				}
				return nil
			}

			result, err := drafter.Fill(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			if err := client.Flush(cmd.Context()); err != nil {
				return err
			}

			fmt.Fprintf(a.stdout, "Drafted %d blurbs (%d already present, %d texts sent)\n",
				result.Drafted, result.Existing, result.Texts)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&from, "from", "en", "Source locale prefix")
	f.StringVar(&to, "to", "", "Target locale prefix")
	f.StringVar(&apiKey, "api-key", "", "OpenAI API key (default: OPENAI_API_KEY env)")
	f.StringVar(&model, "model", "gpt-4o-mini", "OpenAI model to use")
	f.StringVar(&contextStr, "context", "", "What the application is (e.g., 'E-commerce website')")
	f.StringVar(&style, "style", string(draft.StyleNeutral), "formal, neutral, casual, marketing or technical")
	f.StringVar(&exclude, "exclude", "", "Comma-separated terms to never translate")
	f.IntVar(&rpm, "rpm", 60, "Provider requests per minute")
	f.BoolVar(&dryRun, "dry-run", false, "List missing blurbs without calling the provider")
	return cmd
}
