package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stackvity/phpunitkit/internal/config"
	"github.com/stackvity/phpunitkit/internal/engine"
	"github.com/stackvity/phpunitkit/internal/index"
	"github.com/stackvity/phpunitkit/internal/report"
	"github.com/stackvity/phpunitkit/internal/resolver"
)

// Variables for version embedding via ldflags
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes
const (
	ExitCodeSuccess     = 0
	ExitCodeNotFound    = 1
	ExitCodeConfigError = 2
	ExitCodeInterrupt   = 3
	ExitCodeRunFailed   = 4
	ExitCodeUnavailable = 5
	ExitCodeUnknown     = 10
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// exitError carries the process exit code for a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var errConfig = errors.New("configuration error")

// exitCodeFor maps a command error to the process exit code.
func exitCodeFor(err error) int {
	var exitErr *exitError
	var unsupported *engine.UnsupportedBufferError
	switch {
	case err == nil:
		return ExitCodeSuccess
	case errors.As(err, &exitErr):
		return exitErr.code
	case errors.Is(err, context.Canceled):
		return ExitCodeInterrupt
	case errors.Is(err, errConfig):
		return ExitCodeConfigError
	case errors.Is(err, resolver.ErrNotFound), errors.Is(err, index.ErrSearchTimeout):
		return ExitCodeNotFound
	case errors.Is(err, resolver.ErrNoProjectOpen),
		errors.As(err, &unsupported),
		errors.Is(err, engine.ErrIsTestFile),
		errors.Is(err, engine.ErrNotTestFile),
		errors.Is(err, engine.ErrNotConfigFile),
		errors.Is(err, engine.ErrRunInProgress):
		return ExitCodeUnavailable
	default:
		return ExitCodeUnknown
	}
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "phpunitkit",
	Short: "Find and run the PHPUnit tests that belong to a PHP file",
	Long: `phpunitkit pairs PHP classes with their PHPUnit tests, locates the
project's phpunit.xml and runs PHPUnit from the project root.

It can be used one command at a time, as a long-running editor backend
speaking JSON over stdio (serve), or as a watcher that runs the tests of
every saved file (watch).`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	code := exitCodeFor(err)
	if code != ExitCodeRunFailed {
		_ = report.Failure(os.Stderr, "%s", engine.Describe(err))
	}
	os.Exit(code)
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()

	// Configuration flags
	flags.StringP("config", "c", "", "Configuration file path (default: .phpunitkit.yaml, phpunitkit.yaml or .toml)")
	flags.BoolP("verbose", "v", false, "Enable verbose debug logging")
	flags.Bool("debug", false, "Alias for --verbose")

	// Project flags
	flags.StringSliceP("project", "p", nil, "Open project folder (can be repeated; default: current directory)")
	flags.StringSlice("top-folder-hint", nil, "Marker file identifying a project top folder, e.g. composer.json (can be repeated)")
	flags.StringSlice("exclude", nil, "Directory name or glob skipped when indexing (can be repeated)")
	flags.Int("max-search-secs", 2, "Time limit for indexing a project, in seconds (0 for no limit)")
	flags.Bool("cache", true, "Remember where files were found (use --no-cache to disable)")
	flags.Bool("no-cache", false, "Disable the path cache (equivalent to --cache=false)")

	// Runner flags
	flags.String("phpunit", "", "Path to the phpunit executable (default: vendor/bin/phpunit, then phpunit)")
	flags.String("run-policy", config.RunPolicyReject, "What a run does while another is active: 'reject' or 'overlap'")

	// Presentation flags
	flags.StringP("format", "f", report.FormatText, "Output format: text, json, yaml, toml or template")
	flags.String("template", "", "Go template for --format template, inline or @file")

	rootCmd.SetVersionTemplate(fmt.Sprintf("phpunitkit version %s (commit: %s, built: %s)\n", version, commit, date))

	addCommands(rootCmd)
}

// flagKeys maps configuration keys to the persistent flags that set them.
var flagKeys = map[string]string{
	"verbose":        "verbose",
	"debug":          "debug",
	"projects":       "project",
	"topFolderHints": "top-folder-hint",
	"maxSearchSecs":  "max-search-secs",
	"cache":          "cache",
	"pathToPhpunit":  "phpunit",
	"runPolicy":      "run-policy",
	"format":         "format",
	"template":       "template",
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	v, err := loadConfig(rootCmd)
	if err != nil {
		_ = report.Failure(os.Stderr, "%v", err)
		os.Exit(ExitCodeConfigError)
	}

	// Merge into the global viper instance, keeping the precedence order:
	// Flags > Env > Config File > Defaults
	if err := viper.MergeConfigMap(v.AllSettings()); err != nil {
		_ = report.Failure(os.Stderr, "Internal error merging viper settings: %v", err)
		os.Exit(ExitCodeConfigError)
	}
}

// loadConfig builds a viper instance from defaults, the environment, the
// config file and cmd's flags.
func loadConfig(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()

	// 1. Set Defaults
	defaults := config.Default()
	v.SetDefault("topFolderHints", defaults.TopFolderHints)
	v.SetDefault("folderExclusions", defaults.FolderExclusions)
	v.SetDefault("maxSearchSecs", defaults.MaxSearchSecs)
	v.SetDefault("maxIndexFiles", defaults.MaxIndexFiles)
	v.SetDefault("skipHiddenDirs", defaults.SkipHiddenDirs)
	v.SetDefault("cache", defaults.UseCache)
	v.SetDefault("negativeCacheTTL", defaults.NegativeCacheTTL)
	v.SetDefault("phpunitXmlAliases", defaults.PhpunitXMLAliases)
	v.SetDefault("phpunitXmlLocationHints", defaults.PhpunitXMLLocationHints)
	v.SetDefault("phpunitAdditionalArgs", defaults.PhpunitAdditionalArgs)
	v.SetDefault("pathToPhpunit", "")
	v.SetDefault("copyEnv", defaults.CopyEnv)
	v.SetDefault("overrideEnv", defaults.OverrideEnv)
	v.SetDefault("runPolicy", defaults.RunPolicy)
	v.SetDefault("verbose", false)
	v.SetDefault("debug", false)
	v.SetDefault("runOnSave", false)
	v.SetDefault("contextMenu", defaults.ContextMenu)
	v.SetDefault("format", defaults.Format)
	v.SetDefault("template", "")
	v.SetDefault("metricsAddr", "")
	v.SetDefault("output.maxBytes", defaults.Output.MaxBytes)
	v.SetDefault("watch.debounce", defaults.Watch.Debounce.String())

	// 2. Bind Environment Variables
	v.AutomaticEnv()
	v.SetEnvPrefix("PHPUNITKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	// 3. Read Config File
	flags := cmd.Root().PersistentFlags()
	if configFile, _ := flags.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: error reading specified config file %s: %v", errConfig, configFile, err)
		}
		v.Set("config", v.ConfigFileUsed())
	} else {
		v.AddConfigPath(".")
		for _, name := range []string{".phpunitkit", "phpunitkit"} {
			v.SetConfigName(name)
			err := v.ReadInConfig()
			if err == nil {
				v.Set("config", v.ConfigFileUsed())
				break
			}
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("%w: error reading config file %s: %v", errConfig, v.ConfigFileUsed(), err)
			}
		}
	}

	// 4. Bind Cobra Flags (Highest Precedence if set)
	for key, name := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return nil, fmt.Errorf("internal error binding flag %s: %w", name, err)
		}
	}
	if exclude := flags.Lookup("exclude"); exclude != nil && exclude.Changed {
		excluded, _ := flags.GetStringSlice("exclude")
		v.Set("folderExclusions", append(v.GetStringSlice("folderExclusions"), excluded...))
	}
	// debug is the older name of verbose, from any source.
	if v.GetBool("debug") {
		v.Set("verbose", true)
	}

	// 5. Handle --no-cache overriding --cache explicitly after all loading
	if noCache := flags.Lookup("no-cache"); noCache != nil && noCache.Changed {
		v.Set("cache", false)
	}
	return v, nil
}

// optionsFrom unmarshals and validates the options held by v.
func optionsFrom(v *viper.Viper) (*config.Options, error) {
	opts := config.Default()
	if err := v.Unmarshal(&opts); err != nil {
		return nil, fmt.Errorf("%w: error unmarshalling configuration: %v", errConfig, err)
	}
	if err := opts.RestoreEnvKeys(); err != nil {
		return nil, fmt.Errorf("%w: %v", errConfig, err)
	}
	if len(opts.Projects) == 0 {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to determine the current directory: %w", err)
		}
		opts.Projects = []string{wd}
	}
	if err := opts.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("%w: %v", errConfig, err)
	}
	return &opts, nil
}

// setup loads the options and configures logging for a command run. The
// returned context is cancelled on SIGINT or SIGTERM.
func setup(cmd *cobra.Command) (context.Context, context.CancelFunc, *config.Options, error) {
	opts, err := optionsFrom(viper.GetViper())
	if err != nil {
		return nil, nil, nil, err
	}

	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	if opts.ConfigFile != "" {
		logger.Debug("Using config file", "path", opts.ConfigFile)
	}
	logger.Debug("Configuration loaded and validated successfully", "options", *opts)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	return ctx, stop, opts, nil
}

// reloadOptions re-reads the configuration for cmd, for engine flushes.
func reloadOptions(cmd *cobra.Command) engine.ReloadFunc {
	return func() (*config.Options, error) {
		v, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		return optionsFrom(v)
	}
}

func main() {
	Execute()
}
