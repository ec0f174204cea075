package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Run policies accepted by the runPolicy setting.
const (
	// RunPolicyReject refuses a new run while another run is active on the same panel.
	RunPolicyReject = "reject"
	// RunPolicyOverlap allows concurrent runs, each streaming into its own panel.
	RunPolicyOverlap = "overlap"
)

// Output formats accepted by the format setting.
var validFormats = map[string]bool{
	"text":     true,
	"json":     true,
	"yaml":     true,
	"toml":     true,
	"template": true,
}

// OutputConfig holds settings for the output display buffer.
type OutputConfig struct {
	MaxBytes int `mapstructure:"maxBytes"` // 0 disables the cap
}

// WatchConfig holds configuration specific to run-on-save watching.
type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

// Options holds all the configuration settings for phpunitkit.
// Tags are used by Viper for unmarshalling from config files, env vars, and flags.
type Options struct {
	// Project discovery
	Projects       []string `mapstructure:"projects"`       // open project folders
	TopFolderHints []string `mapstructure:"topFolderHints"` // marker files identifying a project top folder

	// Searching
	FolderExclusions []string      `mapstructure:"folderExclusions"` // dir names or doublestar globs skipped by the index
	MaxSearchSecs    int           `mapstructure:"maxSearchSecs"`
	MaxIndexFiles    int           `mapstructure:"maxIndexFiles"`
	SkipHiddenDirs   bool          `mapstructure:"skipHiddenDirs"`
	UseCache         bool          `mapstructure:"cache"` // --no-cache turns the path cache into a no-op
	NegativeCacheTTL time.Duration `mapstructure:"negativeCacheTTL"`

	// PHPUnit configuration files
	PhpunitXMLAliases       []string `mapstructure:"phpunitXmlAliases"`
	PhpunitXMLLocationHints []string `mapstructure:"phpunitXmlLocationHints"`

	// Runner
	PathToPhpunit         string            `mapstructure:"pathToPhpunit"`
	PhpunitAdditionalArgs map[string]string `mapstructure:"phpunitAdditionalArgs"`
	CopyEnv               bool              `mapstructure:"copyEnv"`
	OverrideEnv           map[string]string `mapstructure:"overrideEnv"`
	RunPolicy             string            `mapstructure:"runPolicy"`

	// Behavior Control
	Verbose     bool `mapstructure:"verbose"` // also set by "debug"
	RunOnSave   bool `mapstructure:"runOnSave"`
	ContextMenu bool `mapstructure:"contextMenu"`

	// Presentation
	Format      string       `mapstructure:"format"`
	Template    string       `mapstructure:"template"` // inline template or @path to a template file
	MetricsAddr string       `mapstructure:"metricsAddr"`
	Output      OutputConfig `mapstructure:"output"`
	Watch       WatchConfig  `mapstructure:"watch"`

	// Internal - the config file that was read, if any
	ConfigFile string `mapstructure:"config"`
}

// Default returns the options used when nothing is configured.
func Default() Options {
	return Options{
		TopFolderHints:          []string{},
		FolderExclusions:        []string{},
		MaxSearchSecs:           2,
		MaxIndexFiles:           200000,
		SkipHiddenDirs:          true,
		UseCache:                true,
		PhpunitXMLAliases:       []string{"phpunit.xml", "phpunit.xml.dist"},
		PhpunitXMLLocationHints: []string{},
		PhpunitAdditionalArgs:   map[string]string{},
		CopyEnv:                 true,
		OverrideEnv:             map[string]string{},
		RunPolicy:               RunPolicyReject,
		ContextMenu:             true,
		Format:                  "text",
		Output:                  OutputConfig{MaxBytes: 1 << 20},
		Watch:                   WatchConfig{Debounce: 300 * time.Millisecond},
	}
}

// MaxSearch converts MaxSearchSecs into a duration. Zero means unbounded.
func (opts *Options) MaxSearch() time.Duration {
	return time.Duration(opts.MaxSearchSecs) * time.Second
}

// RestoreEnvKeys puts back the case of overrideEnv keys as written in the
// config file. Viper folds every key it loads to lower case, which would
// export APP_ENV as app_env. Keys the file does not spell out are kept.
func (opts *Options) RestoreEnvKeys() error {
	if opts.ConfigFile == "" || len(opts.OverrideEnv) == 0 {
		return nil
	}
	data, err := os.ReadFile(opts.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to re-read config file %s: %w", opts.ConfigFile, err)
	}

	var raw struct {
		OverrideEnv map[string]any `yaml:"overrideEnv" toml:"overrideEnv" json:"overrideEnv"`
	}
	switch strings.ToLower(filepath.Ext(opts.ConfigFile)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	case ".json":
		err = json.Unmarshal(data, &raw)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to parse overrideEnv in %s: %w", opts.ConfigFile, err)
	}

	spelled := make(map[string]string, len(raw.OverrideEnv))
	for key := range raw.OverrideEnv {
		spelled[strings.ToLower(key)] = key
	}
	restored := make(map[string]string, len(opts.OverrideEnv))
	for key, value := range opts.OverrideEnv {
		if original, ok := spelled[strings.ToLower(key)]; ok {
			key = original
		}
		restored[key] = value
	}
	opts.OverrideEnv = restored
	return nil
}

// ValidateConfig checks the loaded configuration options for validity.
// All problems are collected and reported together.
func (opts *Options) ValidateConfig() error {
	var errs []string

	if opts.MaxSearchSecs < 0 {
		errs = append(errs, "maxSearchSecs must be non-negative (0 for no limit)")
	}
	if opts.MaxIndexFiles < 0 {
		errs = append(errs, "maxIndexFiles must be non-negative (0 for no limit)")
	}
	if opts.NegativeCacheTTL < 0 {
		errs = append(errs, "negativeCacheTTL must be non-negative")
	}

	if len(opts.PhpunitXMLAliases) == 0 {
		errs = append(errs, "phpunitXmlAliases must name at least one file")
	}
	for _, alias := range opts.PhpunitXMLAliases {
		if strings.TrimSpace(alias) == "" || strings.ContainsAny(alias, `/\`) {
			errs = append(errs, fmt.Sprintf("phpunitXmlAliases entry '%s' must be a plain file name", alias))
		}
	}

	// Hints are joined onto the project root, so they must stay relative.
	for _, hint := range opts.PhpunitXMLLocationHints {
		if filepath.IsAbs(hint) {
			errs = append(errs, fmt.Sprintf("phpunitXmlLocationHints entry '%s' must be relative to the project root", hint))
		}
	}
	for _, hint := range opts.TopFolderHints {
		if strings.TrimSpace(hint) == "" {
			errs = append(errs, "topFolderHints entries cannot be empty")
		}
	}

	for _, pattern := range opts.FolderExclusions {
		if !doublestar.ValidatePattern(pattern) {
			errs = append(errs, fmt.Sprintf("folderExclusions entry '%s' is not a valid pattern", pattern))
		}
	}

	for key := range opts.PhpunitAdditionalArgs {
		if strings.TrimSpace(key) == "" {
			errs = append(errs, "phpunitAdditionalArgs cannot contain an empty flag name")
		}
	}
	for key := range opts.OverrideEnv {
		if key == "" || strings.Contains(key, "=") {
			errs = append(errs, fmt.Sprintf("overrideEnv key '%s' is not a valid environment variable name", key))
		}
	}

	if opts.RunPolicy != RunPolicyReject && opts.RunPolicy != RunPolicyOverlap {
		errs = append(errs, fmt.Sprintf("runPolicy must be '%s' or '%s'", RunPolicyReject, RunPolicyOverlap))
	}

	if !validFormats[opts.Format] {
		errs = append(errs, "format must be one of 'text', 'json', 'yaml', 'toml' or 'template'")
	}
	if opts.Format == "template" && strings.TrimSpace(opts.Template) == "" {
		errs = append(errs, "template must be set when format is 'template'")
	}

	if opts.Output.MaxBytes < 0 {
		errs = append(errs, "output.maxBytes must be non-negative (0 for no cap)")
	}
	if opts.Watch.Debounce < 0 {
		errs = append(errs, "watch.debounce duration must be non-negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
