package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Helper function to create a temporary file with content
func createTempFile(t *testing.T, dir, filename, content string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	err := os.WriteFile(path, []byte(content), 0644)
	require.NoError(t, err, "Failed to create temp file")
	return path
}

func TestDefaultIsValid(t *testing.T) {
	opts := Default()
	assert.NoError(t, opts.ValidateConfig())
	assert.Equal(t, 2*time.Second, opts.MaxSearch())
	assert.Equal(t, []string{"phpunit.xml", "phpunit.xml.dist"}, opts.PhpunitXMLAliases)
	assert.True(t, opts.CopyEnv)
	assert.True(t, opts.ContextMenu)
}

func TestValidateConfig(t *testing.T) {
	testCases := []struct {
		name        string
		mutate      func(o *Options)
		expectError bool
		errorSubstr string
	}{
		{
			name:   "Defaults",
			mutate: func(o *Options) {},
		},
		{
			name: "Overlap Policy With Exclusion Globs",
			mutate: func(o *Options) {
				o.RunPolicy = RunPolicyOverlap
				o.FolderExclusions = []string{"vendor", "build/**", "**/node_modules"}
			},
		},
		{
			name:        "Negative Search Budget",
			mutate:      func(o *Options) { o.MaxSearchSecs = -1 },
			expectError: true,
			errorSubstr: "maxSearchSecs must be non-negative",
		},
		{
			name:        "No Aliases",
			mutate:      func(o *Options) { o.PhpunitXMLAliases = nil },
			expectError: true,
			errorSubstr: "phpunitXmlAliases must name at least one file",
		},
		{
			name:        "Alias With Directory",
			mutate:      func(o *Options) { o.PhpunitXMLAliases = []string{"config/phpunit.xml"} },
			expectError: true,
			errorSubstr: "must be a plain file name",
		},
		{
			name:        "Absolute Location Hint",
			mutate:      func(o *Options) { o.PhpunitXMLLocationHints = []string{"/etc"} },
			expectError: true,
			errorSubstr: "must be relative to the project root",
		},
		{
			name:        "Bad Exclusion Pattern",
			mutate:      func(o *Options) { o.FolderExclusions = []string{"[unclosed"} },
			expectError: true,
			errorSubstr: "is not a valid pattern",
		},
		{
			name:        "Bad Env Key",
			mutate:      func(o *Options) { o.OverrideEnv = map[string]string{"A=B": "x"} },
			expectError: true,
			errorSubstr: "overrideEnv key",
		},
		{
			name:        "Unknown Run Policy",
			mutate:      func(o *Options) { o.RunPolicy = "queue" },
			expectError: true,
			errorSubstr: "runPolicy must be",
		},
		{
			name:        "Template Format Without Template",
			mutate:      func(o *Options) { o.Format = "template" },
			expectError: true,
			errorSubstr: "template must be set",
		},
		{
			name:        "Unknown Format",
			mutate:      func(o *Options) { o.Format = "xml" },
			expectError: true,
			errorSubstr: "format must be one of",
		},
		{
			name:        "Negative Output Cap",
			mutate:      func(o *Options) { o.Output.MaxBytes = -5 },
			expectError: true,
			errorSubstr: "output.maxBytes must be non-negative",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			opts := Default()
			tc.mutate(&opts)
			err := opts.ValidateConfig()
			if tc.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.errorSubstr)
				assert.True(t, strings.HasPrefix(err.Error(), "invalid configuration: "))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRestoreEnvKeys(t *testing.T) {
	loaded := map[string]string{"app_env": "testing", "http_proxy": "http://proxy:3128", "from_env": "x"}
	tempDir := t.TempDir()

	tests := []struct {
		name     string
		file     string
		content  string
		expected map[string]string
	}{
		{
			name:     "YAML",
			file:     "phpunitkit.yaml",
			content:  "overrideEnv:\n  APP_ENV: testing\n  http_proxy: http://proxy:3128\n",
			expected: map[string]string{"APP_ENV": "testing", "http_proxy": "http://proxy:3128", "from_env": "x"},
		},
		{
			name:     "TOML",
			file:     "phpunitkit.toml",
			content:  "[overrideEnv]\nAPP_ENV = \"testing\"\nhttp_proxy = \"http://proxy:3128\"\n",
			expected: map[string]string{"APP_ENV": "testing", "http_proxy": "http://proxy:3128", "from_env": "x"},
		},
		{
			name:     "JSON",
			file:     "phpunitkit.json",
			content:  `{"overrideEnv": {"App_Env": "testing"}}`,
			expected: map[string]string{"App_Env": "testing", "http_proxy": "http://proxy:3128", "from_env": "x"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := Default()
			opts.ConfigFile = createTempFile(t, tempDir, tt.file, tt.content)
			opts.OverrideEnv = make(map[string]string, len(loaded))
			for k, v := range loaded {
				opts.OverrideEnv[k] = v
			}
			require.NoError(t, opts.RestoreEnvKeys())
			assert.Equal(t, tt.expected, opts.OverrideEnv)
		})
	}

	t.Run("No Config File", func(t *testing.T) {
		opts := Default()
		opts.OverrideEnv = map[string]string{"app_env": "testing"}
		require.NoError(t, opts.RestoreEnvKeys())
		assert.Equal(t, map[string]string{"app_env": "testing"}, opts.OverrideEnv)
	})

	t.Run("Missing Config File", func(t *testing.T) {
		opts := Default()
		opts.ConfigFile = filepath.Join(tempDir, "gone.yaml")
		opts.OverrideEnv = map[string]string{"app_env": "testing"}
		assert.Error(t, opts.RestoreEnvKeys())
	})
}

func TestValidateConfigCollectsAllErrors(t *testing.T) {
	opts := Default()
	opts.MaxSearchSecs = -1
	opts.RunPolicy = "bogus"
	err := opts.ValidateConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxSearchSecs")
	assert.Contains(t, err.Error(), "runPolicy")
}

// TestConfigLoadingPrecedence verifies that explicit sets override env vars,
// which override config files, which override defaults.
func TestConfigLoadingPrecedence(t *testing.T) {
	tempDir := t.TempDir()
	yamlFile := createTempFile(t, tempDir, "phpunitkit.yaml", `
maxSearchSecs: 5
pathToPhpunit: bin/phpunit
phpunitXmlLocationHints: [app, tests]
phpunitAdditionalArgs:
  --stop-on-failure: ""
  --colors: never
overrideEnv:
  APP_ENV: testing
watch:
  debounce: 1s
`)
	tomlFile := createTempFile(t, tempDir, "phpunitkit.toml", `
maxSearchSecs = 7
copyEnv = false
folderExclusions = ["vendor", "node_modules"]
`)

	setDefaults := func(v *viper.Viper) {
		d := Default()
		v.SetDefault("maxSearchSecs", d.MaxSearchSecs)
		v.SetDefault("copyEnv", d.CopyEnv)
		v.SetDefault("runPolicy", d.RunPolicy)
		v.SetDefault("watch.debounce", "300ms")
	}

	tests := []struct {
		name   string
		setup  func(v *viper.Viper)
		verify func(t *testing.T, o Options)
	}{
		{
			name:  "Defaults Only",
			setup: setDefaults,
			verify: func(t *testing.T, o Options) {
				assert.Equal(t, 2, o.MaxSearchSecs)
				assert.True(t, o.CopyEnv)
				assert.Equal(t, 300*time.Millisecond, o.Watch.Debounce)
			},
		},
		{
			name: "YAML File Overrides Defaults",
			setup: func(v *viper.Viper) {
				setDefaults(v)
				v.SetConfigFile(yamlFile)
				require.NoError(t, v.ReadInConfig())
			},
			verify: func(t *testing.T, o Options) {
				assert.Equal(t, 5, o.MaxSearchSecs)
				assert.Equal(t, "bin/phpunit", o.PathToPhpunit)
				assert.Equal(t, []string{"app", "tests"}, o.PhpunitXMLLocationHints)
				assert.Equal(t, "never", o.PhpunitAdditionalArgs["--colors"])
				assert.Contains(t, o.PhpunitAdditionalArgs, "--stop-on-failure")
				assert.Equal(t, "testing", o.OverrideEnv["app_env"], "viper lowercases map keys")
				assert.Equal(t, time.Second, o.Watch.Debounce)
			},
		},
		{
			name: "TOML File Overrides Defaults",
			setup: func(v *viper.Viper) {
				setDefaults(v)
				v.SetConfigFile(tomlFile)
				require.NoError(t, v.ReadInConfig())
			},
			verify: func(t *testing.T, o Options) {
				assert.Equal(t, 7, o.MaxSearchSecs)
				assert.False(t, o.CopyEnv)
				assert.Equal(t, []string{"vendor", "node_modules"}, o.FolderExclusions)
			},
		},
		{
			name: "Env Overrides File",
			setup: func(v *viper.Viper) {
				setDefaults(v)
				v.SetConfigFile(tomlFile)
				require.NoError(t, v.ReadInConfig())
				t.Setenv("PHPUNITKIT_MAXSEARCHSECS", "9")
				v.AutomaticEnv()
			},
			verify: func(t *testing.T, o Options) {
				assert.Equal(t, 9, o.MaxSearchSecs)
			},
		},
		{
			name: "Set Overrides Env",
			setup: func(v *viper.Viper) {
				setDefaults(v)
				t.Setenv("PHPUNITKIT_MAXSEARCHSECS", "9")
				v.AutomaticEnv()
				v.Set("maxSearchSecs", 11)
				v.Set("runPolicy", RunPolicyOverlap)
			},
			verify: func(t *testing.T, o Options) {
				assert.Equal(t, 11, o.MaxSearchSecs)
				assert.Equal(t, RunPolicyOverlap, o.RunPolicy)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			v.SetEnvPrefix("PHPUNITKIT")
			v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
			tt.setup(v)

			var opts Options
			require.NoError(t, v.Unmarshal(&opts), "Failed to unmarshal config")
			tt.verify(t, opts)
		})
	}
}
