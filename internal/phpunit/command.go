// Package phpunit builds PHPUnit invocations: the argument vector, the
// working directory, the environment policy, and the header lines shown
// above the output.
package phpunit

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/stackvity/phpunitkit/internal/config"
	"github.com/stackvity/phpunitkit/internal/filesystem"
	"github.com/stackvity/phpunitkit/internal/runner"
)

// DefaultExecutable is used when neither pathToPhpunit nor a Composer
// install provides one.
const DefaultExecutable = "phpunit"

// vendorExecutable is the Composer-installed runner, relative to the folder.
var vendorExecutable = filepath.Join("vendor", "bin", "phpunit")

// Invocation describes one run before it is turned into a command.
type Invocation struct {
	Folder     string // working directory, normally the project root
	ConfigFile string // absolute or folder-relative; passed with -c only if it exists
	ClassName  string
	TestFile   string
}

// Builder turns invocations into runner commands using the configured
// executable, extra arguments and environment.
type Builder struct {
	fs             filesystem.FileSystem
	pathToPhpunit  string
	additionalArgs map[string]string
	env            runner.EnvPolicy
}

// NewBuilder creates a Builder from the loaded options.
func NewBuilder(fsys filesystem.FileSystem, opts *config.Options) *Builder {
	return &Builder{
		fs:             fsys,
		pathToPhpunit:  opts.PathToPhpunit,
		additionalArgs: opts.PhpunitAdditionalArgs,
		env:            runner.EnvPolicy{Inherit: opts.CopyEnv, Overrides: opts.OverrideEnv},
	}
}

// Build returns the command for inv along with the header lines to show
// before it starts.
func (b *Builder) Build(inv Invocation) (runner.Command, []string) {
	folder := filepath.Clean(inv.Folder)
	args := []string{b.executable(folder)}
	args = append(args, b.extraArgs()...)

	configFile := relativeTo(folder, inv.ConfigFile)
	if configFile != "" && filesystem.IsFile(b.fs, absoluteIn(folder, configFile)) {
		args = append(args, "-c", configFile)
	}
	if inv.ClassName != "" {
		args = append(args, inv.ClassName)
	}
	if testFile := relativeTo(folder, inv.TestFile); testFile != "" {
		args = append(args, testFile)
	}

	cmd := runner.Command{Args: args, Dir: folder, Env: b.env}
	header := []string{
		fmt.Sprintf("# Running in folder: %s\n", folder),
		fmt.Sprintf("# Configfile is: %s\n", configFile),
		fmt.Sprintf("$ %s\n", cmd),
	}
	return cmd, header
}

func (b *Builder) executable(folder string) string {
	if b.pathToPhpunit != "" {
		return b.pathToPhpunit
	}
	if filesystem.IsFile(b.fs, filepath.Join(folder, vendorExecutable)) {
		return vendorExecutable
	}
	return DefaultExecutable
}

// extraArgs renders phpunitAdditionalArgs in key order, as key or key=value.
func (b *Builder) extraArgs() []string {
	keys := make([]string, 0, len(b.additionalArgs))
	for k := range b.additionalArgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := b.additionalArgs[k]; v != "" {
			args = append(args, k+"="+v)
		} else {
			args = append(args, k)
		}
	}
	return args
}

// relativeTo strips folder from path when path lies under it.
func relativeTo(folder, path string) string {
	if path == "" || !filepath.IsAbs(path) {
		return path
	}
	rel, err := filepath.Rel(folder, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return rel
}

func absoluteIn(folder, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(folder, path)
}
