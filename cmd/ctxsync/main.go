// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fatih/color"
	"github.com/goccy/go-yaml"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sam-fredrickson/ctxtree"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

// config holds the parsed command line.
type config struct {
	operation    string
	metadata     bool
	allow        []string
	block        []string
	pattern      string
	expression   string
	outputPath   string
	outputFormat format
	report       bool
	verbose      bool
}

func newRootCommand() *cobra.Command {
	var cfg config
	var showVersion bool

	cmd := &cobra.Command{
		Use:   "ctxsync [flags] SOURCE TARGET",
		Short: "Synchronize two configuration documents (YAML, JSON, TOML)",
		Long: `Loads SOURCE and TARGET as context trees, merges SOURCE into TARGET with the
selected operation and writes the resulting TARGET document.

Conflicts are resolved per key. Timestamps for newer-wins merges come from the
files' modification times.`,
		Example: `  # let the newer file win key by key
  ctxsync -o merged.yaml base.yaml local.yaml

  # copy only the database section from prod into staging
  ctxsync --op mergeSourcePriority --allow db prod.yaml staging.yaml`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
				return err
			}
			if len(args) != 2 {
				return fmt.Errorf("expected SOURCE and TARGET, got %d files", len(args))
			}
			if cfg.verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}

			colored := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
			if cfg.outputPath == "" {
				return Run(cfg, args[0], args[1], cmd.OutOrStdout(), cmd.ErrOrStderr(), colored)
			}
			// the output file may be one of the inputs
			var buf bytes.Buffer
			if err := Run(cfg, args[0], args[1], &buf, cmd.ErrOrStderr(), colored); err != nil {
				return err
			}
			return os.WriteFile(cfg.outputPath, buf.Bytes(), 0o644)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.operation, "op", ctxtree.MergeNewerWins.String(),
		"merge operation [updateSourceToTarget, updateTargetToSource, mergeNewerWins, mergeSourcePriority, mergeTargetPriority, noAction]")
	flags.BoolVar(&cfg.metadata, "metadata", false, "also merge metadata")
	flags.StringSliceVar(&cfg.allow, "allow", nil, "only merge these dotted paths")
	flags.StringSliceVar(&cfg.block, "block", nil, "never merge these dotted paths")
	flags.StringVar(&cfg.pattern, "pattern", "", "only merge paths matching this regular expression")
	flags.StringVar(&cfg.expression, "expr", "", "only merge items for which this expression is true")
	flags.StringVarP(&cfg.outputPath, "out", "o", "", "output file path (defaults to stdout)")
	flags.Var(&cfg.outputFormat, "format", `output format [json, yaml, toml] (defaults to TARGET's format)`)
	flags.BoolVar(&cfg.report, "report", false, "print the change report to stderr")
	flags.BoolVarP(&cfg.verbose, "verbose", "v", false, "log merge decisions")
	flags.BoolVar(&showVersion, "version", false, "show version and exit")
	return cmd
}

// Run merges the document at sourcePath into the one at targetPath and
// writes the result to output. With cfg.report set, the change report is
// written to reportOut.
func Run(cfg config, sourcePath, targetPath string, output, reportOut io.Writer, colored bool) error {
	op, err := ctxtree.ParseOperation(cfg.operation)
	if err != nil {
		return err
	}
	filter, err := buildFilter(cfg)
	if err != nil {
		return err
	}

	source, _, err := loadFile(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", sourcePath, err)
	}
	target, targetFormat, err := loadFile(targetPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", targetPath, err)
	}
	outputFormat := cfg.outputFormat
	if outputFormat == "" {
		outputFormat = targetFormat
	}

	merger := ctxtree.NewMerger(ctxtree.MergeOptions{
		SyncMetadata: cfg.metadata,
		Filter:       filter,
	})
	report, err := merger.Merge(source, target, op)
	if err != nil {
		return fmt.Errorf("merge failed: %w", err)
	}
	if cfg.report || op == ctxtree.NoAction {
		printReport(reportOut, report, colored)
	}
	if op == ctxtree.NoAction {
		return nil
	}

	result := target
	if op == ctxtree.UpdateTargetToSource {
		result = source
	}
	marshaled, err := outputFormat.Marshal(result.Get())
	if err != nil {
		return fmt.Errorf("failed to marshal result as %s: %w", outputFormat, err)
	}
	if _, err := output.Write(marshaled); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return report.Err()
}

func buildFilter(cfg config) (ctxtree.Filter, error) {
	var filters []ctxtree.Filter
	if len(cfg.allow) > 0 {
		filters = append(filters, ctxtree.AllowOnly(cfg.allow...))
	}
	if len(cfg.block) > 0 {
		filters = append(filters, ctxtree.BlockOnly(cfg.block...))
	}
	if cfg.pattern != "" {
		re, err := regexp.Compile(cfg.pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
		filters = append(filters, ctxtree.MatchPattern(re))
	}
	if cfg.expression != "" {
		f, err := ctxtree.ExprFilter(cfg.expression)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	switch len(filters) {
	case 0:
		return nil, nil
	case 1:
		return filters[0], nil
	default:
		return ctxtree.And(filters...), nil
	}
}

// loadFile loads a document as a context tree whose items carry the file's
// modification time.
func loadFile(file string) (*ctxtree.Container, format, error) {
	var f format

	info, err := os.Stat(file)
	if err != nil {
		return nil, f, err
	}
	contents, err := os.ReadFile(file)
	if err != nil {
		return nil, f, err
	}

	extension := filepath.Ext(file)
	extension = strings.ToLower(extension)
	var unmarshal func([]byte, any) error
	switch extension {
	case ".yaml", ".yml":
		f = validFormats["yaml"]
		unmarshal = yaml.Unmarshal
	case ".json":
		f = validFormats["json"]
		unmarshal = json.Unmarshal
	case ".toml":
		f = validFormats["toml"]
		unmarshal = toml.Unmarshal
	}
	if unmarshal == nil {
		return nil, f, fmt.Errorf("unsupported file format: %s", extension)
	}

	modTime := info.ModTime()
	c, err := ctxtree.Load(contents, unmarshal, ctxtree.ContainerOptions{
		NodeOptions: ctxtree.NodeOptions{
			Clock: func() time.Time { return modTime },
		},
	})
	if err != nil {
		return nil, f, err
	}
	return c, f, nil
}

func printReport(w io.Writer, report *ctxtree.Report, colored bool) {
	added := color.New(color.FgGreen)
	changed := color.New(color.FgYellow)
	failed := color.New(color.FgRed, color.Bold)
	for _, c := range []*color.Color{added, changed, failed} {
		if colored {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}

	cmp := report.Comparison
	fmt.Fprintf(w, "operation: %s\n", report.Operation)
	fmt.Fprintf(w, "newer: %s\n", cmp.Newer)
	if cmp.Equal {
		fmt.Fprintln(w, "documents are equal")
	} else {
		fmt.Fprintf(w, "differences: %s\n", strings.Join(cmp.Differences, ", "))
	}
	for _, c := range report.Changes {
		switch {
		case c.Err != nil:
			failed.Fprintf(w, "! %s: %v\n", c.Path, c.Err)
		case c.Action == ctxtree.ActionAdded || c.Action == ctxtree.ActionCloned:
			added.Fprintf(w, "+ %s\n", c.Path)
		default:
			changed.Fprintf(w, "~ %s (%s)\n", c.Path, c.Action)
		}
	}
}

type format string

var validFormats = map[string]format{
	"":     format(""),
	"json": format("json"),
	"yaml": format("yaml"),
	"toml": format("toml"),
}

func (f *format) String() string {
	return string(*f)
}

func (f *format) Set(value string) error {
	value = strings.ToLower(value)
	format, ok := validFormats[value]
	if !ok {
		return fmt.Errorf("invalid format %q", value)
	}
	*f = format
	return nil
}

func (f *format) Type() string {
	return "format"
}

func (f *format) Marshal(doc any) ([]byte, error) {
	switch *f {
	case "json":
		return json.MarshalIndent(doc, "", "  ")
	case "yaml":
		return yaml.Marshal(doc)
	case "toml":
		return toml.Marshal(doc)
	default:
		return nil, fmt.Errorf("invalid format %q", *f)
	}
}
