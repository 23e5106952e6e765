package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/gpx-parts/backend/internal/gpx"
	"github.com/gpx-parts/backend/internal/logger"
	"github.com/spf13/cobra"
)

type extractOptions struct {
	name        string
	concurrency int
	jsonOutput  bool
	logLevel    string
}

func newRootCommand() *cobra.Command {
	opts := &extractOptions{}

	cmd := &cobra.Command{
		Use:   "gpx-extract <input.gpx> [output_dir]",
		Short: "Split a GPX file into markers, per-track and per-route files",
		Long: `Split a GPX file into its components.

Writes <name>_markers.gpx with every waypoint, one file per track and per
route, and <name>_summary.txt. The output directory defaults to
<stem>_extracted next to the input file. Nothing is written when the input
cannot be parsed. Existing files with the same names are overwritten.`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.InitWriter(opts.logLevel, "console", cmd.ErrOrStderr())

			outDir := ""
			if len(args) > 1 {
				outDir = args[1]
			}
			return runExtract(cmd, args[0], outDir, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.name, "name", "n", "", "base name for the markers and summary files (default: sanitized input stem)")
	flags.IntVarP(&opts.concurrency, "concurrency", "j", 0, "documents rendered in parallel (default: number of CPUs)")
	flags.BoolVar(&opts.jsonOutput, "json", false, "print the result as JSON instead of a table")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	return cmd
}

func runExtract(cmd *cobra.Command, input, outDir string, opts *extractOptions) error {
	log := logger.Component("gpx-extract")

	data, err := os.ReadFile(input)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("file does not exist: %s", input)
		}
		return fmt.Errorf("read input: %w", err)
	}

	if outDir == "" {
		outDir = defaultOutputDir(input)
	}

	res, err := gpx.ExtractAll(cmd.Context(), data, gpx.Options{
		SourceName:  filepath.Base(input),
		BaseName:    gpx.SanitizeName(opts.name),
		Concurrency: opts.concurrency,
	})
	if err != nil {
		var perr *gpx.ParseError
		if errors.As(err, &perr) {
			return fmt.Errorf("%s is not valid GPX: %w", input, err)
		}
		return err
	}

	if err := writeOutputs(outDir, res.All()); err != nil {
		return err
	}
	log.Info().Str("dir", outDir).Int("files", len(res.All())).Msg("Extraction written")

	if opts.jsonOutput {
		return printJSON(cmd.OutOrStdout(), outDir, res)
	}
	printTable(cmd.OutOrStdout(), outDir, res)
	return nil
}

func defaultOutputDir(input string) string {
	stem := gpx.Stem(input)
	return filepath.Join(filepath.Dir(input), stem+"_extracted")
}

func writeOutputs(dir string, files []gpx.OutputFile) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.Name), f.Content, 0644); err != nil {
			return fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	return nil
}

func printTable(w io.Writer, dir string, res *gpx.Result) {
	headers := []string{"File", "Kind", "Points", "Size"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignRight, alignRight}

	var rows [][]string
	for _, f := range res.All() {
		points := strconv.Itoa(f.Points)
		if f.Kind == gpx.KindSummary {
			points = "-"
		}
		rows = append(rows, []string{f.Name, string(f.Kind), points, humanize.Bytes(uint64(len(f.Content)))})
	}

	fmt.Fprintln(w, renderTable(headers, rows, aligns))
	t := res.Totals
	fmt.Fprintf(w, "%s markers, %d tracks (%s points), %d routes (%s points) written to %s\n",
		humanize.Comma(int64(t.Markers)),
		t.Tracks, humanize.Comma(int64(t.TrackPoints)),
		t.Routes, humanize.Comma(int64(t.RoutePoints)),
		dir)
}

type jsonResult struct {
	Directory string           `json:"directory"`
	Files     []gpx.OutputFile `json:"files"`
	Totals    gpx.Totals       `json:"totals"`
}

func printJSON(w io.Writer, dir string, res *gpx.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jsonResult{Directory: dir, Files: res.All(), Totals: res.Totals})
}
