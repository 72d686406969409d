package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-rtgun/internal/pipeline"
	"github.com/teslashibe/go-rtgun/internal/timeutil"
)

// writeOutput renders a sync or tdoa report in the requested format
func writeOutput(w io.Writer, format string, report any) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		return writeYAML(w, report)
	case "text", "":
		return writeText(w, report)
	default:
		return fmt.Errorf("unknown output format %q (text, json, yaml)", format)
	}
}

// writeYAML goes through JSON so the json tags name the keys and times keep
// their RFC 3339 form
func writeYAML(w io.Writer, report any) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to convert report: %w", err)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

func writeText(w io.Writer, report any) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	switch r := report.(type) {
	case *pipeline.SyncReport:
		fmt.Fprintf(tw, "trigger\t%s\n", timeutil.FormatISO(r.Trigger))
		fmt.Fprintf(tw, "window\t%s .. %s\n", timeutil.FormatISO(r.WindowStart), timeutil.FormatISO(r.WindowEnd))
		fmt.Fprintf(tw, "samples\t%d @ %d Hz\n", r.Length, r.SampleRate)
		fmt.Fprintf(tw, "status\t%s\n", r.Status)
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "MIC\tCOVERAGE\tSOURCE OFFSET")
		for _, win := range r.Windows {
			fmt.Fprintf(tw, "%s\t%s\t%d\n", win.MicID, win.Coverage, win.SourceOffset)
		}
		if len(r.Files) > 0 {
			fmt.Fprintln(tw)
			for _, f := range r.Files {
				fmt.Fprintf(tw, "wrote\t%s\n", f)
			}
		}

	case *pipeline.Report:
		fmt.Fprintf(tw, "trigger\t%s\n", timeutil.FormatISO(r.Trigger))
		fmt.Fprintf(tw, "window\t%s .. %s\n", timeutil.FormatISO(r.WindowStart), timeutil.FormatISO(r.WindowEnd))
		fmt.Fprintf(tw, "status\t%s\n", r.Status)
		fmt.Fprintf(tw, "reference\t%s\n", r.Reference)
		if r.MaxLag > 0 {
			fmt.Fprintf(tw, "max lag\t%.6f s\n", r.MaxLag)
		} else {
			fmt.Fprintln(tw, "max lag\tunbounded")
		}
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "MIC\tDELAY (ms)\tDELAY (samples)\tPEAK")
		for _, d := range r.Delays {
			fmt.Fprintf(tw, "%s\t%.4f\t%.3f\t%.3f\n", d.MicID, d.DelaySeconds*1000, d.DelaySamples, d.Peak)
		}
		fmt.Fprintln(tw)
		if r.Azimuth != nil {
			fmt.Fprintf(tw, "azimuth\t%.2f deg\n", *r.Azimuth)
		} else {
			fmt.Fprintf(tw, "azimuth\tundefined (%d equations, rank %d)\n", r.Bearing.Equations, r.Bearing.Rank)
		}

	default:
		return fmt.Errorf("no text rendering for %T", report)
	}

	return tw.Flush()
}
