package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gonkalabs/piigate/internal/config"
	"github.com/gonkalabs/piigate/internal/pii"
)

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan [file]",
		Short: "Run the configured detectors over a file or stdin",
		Long: "scan prints one line per detected span (kind, byte offsets, confidence)\n" +
			"followed by per-kind counts of what would be redacted. Span values are\n" +
			"never printed.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadDetectors()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			det, err := buildDetector(cfg, logger)
			if err != nil {
				return err
			}
			return runScan(cmd.Context(), det, in, cmd.OutOrStdout())
		},
	}
}

// scanner is satisfied by *pii.Composite.
type scanner interface {
	Scan(ctx context.Context, text string) pii.Detection
}

func runScan(ctx context.Context, det scanner, in io.Reader, out io.Writer) error {
	raw, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("scan: read input: %w", err)
	}
	text := string(raw)
	d := det.Scan(ctx, text)

	spans := append([]pii.Span(nil), d.Spans...)
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End > spans[j].End
	})

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tSTART\tEND\tCONFIDENCE")
	for _, s := range spans {
		fmt.Fprintf(w, "%s\t%d\t%d\t%.2f\n", s.Kind, s.Start, s.End, s.Confidence)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	// What redaction would accept after overlap resolution.
	vault := pii.NewVault()
	vault.Reserve(text)
	vault.Redact(text, d.Spans)
	defer vault.Purge()

	counts := vault.Counts()
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	fmt.Fprintln(out)
	for _, k := range kinds {
		fmt.Fprintf(out, "redacted %s %d\n", k, counts[pii.Kind(k)])
	}
	dropped := vault.Dropped()
	reasons := make([]string, 0, len(dropped))
	for r := range dropped {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(out, "dropped %s %d\n", r, dropped[pii.DropReason(r)])
	}
	if d.BelowThreshold > 0 {
		fmt.Fprintf(out, "below_threshold %d\n", d.BelowThreshold)
	}
	for _, name := range d.Failed {
		fmt.Fprintf(out, "failed %s\n", name)
	}
	return nil
}
