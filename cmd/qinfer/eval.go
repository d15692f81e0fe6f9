package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/samcharles93/qinfer/internal/dataset"
	"github.com/samcharles93/qinfer/internal/eval"
	"github.com/samcharles93/qinfer/internal/logger"
)

type evalOptions struct {
	images        string
	labels        string
	reference     string
	limit         int
	workers       int
	progressEvery int
	jsonOut       bool
}

// evalSummary is the --json form of a finished evaluation.
type evalSummary struct {
	Model                    string      `json:"model"`
	Report                   eval.Report `json:"report"`
	Accuracy                 float64     `json:"accuracy"`
	ReferenceAccuracy        *float64    `json:"reference_accuracy,omitempty"`
	ReferenceSoftmaxAccuracy *float64    `json:"reference_softmax_accuracy,omitempty"`
	Agreement                *float64    `json:"agreement,omitempty"`
	Elapsed                  string      `json:"elapsed"`
}

func evalCmd() *cli.Command {
	var o evalOptions

	return &cli.Command{
		Name:  "eval",
		Usage: "Measure classification accuracy over an IDX dataset",
		Flags: append(modelFlags(),
			&cli.StringFlag{
				Name:        "images",
				Usage:       "IDX image file (optionally gzipped)",
				Destination: &o.images,
			},
			&cli.StringFlag{
				Name:        "labels",
				Usage:       "IDX label file (optionally gzipped)",
				Destination: &o.labels,
			},
			&cli.StringFlag{
				Name:        "reference",
				Usage:       "JSON file with floating-point reference outputs per sample",
				Destination: &o.reference,
			},
			&cli.IntFlag{
				Name:        "limit",
				Aliases:     []string{"n"},
				Usage:       "evaluate only the first N samples (0 = all)",
				Destination: &o.limit,
			},
			&cli.IntFlag{
				Name:        "eval-workers",
				Usage:       "samples classified concurrently (0 = GOMAXPROCS)",
				Destination: &o.workers,
			},
			&cli.IntFlag{
				Name:        "progress-every",
				Usage:       "print running accuracy every N samples (0 = never)",
				Value:       1000,
				Destination: &o.progressEvery,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the final report as JSON",
				Destination: &o.jsonOut,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyEvalConfig(cmd, cfg, &o)
			if o.images == "" || o.labels == "" {
				return fmt.Errorf("--images and --labels are required")
			}
			return runEval(ctx, o)
		},
	}
}

func runEval(ctx context.Context, o evalOptions) error {
	log := logger.FromContext(ctx)

	net, f, path, err := openNetwork(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	samples, err := dataset.Load(o.images, o.labels, o.limit)
	if err != nil {
		return err
	}

	opts := eval.Options{Workers: o.workers, ProgressEvery: o.progressEvery}
	if o.reference != "" {
		ref, err := eval.LoadReferenceFile(o.reference)
		if err != nil {
			return err
		}
		if ref.Len() < len(samples) {
			log.Warn("reference covers fewer samples than the dataset", "reference", ref.Len(), "samples", len(samples))
		}
		opts.Reference = ref
	}

	p := message.NewPrinter(language.English)
	total := len(samples)
	hasRef := opts.Reference != nil
	if o.progressEvery > 0 {
		opts.Progress = func(r eval.Report) {
			printProgress(p, os.Stderr, r, total, hasRef)
		}
	}

	log.Info("evaluating", "model", path, "samples", total)
	start := time.Now()
	report, err := eval.Run(ctx, net, samples, opts)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	if report.Saturation.Total() > 0 {
		log.Warn("values clamped during requantization", "low", report.Saturation.Low, "high", report.Saturation.High)
	}

	if o.jsonOut {
		sum := evalSummary{
			Model:    modelID(path),
			Report:   report,
			Accuracy: report.Accuracy(),
			Elapsed:  elapsed.String(),
		}
		if hasRef {
			ra, rs, ag := report.ReferenceAccuracy(), report.ReferenceSoftmaxAccuracy(), report.Agreement()
			sum.ReferenceAccuracy, sum.ReferenceSoftmaxAccuracy, sum.Agreement = &ra, &rs, &ag
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}

	printReport(p, os.Stdout, report, hasRef, elapsed)
	return nil
}

func printProgress(p *message.Printer, w io.Writer, r eval.Report, total int, hasRef bool) {
	_, _ = p.Fprintf(w, "[%d/%d] integer %.2f%%", r.Samples, total, 100*r.Accuracy())
	if hasRef {
		_, _ = p.Fprintf(w, "  reference %.2f%%  softmax %.2f%%", 100*r.ReferenceAccuracy(), 100*r.ReferenceSoftmaxAccuracy())
	}
	_, _ = fmt.Fprintln(w)
}

func printReport(p *message.Printer, w io.Writer, r eval.Report, hasRef bool, elapsed time.Duration) {
	_, _ = p.Fprintf(w, "samples:             %d\n", r.Samples)
	_, _ = p.Fprintf(w, "integer accuracy:    %.2f%% (%d correct)\n", 100*r.Accuracy(), r.Correct)
	if hasRef {
		_, _ = p.Fprintf(w, "reference accuracy:  %.2f%% (%d correct)\n", 100*r.ReferenceAccuracy(), r.ReferenceCorrect)
		_, _ = p.Fprintf(w, "softmax accuracy:    %.2f%% (%d correct)\n", 100*r.ReferenceSoftmaxAccuracy(), r.ReferenceSoftmaxCorrect)
		_, _ = p.Fprintf(w, "agreement:           %.2f%%\n", 100*r.Agreement())
	}
	_, _ = p.Fprintf(w, "saturated values:    %d low, %d high\n", r.Saturation.Low, r.Saturation.High)
	_, _ = fmt.Fprintf(w, "elapsed:             %s\n", elapsed.Round(time.Millisecond))
}
