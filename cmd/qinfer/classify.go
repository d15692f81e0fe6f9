package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qinfer/internal/dataset"
	"github.com/samcharles93/qinfer/internal/model"
	"github.com/samcharles93/qinfer/internal/tensor"
)

// classifyOutput is the --json form of one classification.
type classifyOutput struct {
	Model     string      `json:"model"`
	Class     int         `json:"class"`
	Label     *int        `json:"label,omitempty"`
	Logits    []int32     `json:"logits"`
	Scores    []float64   `json:"scores"`
	Saturated int         `json:"saturated"`
	Layers    []traceStep `json:"layers,omitempty"`
}

type traceStep struct {
	Layer     string `json:"layer"`
	Shape     []int  `json:"shape"`
	DType     string `json:"dtype"`
	Min       int32  `json:"min"`
	Max       int32  `json:"max"`
	Saturated int    `json:"saturated"`
}

func classifyCmd() *cli.Command {
	var (
		images  string
		labels  string
		index   int
		pixels  string
		trace   bool
		jsonOut bool
	)

	return &cli.Command{
		Name:  "classify",
		Usage: "Classify a single image",
		Flags: append(modelFlags(),
			&cli.StringFlag{
				Name:        "images",
				Usage:       "IDX image file to take the image from",
				Destination: &images,
			},
			&cli.StringFlag{
				Name:        "labels",
				Usage:       "optional IDX label file, to report the expected class",
				Destination: &labels,
			},
			&cli.IntFlag{
				Name:        "index",
				Aliases:     []string{"i"},
				Usage:       "image index within --images",
				Destination: &index,
			},
			&cli.StringFlag{
				Name:        "pixels",
				Usage:       "JSON array of real input values (\"-\" reads stdin)",
				Destination: &pixels,
			},
			&cli.BoolFlag{
				Name:        "trace",
				Usage:       "report every layer's output",
				Destination: &trace,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the result as JSON",
				Destination: &jsonOut,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, cfg)
			if cfg.Images != "" && !cmd.IsSet("images") && pixels == "" {
				images = cfg.Images
			}

			x, label, err := classifyInput(images, labels, index, pixels)
			if err != nil {
				return err
			}

			net, f, path, err := openNetwork(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			out, err := classifyOne(net, x, trace)
			if err != nil {
				return err
			}
			out.Model = modelID(path)
			out.Label = label

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			printClassification(os.Stdout, out)
			return nil
		},
	}
}

// classifyInput returns the real input vector and, when labels are given,
// the expected class.
func classifyInput(images, labels string, index int, pixels string) ([]float64, *int, error) {
	switch {
	case pixels != "":
		x, err := readPixels(pixels)
		return x, nil, err
	case images != "":
		img, err := dataset.ReadImagesFile(images)
		if err != nil {
			return nil, nil, err
		}
		if index < 0 || index >= len(img.Pixels) {
			return nil, nil, fmt.Errorf("index %d out of range [0, %d)", index, len(img.Pixels))
		}
		x := dataset.Normalize(img.Pixels[index])
		if labels == "" {
			return x, nil, nil
		}
		lbl, err := dataset.ReadLabelsFile(labels)
		if err != nil {
			return nil, nil, err
		}
		if index >= len(lbl) {
			return nil, nil, fmt.Errorf("index %d out of range for %d labels", index, len(lbl))
		}
		l := int(lbl[index])
		return x, &l, nil
	default:
		return nil, nil, fmt.Errorf("one of --images or --pixels is required")
	}
}

func readPixels(src string) ([]float64, error) {
	var r io.Reader = os.Stdin
	if src != "-" {
		f, err := os.Open(src)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	var x []float64
	if err := json.NewDecoder(r).Decode(&x); err != nil {
		return nil, fmt.Errorf("decode pixels: %w", err)
	}
	return x, nil
}

func classifyOne(net *model.Network, x []float64, trace bool) (classifyOutput, error) {
	in, inSat, err := net.Quantize(x)
	if err != nil {
		return classifyOutput{}, err
	}
	tr, err := net.Forward(in)
	if err != nil {
		return classifyOutput{}, err
	}
	logits := tr.Output()
	out := classifyOutput{
		Class:     model.Argmax(logits.Data),
		Logits:    logits.Data,
		Scores:    tensor.Dequantize(logits),
		Saturated: inSat.Add(tr.Saturation()).Total(),
	}
	if trace {
		out.Layers = append(out.Layers, summarize("input", tr.Input, inSat.Total()))
		for _, st := range tr.Steps {
			out.Layers = append(out.Layers, summarize(st.Layer, st.Output, st.Saturation.Total()))
		}
	}
	return out, nil
}

func summarize(name string, t tensor.Tensor, saturated int) traceStep {
	s := traceStep{
		Layer:     name,
		Shape:     append([]int(nil), t.Shape...),
		DType:     t.DType.String(),
		Saturated: saturated,
	}
	if len(t.Data) > 0 {
		s.Min, s.Max = t.Data[0], t.Data[0]
		for _, v := range t.Data[1:] {
			s.Min = min(s.Min, v)
			s.Max = max(s.Max, v)
		}
	}
	return s
}

func printClassification(w io.Writer, out classifyOutput) {
	for _, l := range out.Layers {
		_, _ = fmt.Fprintf(w, "%-12s %-4s %-16v min=%-6d max=%-6d saturated=%d\n",
			l.Layer, l.DType, l.Shape, l.Min, l.Max, l.Saturated)
	}
	_, _ = fmt.Fprintf(w, "class:  %d\n", out.Class)
	if out.Label != nil {
		_, _ = fmt.Fprintf(w, "label:  %d\n", *out.Label)
	}
	_, _ = fmt.Fprintf(w, "logits: %v\n", out.Logits)
	if out.Saturated > 0 {
		_, _ = fmt.Fprintf(w, "saturated values: %d\n", out.Saturated)
	}
}
