package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/samcharles93/qinfer/internal/model"
	"github.com/samcharles93/qinfer/internal/safetensors"
)

type inspectTensor struct {
	Name  string                 `json:"name"`
	DType string                 `json:"dtype"`
	Shape []int                  `json:"shape"`
	Bytes int64                  `json:"bytes"`
	Quant *safetensors.QuantInfo `json:"quant,omitempty"`
}

type inspectOutput struct {
	Model    string            `json:"model"`
	Format   string            `json:"format,omitempty"`
	Bindings map[string]string `json:"bindings,omitempty"`
	Tensors  []inspectTensor   `json:"tensors"`
	// Activations carry quantization records but no data.
	Activations map[string]safetensors.QuantInfo `json:"activations,omitempty"`
	Layers      []model.LayerInfo                `json:"layers,omitempty"`
}

func inspectCmd() *cli.Command {
	var (
		showTensors bool
		showLayers  bool
		jsonOut     bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Show the tensors, quantization records and layers of a model",
		Flags: append(modelFlags(),
			&cli.BoolFlag{
				Name:        "tensors",
				Usage:       "list tensors and their quantization",
				Value:       true,
				Destination: &showTensors,
			},
			&cli.BoolFlag{
				Name:        "layers",
				Usage:       "resolve the layer chain and show fixed-point multipliers",
				Value:       true,
				Destination: &showLayers,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print as JSON",
				Destination: &jsonOut,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, cfg)
			path, err := resolveModelPath(modelPath, modelsDir, os.Stderr)
			if err != nil {
				return err
			}
			f, err := safetensors.Open(path)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			out := describeFile(f, path)
			if showLayers {
				net, err := model.Load(model.FromFile(f))
				if err != nil {
					return fmt.Errorf("load %s: %w", path, err)
				}
				out.Layers = net.Describe()
			}
			if !showTensors {
				out.Tensors, out.Activations = nil, nil
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			printInspect(os.Stdout, out)
			return nil
		},
	}
}

func describeFile(f *safetensors.File, path string) inspectOutput {
	out := inspectOutput{
		Model:    modelID(path),
		Format:   f.Metadata[safetensors.MetaFormat],
		Bindings: map[string]string{},
	}
	for _, role := range []string{"input", "output"} {
		if name, ok := f.Binding(role); ok {
			out.Bindings[role] = name
		}
	}

	for _, name := range f.Names() {
		t, _ := f.Tensor(name)
		it := inspectTensor{Name: name, DType: t.DType, Shape: t.Shape, Bytes: t.End - t.Start}
		if qi, err := f.QuantParams(name); err == nil {
			it.Quant = &qi
		}
		out.Tensors = append(out.Tensors, it)
	}
	for _, name := range f.QuantNames() {
		if _, ok := f.Tensor(name); ok {
			continue
		}
		qi, err := f.QuantParams(name)
		if err != nil {
			continue
		}
		if out.Activations == nil {
			out.Activations = map[string]safetensors.QuantInfo{}
		}
		out.Activations[name] = qi
	}
	return out
}

func printInspect(w io.Writer, out inspectOutput) {
	_, _ = fmt.Fprintf(w, "model: %s\n", out.Model)
	if out.Format != "" {
		_, _ = fmt.Fprintf(w, "format: %s\n", out.Format)
	}
	for _, role := range sortedKeys(out.Bindings) {
		_, _ = fmt.Fprintf(w, "%s: %s\n", role, out.Bindings[role])
	}

	if len(out.Tensors) > 0 {
		_, _ = fmt.Fprintln(w, "\nTensors:")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "NAME\tDTYPE\tSHAPE\tSCALE\tZERO POINT")
		for _, t := range out.Tensors {
			scale, zp := "-", "-"
			if t.Quant != nil {
				scale = fmt.Sprintf("%g", t.Quant.Scale)
				zp = fmt.Sprintf("%d", t.Quant.ZeroPoint)
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%s\n", t.Name, t.DType, t.Shape, scale, zp)
		}
		_ = tw.Flush()
	}

	if len(out.Activations) > 0 {
		_, _ = fmt.Fprintln(w, "\nActivations:")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "NAME\tDTYPE\tSCALE\tZERO POINT")
		for _, name := range sortedKeys(out.Activations) {
			qi := out.Activations[name]
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%g\t%d\n", name, qi.DType, qi.Scale, qi.ZeroPoint)
		}
		_ = tw.Flush()
	}

	if len(out.Layers) > 0 {
		_, _ = fmt.Fprintln(w, "\nLayers:")
		title := cases.Title(language.English)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "NAME\tKIND\tWEIGHT\tOUTPUT\tM0\tSHIFT\tREAL")
		for _, l := range out.Layers {
			kind := title.String(strings.ReplaceAll(l.Kind, "_", " "))
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s%v\t%v\t%d\t%d\t%.9g\n",
				l.Name, kind, l.WeightType, l.WeightShape, l.OutputShape,
				l.Multiplier.M0, l.Multiplier.RightShift, l.RealMultiplier)
		}
		_ = tw.Flush()
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
