package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qinfer/internal/logger"
	"github.com/samcharles93/qinfer/internal/model"
)

func synthCmd() *cli.Command {
	var (
		out  string
		seed uint64
	)

	return &cli.Command{
		Name:  "synth",
		Usage: "Write a deterministic random model in the default topology",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .safetensors path",
				Value:       "synthetic.safetensors",
				Destination: &out,
			},
			&cli.Uint64Flag{
				Name:        "seed",
				Usage:       "random seed",
				Value:       1,
				Destination: &seed,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			w, err := model.Synthetic(seed)
			if err != nil {
				return err
			}
			if dir := filepath.Dir(out); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			if err := w.WriteFile(out); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			logger.FromContext(ctx).Info("wrote synthetic model", "path", out, "seed", seed)
			return nil
		},
	}
}
