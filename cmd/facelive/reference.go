package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dudu/facelive/internal/detector"
	"github.com/dudu/facelive/internal/inference"
	"github.com/dudu/facelive/internal/reference"
	"github.com/dudu/facelive/internal/swapper"
)

var referenceCmd = &cobra.Command{
	Use:   "reference <image>",
	Short: "Check that an image yields a usable reference face",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		backend, err := inference.ParseBackend(cfg.Inference.Backend)
		if err != nil {
			return err
		}
		p, err := inference.Open(inference.Config{
			Backend:          backend,
			AllowCPUFallback: cfg.Inference.AllowCPUFallback,
			LibraryPath:      cfg.Inference.LibraryPath,
			Logger:           log,
		})
		if err != nil {
			return err
		}
		defer p.Close()

		detModel, err := p.LoadModel(cfg.Models.Detector)
		if err != nil {
			return err
		}
		encModel, err := p.LoadModel(cfg.Models.Encoder)
		if err != nil {
			return err
		}

		refOpts := []reference.Option{reference.WithLogger(log)}
		if cfg.Models.Emap != "" {
			emap, err := swapper.LoadEmap(cfg.Models.Emap)
			if err != nil {
				return err
			}
			refOpts = append(refOpts, reference.WithEmap(emap))
		}
		det := detector.NewSCRFD(detModel, cfg.Detection.InputSize, cfg.Detection.Threshold, cfg.Detection.NMSThreshold)
		refs := reference.NewManager(det, swapper.NewArcFaceEncoder(encModel), refOpts...)

		if err := refs.SetReferenceFile(cmd.Context(), args[0]); err != nil {
			return err
		}
		face := refs.Current()
		b := face.Box
		fmt.Fprintf(cmd.OutOrStdout(), "%s: face at (%.0f,%.0f)-(%.0f,%.0f), %.0fx%.0f px\n",
			args[0], b.X1, b.Y1, b.X2, b.Y2, b.Width(), b.Height())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(referenceCmd)
}
