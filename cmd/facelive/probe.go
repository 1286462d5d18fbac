package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dudu/facelive/internal/inference"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check the execution backend and print each model's inputs and outputs",
	RunE: func(cmd *cobra.Command, _ []string) error {
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

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "backend: %s (requested %s)\n\n", p.Backend(), backend)

		m := cfg.Models
		var errs []error
		for _, path := range []string{m.Detector, m.Encoder, m.Swapper, m.Enhancer.Model} {
			if path == "" {
				continue
			}
			info, err := inference.Describe(path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			info.Print(out)
			fmt.Fprintln(out)
		}
		return errors.Join(errs...)
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}
