package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/dudu/facelive/internal/app"
	"github.com/dudu/facelive/internal/observe"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Capture, swap and display until quit",
	Example: `  facelive run --config facelive.yaml
  facelive run -c facelive.yaml --reference face.jpg --device 1
  facelive run -c facelive.yaml --device clip.mp4 --headless`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		shutdown, err := observe.Setup(ctx, observe.Telemetry{
			Version:    Version,
			Backend:    cfg.Inference.Backend,
			Serialized: cfg.Inference.Serialize,
			Device:     cfg.Capture.Device,
		})
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				log.Warn("telemetry shutdown", "err", err)
			}
		}()

		a, err := app.New(ctx, cfg, app.WithLogger(log))
		if err != nil {
			return err
		}
		defer a.Close()

		if cfg.Reference == "" {
			log.Warn("no reference face set, frames pass through until one is posted")
		}
		return a.Run(ctx)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&opts.device, "device", "d", "", "Camera index or video file")
	f.StringVarP(&opts.reference, "reference", "r", "", "Reference face image")
	f.StringVar(&opts.metrics, "metrics-addr", "", "Serve /metrics and health endpoints on this address")
	f.Float64Var(&opts.fps, "fps", 0, "Target frames per second")
	f.BoolVar(&opts.headless, "headless", false, "Run without a preview window")
	rootCmd.AddCommand(runCmd)
}
