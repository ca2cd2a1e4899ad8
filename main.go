package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"raw-shutter-pi/pkg/camera"
	"raw-shutter-pi/pkg/camera/fake"
	"raw-shutter-pi/pkg/camera/v4l"
	"raw-shutter-pi/pkg/capture"
	"raw-shutter-pi/pkg/clock"
	"raw-shutter-pi/pkg/config"
	"raw-shutter-pi/pkg/server"
	"raw-shutter-pi/pkg/storage"
	"raw-shutter-pi/pkg/storage/image"
	"raw-shutter-pi/pkg/utils"
	"raw-shutter-pi/pkg/webdav"
)

const software = "raw-shutter"

var (
	cfgFile string
	cfg     *config.Config

	logger *zap.SugaredLogger
)

func init() {
	logger = utils.GetLogger()
}

func main() {
	defer logger.Sync()

	rootCmd := &cobra.Command{
		Use:           "raw-shutter",
		Short:         "Single-shot RAW capture to DNG",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(cfgFile); err != nil {
				return err
			}
			return utils.SetLevel(cfg.Log.Level)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: config.yaml in ., $HOME/.raw-shutter, /etc/raw-shutter)")
	rootCmd.AddCommand(serveCmd(), listCmd(), captureCmd())

	if err := rootCmd.Execute(); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			svc, gallery, err := newService(ctx, true)
			if err != nil {
				return err
			}
			dav := webdav.New(ctx, cfg.Webdav.Port, gallery.Dir())
			defer dav.Stop()

			srv := server.New(svc, gallery, dav, logger, server.WithAllowOrigins(cfg.Server.AllowOrigins...))
			utils.ListenAndServe(srv.Router(), cfg.Server.Port)
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List camera ids",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := camera.NewCatalog(newHardware()).ListDeviceIDs()
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func captureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capture <cameraId>",
		Short: "Capture one raw frame and print the DNG path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, gallery, err := newService(cmd.Context(), false)
			if err != nil {
				return err
			}
			out := svc.CaptureImage(cmd.Context(), args[0])
			if !out.OK() {
				return fmt.Errorf("%s: %s", out.ErrorCode, out.Message)
			}
			if err := gallery.Announce(out.FilePath); err != nil {
				logger.Warnf("index %s: %v", out.FilePath, err)
			}
			fmt.Println(out.FilePath)
			return nil
		},
	}
}

func newHardware() camera.Hardware {
	if cfg.Camera.Backend == config.BackendFake {
		return fake.New()
	}
	return v4l.New(cfg.Camera.DeviceGlob)
}

func newClock(ctx context.Context) clock.Clock {
	if cfg.Clock.NTPServer == "" {
		return clock.System{}
	}
	c := clock.NewNTP(cfg.Clock.NTPServer, logger)
	if err := c.Sync(); err != nil {
		logger.Warnf("clock sync: %v, using system time", err)
	}
	go c.Run(ctx, cfg.Clock.SyncInterval)
	return c
}

// newService wires the capture pipeline. With announce set, written files
// are indexed in the background.
func newService(ctx context.Context, announce bool) (*capture.Service, *storage.Gallery, error) {
	gallery, err := storage.New(cfg.Storage.Dir, logger)
	if err != nil {
		return nil, nil, err
	}
	w, err := image.New(cfg.Storage.Dir, newClock(ctx), software, logger)
	if err != nil {
		return nil, nil, err
	}
	opts := []capture.Option{
		capture.WithStageTimeout(cfg.Capture.StageTimeout),
		capture.WithLogger(logger),
	}
	if announce {
		opts = append(opts, capture.WithIndexer(gallery))
	}
	svc := capture.NewService(newHardware(), w, opts...)
	return svc, gallery, nil
}
