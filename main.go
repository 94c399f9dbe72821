package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"

	"github.com/Tutortoise/layout-analysis-service/config"
	"github.com/Tutortoise/layout-analysis-service/dataset"
	"github.com/Tutortoise/layout-analysis-service/detections"
	"github.com/Tutortoise/layout-analysis-service/imagecache"
	"github.com/Tutortoise/layout-analysis-service/importer"
	"github.com/Tutortoise/layout-analysis-service/jobs"
	"github.com/Tutortoise/layout-analysis-service/models"
	"github.com/Tutortoise/layout-analysis-service/muret"
	"github.com/Tutortoise/layout-analysis-service/predict"
	"github.com/Tutortoise/layout-analysis-service/render"
	"github.com/Tutortoise/layout-analysis-service/telemetry"
)

func logTimings(t *models.ProcessingTimings) {
	slog.Debug("processing times",
		"request_id", t.RequestID,
		"decode", t.ImageDecode,
		"resize", t.Resize,
		"preprocess", t.Preprocess,
		"inference", t.Inference,
		"postprocess", t.Postprocess,
		"suppression", t.Suppression,
		"total", t.Total,
	)
}

type AppState struct {
	Config   *config.Config
	Cache    *imagecache.Cache
	Importer *importer.Importer
	Registry *Registry
	Jobs     *jobs.Manager

	mu   sync.Mutex
	busy map[string]struct{}
}

func newAppState(ctx context.Context, cfg *config.Config, open sessionOpener) (*AppState, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	options := []imagecache.Option{imagecache.WithTimeout(cfg.Import.DownloadTimeout)}
	for host, every := range cfg.Import.HostLimits {
		options = append(options, imagecache.WithHostLimit(host, every))
	}

	cache, err := imagecache.New(cfg.CacheDir(), options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create image cache: %w", err)
	}

	imp := importer.New(cfg.DataDir, cache)
	imp.Workers = cfg.Import.Workers

	if open == nil {
		open = func(modelPath string, defaultSize int) (*detections.ModelSession, error) {
			if err := initRuntime(cfg.Runtime.LibraryPath); err != nil {
				return nil, err
			}
			return detections.OpenSession(modelPath, defaultSize)
		}
	}

	registry, err := NewRegistry(cfg.CheckpointsDir(), cfg.Runtime.PoolSize, open, telemetry.Meter())
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint registry: %w", err)
	}

	metrics, err := jobs.NewMetrics(telemetry.Meter())
	if err != nil {
		return nil, err
	}

	return &AppState{
		Config:   cfg,
		Cache:    cache,
		Importer: imp,
		Registry: registry,
		Jobs:     jobs.NewManager(ctx, metrics),
		busy:     make(map[string]struct{}),
	}, nil
}

// claim marks a package as used by a job. Import and predict both rewrite
// files inside the package.
func (s *AppState) claim(name string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.busy[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPackageBusy, name)
	}
	s.busy[name] = struct{}{}

	return func() {
		s.mu.Lock()
		delete(s.busy, name)
		s.mu.Unlock()
	}, nil
}

func (s *AppState) packageDir(name string) (string, error) {
	dir, err := s.Config.PackageDir(name)
	if err != nil {
		return "", fmt.Errorf("%w: %w", importer.ErrInvalidPackage, err)
	}
	return dir, nil
}

func (s *AppState) Close() {
	s.Jobs.Wait()
	s.Registry.Close()
}

// logReporter prints job progress for the command line.
type logReporter struct{}

func (logReporter) Progress(current, total int, message string) {
	slog.Info(message, "current", current, "total", total)
}

func (logReporter) Info(message string) {
	slog.Info(message)
}

func (logReporter) Warning(message string) {
	slog.Warn(message)
}

type cli struct {
	configPath string
	debug      bool

	cfg      *config.Config
	shutdown func(context.Context) error
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfigFile(c.configPath)
	if err != nil {
		return err
	}

	if c.debug {
		cfg.Debug = true
	}

	shutdown, err := telemetry.Setup(cmd.Context(), os.Stderr, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}

	c.cfg = cfg
	c.shutdown = shutdown
	return nil
}

func (c *cli) close() error {
	destroyRuntime()

	if c.shutdown == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.shutdown(ctx)
}

func newRootCommand(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:               "layoutd",
		Short:             "Layout analysis of music manuscripts",
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
	}

	root.PersistentFlags().StringVar(&c.configPath, "config", config.DefaultConfigPath, "configuration file")
	root.PersistentFlags().BoolVar(&c.debug, "debug", false, "log processing times and debug messages")

	root.AddCommand(
		newServeCommand(c),
		newImportCommand(c),
		newPredictCommand(c),
		newRenderCommand(c),
	)

	return root
}

func newServeCommand(c *cli) *cobra.Command {
	var addr, dataDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the web interface and API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := c.cfg
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			state, err := newAppState(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer state.Close()

			srv := &http.Server{
				Handler:      state.handler(),
				Addr:         cfg.Server.Addr,
				WriteTimeout: cfg.Server.WriteTimeout,
				ReadTimeout:  cfg.Server.ReadTimeout,
			}

			errc := make(chan error, 1)
			go func() {
				slog.Info("starting server", "addr", srv.Addr, "data_dir", cfg.DataDir)
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			slog.Info("shutting down server")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address")
	cmd.Flags().StringVar(&dataDir, "data", "", "data directory")

	return cmd
}

func newImportCommand(c *cli) *cobra.Command {
	var (
		format, kind, name string
		resize             int
		splits             dataset.Splits
	)

	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import a manuscript description as a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			state, err := newAppState(cmd.Context(), c.cfg, nil)
			if err != nil {
				return err
			}
			defer state.Close()

			parsed, err := importer.ParseFormat(format)
			if err != nil {
				return err
			}

			req := &importer.Request{
				Filename:    filepath.Base(args[0]),
				Data:        data,
				Format:      parsed,
				PackageName: name,
				Resize:      resize,
				Kind:        muret.ObjectKind(kind),
				Splits:      splits,
			}

			result, err := state.Importer.Import(cmd.Context(), req, logReporter{})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d images in %s\n", result.Package, result.Images, result.Path)
			return nil
		},
	}

	defaults := config.NewDefaultConfig().Import

	cmd.Flags().StringVar(&format, "format", string(importer.FormatRepertorium), "input format (Repertorium, IIIFManifest, MuRET)")
	cmd.Flags().StringVar(&kind, "kind", defaults.Kind, "objects to export (REGIONS, SYMBOLS_IN_REGIONS, SYMBOLS_IN_IMAGES)")
	cmd.Flags().StringVar(&name, "package", importer.DefaultPackageName, "package name")
	cmd.Flags().IntVar(&resize, "resize", defaults.Resize, "square size of the exported images, under 128 keeps the original size")
	cmd.Flags().Float64Var(&splits.Train, "train", defaults.Splits.Train, "train split")
	cmd.Flags().Float64Var(&splits.Validation, "validation", defaults.Splits.Validation, "validation split")
	cmd.Flags().Float64Var(&splits.Test, "test", defaults.Splits.Test, "test split")

	return cmd
}

func newPredictCommand(c *cli) *cobra.Command {
	var model, checkpoint string

	cmd := &cobra.Command{
		Use:   "predict PACKAGE",
		Short: "Predict the layout of the test images of a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := newAppState(cmd.Context(), c.cfg, nil)
			if err != nil {
				return err
			}
			defer state.Close()

			dir, err := state.packageDir(args[0])
			if err != nil {
				return err
			}

			// a path to an .onnx file is stored as a checkpoint first
			if f, err := os.Open(checkpoint); err == nil {
				checkpoint, err = state.Registry.SaveCheckpoint(filepath.Base(checkpoint), f)
				f.Close()
				if err != nil {
					return err
				}
			}

			detector, err := state.Registry.Open(model, checkpoint)
			if err != nil {
				return err
			}

			result, err := predict.Evaluate(cmd.Context(), dir, detector, logReporter{})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d detections in %d images written to %s\n", result.Detections, result.Images, result.Predictions)
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", ModelFamilies[0].Name, "model family")
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "checkpoint name or path to an .onnx file")

	return cmd
}

func newRenderCommand(c *cli) *cobra.Command {
	var source, out string

	cmd := &cobra.Command{
		Use:   "render PACKAGE",
		Short: "Draw labels or predictions on the test images of a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := render.ParseSource(source)
			if err != nil {
				return err
			}

			dir, err := c.cfg.PackageDir(args[0])
			if err != nil {
				return err
			}

			entries, err := render.Gallery(dir, src)
			if err != nil {
				return err
			}

			if out == "" {
				out = filepath.Join(dir, "render", string(src))
			}
			if err := os.MkdirAll(out, 0o755); err != nil {
				return err
			}

			rendered := 0
			for _, entry := range entries {
				img, err := render.Render(dir, entry)
				if err != nil {
					slog.Warn("cannot render image", "image", entry.Name, "error", err)
					continue
				}

				if err := imaging.Save(img, filepath.Join(out, entry.Name+".png")); err != nil {
					return err
				}
				rendered++
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%d images rendered to %s\n", rendered, out)
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", string(render.SourceLabels), "boxes to draw (labels, predictions)")
	cmd.Flags().StringVar(&out, "out", "", "output directory")

	return cmd
}

func main() {
	c := &cli{}
	err := newRootCommand(c).ExecuteContext(context.Background())

	if cerr := c.close(); cerr != nil {
		slog.Warn("failed to flush telemetry", "error", cerr)
	}

	if err != nil {
		os.Exit(1)
	}
}
