package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"dicomsurface/internal/logger"
	"dicomsurface/internal/models"
	"dicomsurface/pkg/config"
	"dicomsurface/pkg/dicomdir"
	"dicomsurface/pkg/histogram"
	"dicomsurface/pkg/session"
	"dicomsurface/pkg/stl"
	"dicomsurface/pkg/surface"
	"dicomsurface/pkg/visualization"
	"dicomsurface/pkg/volume"
)

// Exit codes
const (
	exitOK         = 0
	exitUsage      = 1
	exitVolume     = 2
	exitUnexpected = 3
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// settings are the resolved run options: flags over config over defaults
type settings struct {
	input         string
	outputDir     string
	name          string
	format        string
	maxDim        int
	variant       string
	logLevel      string
	series        string
	metricsAddr   string
	extractSlices string
	visualize     bool
	batch         bool
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(stderr, "dicomsurface: unexpected failure: %v\n%s", r, debug.Stack())
			code = exitUnexpected
		}
	}()

	fs := flag.NewFlagSet("dicomsurface", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "config.yaml", "Configuration file")
	initConfig := fs.Bool("init-config", false, "Write a configuration file with default values and exit")
	input := fs.String("input", "", "Directory containing one DICOM study (overrides mri_path)")
	outputDir := fs.String("output-dir", "", "Directory meshes are saved to (overrides model_path)")
	name := fs.String("name", "", "Base name of saved meshes (overrides model_name)")
	format := fs.String("format", "", "Mesh format: stl, stl-ascii or obj (overrides model_format)")
	limit := fs.Int("cap", 0, "Largest volume dimension after downsampling (overrides downsample_cap)")
	variant := fs.String("variant", "", "Iso-value variant: iso or binary (overrides iso_variant)")
	logLevel := fs.String("log-level", "", "Log level (overrides log_level)")
	series := fs.String("series", "", "Series index to use instead of asking")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	extractSlices := fs.String("extract-slices", "", "Write x/y/z slices of the normalised volume as PNG to this directory")
	batch := fs.Bool("batch", false, "Build once with the configured parameters, save and exit")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fmt.Fprintf(stderr, "Failed to write config: %v\n", err)
			return exitUsage
		}
		fmt.Fprintf(stdout, "Default configuration written to %s\n", *configPath)
		return exitOK
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return exitUsage
	}

	s := resolveSettings(cfg)
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "input":
			s.input = *input
		case "output-dir":
			s.outputDir = *outputDir
		case "name":
			s.name = *name
		case "format":
			s.format = *format
		case "cap":
			s.maxDim = *limit
		case "variant":
			s.variant = *variant
		case "log-level":
			s.logLevel = *logLevel
		}
	})
	s.series = *series
	s.metricsAddr = *metricsAddr
	s.extractSlices = *extractSlices
	s.batch = *batch

	log := logger.NewConsole(logger.ParseLevel(s.logLevel))
	log.Info().Str("config", *configPath).Msg("configuration loaded")

	if s.input == "" {
		fmt.Fprintln(stderr, "No input directory: set mri_path in the config or pass -input")
		fs.Usage()
		return exitUsage
	}
	writer, err := stl.ForFormat(s.format)
	if err != nil {
		log.Error().Err(err).Msg("bad mesh format")
		return exitUsage
	}
	isoVariant, err := surface.ParseVariant(s.variant)
	if err != nil {
		log.Error().Err(err).Msg("bad iso variant")
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// One buffered reader serves the series prompt and the console
	in := bufio.NewReader(stdin)
	var chooser volume.SeriesChooser = &volume.PromptChooser{In: in, Out: stdout}
	if s.series != "" {
		chooser = volume.StaticChooser(s.series)
	}

	fmt.Fprintln(stdout, "================================")
	fmt.Fprintln(stdout, "DICOM SCAN TO SURFACE MESH")
	fmt.Fprintln(stdout, "================================")

	source := &volume.Source{
		Scanner: &dicomdir.Scanner{Log: logger.Component(log, "dicomdir")},
		Chooser: chooser,
		Options: volume.Options{Cap: s.maxDim},
		Log:     logger.Component(log, "volume"),
	}
	start := time.Now()
	vol, err := source.Open(s.input)
	if err != nil {
		log.Error().Err(err).Str("input", s.input).Msg("cannot acquire volume")
		return exitVolume
	}
	log.Info().Dur("elapsed", time.Since(start)).Ints("dims", vol.Dims[:]).Msg("volume ready")

	params := session.ParametersFromConfig(cfg, logger.Component(log, "session"))
	reportHistogram(vol, params.Threshold, isoVariant, s, log)

	if s.extractSlices != "" {
		n, err := visualization.NewViewer(vol).SaveAll(s.extractSlices)
		if err != nil {
			log.Warn().Err(err).Msg("slice export incomplete")
		}
		log.Info().Int("slices", n).Str("dir", s.extractSlices).Msg("slices exported")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if s.metricsAddr != "" {
		srv := serveMetrics(s.metricsAddr, reg, log)
		defer srv.Close()
	}

	extractor := &surface.Extractor{Variant: isoVariant, Log: logger.Component(log, "surface")}
	sess := session.New(vol, extractor, params,
		session.WithLogger(logger.Component(log, "session")),
		session.WithWriter(writer),
		session.WithMetrics(session.NewMetrics(reg)),
	)

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	if err := sess.RequestRebuild(); err != nil {
		log.Error().Err(err).Msg("session did not start")
		return exitUnexpected
	}

	if s.batch {
		return runBatch(ctx, sess, s, stdout, log)
	}

	c := &console{sess: sess, in: in, out: stdout, dir: s.outputDir, name: s.name}
	if err := c.run(ctx); err != nil {
		log.Error().Err(err).Msg("console failed")
		return exitUnexpected
	}
	stop()
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("session failed")
		return exitUnexpected
	}
	return exitOK
}

// resolveSettings reads the run options from cfg, falling back per key
func resolveSettings(cfg *config.Config) settings {
	s := settings{
		outputDir: ".",
		name:      "model",
		format:    "stl",
		maxDim:    volume.DefaultCap,
		variant:   "iso",
		logLevel:  "info",
	}
	if v, err := cfg.MriPath(); err == nil {
		s.input = v
	}
	if v, err := cfg.ModelPath(); err == nil && v != "" {
		s.outputDir = v
	}
	if v, err := cfg.ModelName(); err == nil && v != "" {
		s.name = v
	}
	if v, err := cfg.ModelFormat(); err == nil && v != "" {
		s.format = v
	}
	if v, err := cfg.DownsampleCap(); err == nil {
		s.maxDim = v
	}
	if v, err := cfg.IsoVariant(); err == nil && v != "" {
		s.variant = v
	}
	if v, err := cfg.LogLevel(); err == nil && v != "" {
		s.logLevel = v
	}
	if v, err := cfg.VisualizeHistogram(); err == nil {
		s.visualize = v
	}
	return s
}

// reportHistogram logs the intensity summary, warns about a useless default
// threshold and optionally writes the histogram plot
func reportHistogram(vol *models.ScalarVolume, threshold float64, variant surface.Variant, s settings, log zerolog.Logger) {
	log = logger.Component(log, "histogram")
	bins := histogram.Compute(vol)
	histogram.Summarize(vol, bins).Log(log)

	iso := surface.IsoValue(variant, threshold)
	switch err := histogram.CheckThreshold(bins, vol.ScalarRange, iso); {
	case errors.Is(err, histogram.ErrThresholdOutOfRange):
		log.Warn().Float64("iso", iso).Floats64("range", vol.ScalarRange[:]).Msg("iso-value outside the scalar range, the first mesh will be empty")
	case errors.Is(err, histogram.ErrNoForeground):
		log.Warn().Float64("iso", iso).Msg("no voxel reaches the iso-value")
	default:
		log.Info().Float64("iso", iso).Float64("foreground", histogram.FractionAbove(bins, iso)).Msg("iso-value checked")
	}

	if s.visualize {
		path := filepath.Join(s.outputDir, s.name+"_histogram.png")
		if err := histogram.SavePNG(path, bins, 800, 400, iso); err != nil {
			log.Warn().Err(err).Msg("failed to write histogram plot")
			return
		}
		log.Info().Str("path", path).Msg("histogram plot written")
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	log.Info().Str("addr", addr).Msg("serving metrics")
	return srv
}

// runBatch waits for the first build, saves it and returns the exit code
func runBatch(ctx context.Context, sess *session.Session, s settings, stdout io.Writer, log zerolog.Logger) int {
	select {
	case u := <-sess.Updates():
		if u.Err != nil {
			log.Error().Err(u.Err).Msg("build failed")
			return exitUnexpected
		}
		fmt.Fprintf(stdout, "Built %d triangles in %.2f seconds\n", u.Mesh.TriangleCount(), u.Elapsed.Seconds())
	case <-ctx.Done():
		return exitUnexpected
	}

	path, err := sess.RequestSave(ctx, s.outputDir, s.name)
	if err != nil {
		log.Error().Err(err).Msg("save failed")
		if errors.Is(err, session.ErrSaveTargetInvalid) {
			return exitUsage
		}
		return exitUnexpected
	}
	fmt.Fprintf(stdout, "Mesh saved to: %s\n", path)
	return exitOK
}
