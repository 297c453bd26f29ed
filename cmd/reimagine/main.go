package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/chriskillpack/reimagine"
	"github.com/chriskillpack/reimagine/internal/prompts"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var (
	configPath   = flag.String("config", "", "Path to a YAML config file")
	dbPath       = flag.String("db", "./reimagine.db", "Path to run history database, empty to disable")
	count        = flag.Int("n", 4, "Number of images to generate per input image")
	outputDir    = flag.String("out", "", "Output directory (overrides config)")
	allOrNothing = flag.Bool("all-or-nothing", false, "Placeholder the whole batch if any image fails")
	timeout      = flag.Duration("timeout", 0, "Per request timeout (overrides config)")
	enhance      = flag.String("enhance", "", "Render a single free text prompt after enhancing it")
	port         = flag.String("port", "", "Serve the run gallery on this port")
	logLevel     = flag.String("log", "warn", "Log level: debug, info, warn or error")

	lameduck atomic.Bool
)

func initLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = lvl > zapcore.DebugLevel
	return cfg.Build()
}

func loadConfig() (reimagine.Config, error) {
	cfg, err := reimagine.LoadConfig(*configPath)
	if err != nil {
		return cfg, err
	}
	if *outputDir != "" {
		cfg.OutputDir = *outputDir
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	if *allOrNothing {
		cfg.AllOrNothing = true
	}
	return cfg, nil
}

type runner interface {
	Run(ctx context.Context, imagePath string, n int) (*reimagine.Result, error)
}

// runBatch runs the pipeline over every image, skipping missing files.
func runBatch(ctx context.Context, r runner, bar *progressbar.ProgressBar, images []string, n int) ([]*reimagine.Result, error) {
	var (
		results []*reimagine.Result
		errcnt  int
	)
	for i, img := range images {
		if lameduck.Load() || ctx.Err() != nil {
			break
		}
		if errcnt >= 5 {
			return results, errors.New("too many errors, exiting")
		}

		bar.Describe(fmt.Sprintf("%d/%d %s", i+1, len(images), img))
		res, err := r.Run(ctx, img, n)
		switch {
		case errors.Is(err, reimagine.ErrImageNotFound):
			fmt.Printf("\nImage %s not found\n", img)
			bar.Add(4)
			continue
		case errors.Is(err, context.Canceled):
			return results, nil
		case err != nil:
			errcnt++
			fmt.Printf("\n%s: %s\n", img, err)
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

func run(ctx context.Context, logger *zap.Logger) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var db *reimagine.DB
	if *dbPath != "" {
		if db, err = reimagine.NewDB(ctx, *dbPath); err != nil {
			return err
		}
		defer db.Close()
	}
	if *port != "" && db == nil {
		return errors.New("the gallery needs a database, set -db")
	}

	images := flag.Args()
	bar := progressbar.NewOptions(
		len(images)*4,
		progressbar.OptionSetDescription("Reimagining"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Println() }),
	)

	rio := reimagine.InitOptions{
		Config: cfg,
		Logger: logger,
		OnStage: func(s reimagine.Stage) {
			if s != reimagine.StageStart {
				bar.Add(1)
			}
		},
		HttpClient: &http.Client{
			Timeout: cfg.Timeout + 10*time.Second,
		},
	}
	if db != nil {
		rio.Store = db
	}
	r, err := reimagine.Init(rio)
	if err != nil {
		return err
	}

	if r.Diffusion != nil && !r.Diffusion.IsHealthy(ctx) {
		fmt.Printf("Diffusion server at %s is not responding, images may be placeholders\n", cfg.DiffusionBaseURL)
	}

	if *enhance != "" {
		prompt := prompts.Enhance(*enhance)
		fmt.Printf("Enhanced prompt: %s\n", prompt)
		for _, img := range r.Renderer.Render(ctx, []string{prompt}) {
			fmt.Printf("Image: %s (placeholder=%t)\n", img.Path, img.Placeholder)
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)

	var srv *Server
	if *port != "" {
		srv = NewServer(db, *port, logger.Named("gallery"))
		g.Go(func() error {
			fmt.Printf("Serving gallery on :%s\n", *port)
			if err := srv.Start(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		results, err := runBatch(gctx, r, bar, images, *count)
		bar.Finish()

		fmt.Printf("\nProcessed %d images total\n", len(results))
		for i, res := range results {
			fmt.Printf("Image %d: Generated %d variations\n", i+1, len(res.Paths))
			fmt.Print(res.Summary())
		}
		return err
	})

	return g.Wait()
}

func sighandler(ch chan os.Signal, cancel context.CancelFunc) {
	for {
		<-ch
		if lameduck.Load() {
			// Already in lame duck, hard stop
			fmt.Println("Exiting")
			cancel()
			return
		} else {
			fmt.Println("SIGINT received, stopping after the current image...")
			lameduck.Store(true)
		}
	}
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] image...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 && *enhance == "" && *port == "" {
		flag.Usage()
		os.Exit(1)
	}
	if *count < 1 {
		fmt.Fprintln(os.Stderr, "-n must be at least 1")
		os.Exit(1)
	}

	logger, err := initLogger(*logLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	sigch := make(chan os.Signal, 2)
	signal.Notify(sigch, os.Interrupt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sighandler(sigch, cancel)

	if err := run(ctx, logger); err != nil {
		log.Fatal(err)
	}
}
