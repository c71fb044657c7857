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
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/fixation.watch/internal/actuator"
	"github.com/banshee-data/fixation.watch/internal/api"
	"github.com/banshee-data/fixation.watch/internal/capture"
	"github.com/banshee-data/fixation.watch/internal/config"
	"github.com/banshee-data/fixation.watch/internal/db"
	"github.com/banshee-data/fixation.watch/internal/pupil/pipeline"
	"github.com/banshee-data/fixation.watch/internal/serialmux"
	"github.com/banshee-data/fixation.watch/internal/version"
)

var (
	listen          = flag.String("listen", ":8080", "HTTP listen address")
	configPath      = flag.String("config", "", "Path to a JSON config file (defaults apply when empty)")
	dbPath          = flag.String("db-path", "fixation.db", "Path to the SQLite database")
	devMode         = flag.Bool("dev", false, "Use the controller simulator and a synthetic looping source")
	sourceFlag      = flag.String("source", "", "Frame source: camera, synthetic, a video file or a directory of frames")
	serialPort      = flag.String("serial-port", "", "Controller serial port (auto-detected when empty)")
	disableActuator = flag.Bool("disable-actuator", false, "Run without the controller link")
	counterInterval = flag.Duration("counter-interval", 5*time.Second, "How often session counters are written to the database")
	showVersion     = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "migrate":
			if err := db.RunMigrateCommand(os.Stdout, flag.Args()[1:], *dbPath); err != nil {
				log.Fatalf("migrate: %v", err)
			}
			return
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", flag.Arg(0))
			usage()
			os.Exit(2)
		}
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := config.Empty()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	log.Printf("fixation %s", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()

	srcCfg, err := resolveSource(cfg.SourceConfig(), *sourceFlag, *devMode)
	if err != nil {
		log.Fatalf("invalid source: %v", err)
	}

	trackerCfg := cfg.TrackerConfig()
	tracker, err := pipeline.NewTracker(trackerCfg)
	if err != nil {
		log.Fatalf("failed to build tracker: %v", err)
	}

	record := &db.Session{
		Source:           describeSource(srcCfg),
		Locator:          string(trackerCfg.Locator),
		Denoiser:         string(trackerCfg.Denoiser),
		ThresholdOffsets: trackerCfg.Cascade.Offsets[:],
		LockThreshold:    trackerCfg.LockThreshold,
	}
	if err := store.InsertSession(record); err != nil {
		log.Fatalf("failed to record session: %v", err)
	}

	link := connectLink(cfg)
	defer link.Close()

	var wg sync.WaitGroup

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := link.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	// ctrl stays a nil interface when the link is disabled so the API
	// answers 503 for controller routes.
	var ctrl api.Controller
	var bridge *actuator.Bridge
	if _, disabled := link.(*serialmux.DisabledSerialMux); !disabled {
		if err := link.Initialize(ctx); err != nil {
			log.Printf("controller did not answer the link probe: %v", err)
		}
		bridge, err = actuator.NewBridge(link, cfg.BridgeConfig())
		if err != nil {
			log.Printf("controller disabled, bad bridge settings: %v", err)
		} else {
			bridge.Start(ctx)
			defer bridge.Close()
			bridge.AddObserver(db.NewResultRecorder(store, record.ID).ObserveReport)
			ctrl = bridge
		}
	}

	// The source is opened last: from here on every exit goes through
	// session.Run, which releases it.
	src, err := capture.Open(ctx, srcCfg)
	if err != nil {
		if err := store.EndSession(record.ID, time.Now(), db.SessionCounters{}); err != nil {
			log.Printf("failed to close session record: %v", err)
		}
		log.Fatalf("failed to open %s source: %v", srcCfg.Kind, err)
	}
	session := pipeline.NewSession(tracker, src)
	if bridge != nil {
		session.AddObserver(bridge)
	}
	log.Printf("session %s started on %s", record.ID, record.Source)

	// periodically persist the session counters
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(*counterInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := store.UpdateSessionCounters(record.ID, counters(session.Stats())); err != nil {
					log.Printf("failed to update session counters: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// tracking loop; Run closes the source, and a finite source ending
	// stops the process
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("tracking stopped: %v", err)
		}
		stop()
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(session, ctrl, store, cfg).ServeMux()
		link.AttachAdminRoutes(mux)
		if err := store.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach database admin routes: %v", err)
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("failed to start server: %v", err)
				stop()
			}
		}()
		log.Printf("listening on %s", *listen)

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()

	if err := store.EndSession(record.ID, time.Now(), counters(session.Stats())); err != nil {
		log.Printf("failed to close session record: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: fixation [flags]\n       fixation [--db-path <path>] migrate <command>\n\nFlags:\n")
	flag.PrintDefaults()
	fmt.Fprintln(out)
	db.PrintMigrateHelp(out)
}

// resolveSource applies the --source flag and dev mode to the configured
// source. A value that is not a source kind is taken as a path: a directory
// of frames or a video file.
func resolveSource(base capture.OpenConfig, flagVal string, dev bool) (capture.OpenConfig, error) {
	cfg := base
	switch v := strings.TrimSpace(flagVal); v {
	case "":
		if dev {
			cfg.Kind = capture.KindSynthetic
		}
	case string(capture.KindCamera), string(capture.KindSynthetic):
		cfg.Kind = capture.Kind(v)
	default:
		info, err := os.Stat(v)
		if err != nil {
			return cfg, fmt.Errorf("source %q: %w", v, err)
		}
		cfg.Path = v
		if info.IsDir() {
			cfg.Kind = capture.KindDir
		} else {
			cfg.Kind = capture.KindVideo
		}
	}
	if cfg.Kind == "" {
		cfg.Kind = capture.KindSynthetic
	}
	if (cfg.Kind == capture.KindVideo || cfg.Kind == capture.KindDir) && cfg.Path == "" {
		return cfg, fmt.Errorf("%s source needs a path", cfg.Kind)
	}
	if dev {
		cfg.Loop = true
	}
	if cfg.Kind == capture.KindSynthetic && cfg.Interval == 0 {
		cfg.Interval = 33 * time.Millisecond
	}
	return cfg, nil
}

func describeSource(c capture.OpenConfig) string {
	if c.Path == "" {
		return string(c.Kind)
	}
	return string(c.Kind) + ":" + c.Path
}

// portFactory opens the controller port. Tests replace it.
var portFactory serialmux.SerialPortFactory = serialmux.RealPortFactory

// connectLink opens the controller link. Tracking never depends on the
// controller, so a link that cannot be opened is replaced by a disabled one.
func connectLink(cfg *config.Config) serialmux.SerialMuxInterface {
	link, err := openLink(cfg)
	if err != nil {
		log.Printf("controller unavailable, continuing without it: %v", err)
		return serialmux.NewDisabledSerialMux()
	}
	return link
}

// openLink returns the controller link: the simulator in dev mode, a
// disabled link when the controller is off, and the real port otherwise.
func openLink(cfg *config.Config) (serialmux.SerialMuxInterface, error) {
	switch {
	case *disableActuator:
		return serialmux.NewDisabledSerialMux(), nil
	case *devMode:
		log.Printf("using controller simulator")
		return serialmux.NewSerialMux(actuator.NewSimulator(cfg.SimulatorConfig())), nil
	case !cfg.GetArduinoEnabled() && *serialPort == "":
		log.Printf("controller link disabled in config")
		return serialmux.NewDisabledSerialMux(), nil
	}

	path := *serialPort
	if path == "" {
		path = cfg.GetArduinoPort()
	}
	if path == "" {
		var err error
		path, err = serialmux.DetectPort(cfg.GetPortIdentifiers())
		if err != nil {
			return nil, err
		}
		log.Printf("detected controller on %s", path)
	}
	log.Printf("opening controller on %s at %s", path, cfg.PortOptions())
	mux, err := serialmux.OpenSerialMux(portFactory, path, cfg.PortOptions())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return mux, nil
}

func counters(s pipeline.Stats) db.SessionCounters {
	return db.SessionCounters{
		Frames:    s.Frames,
		OK:        s.OK,
		Skipped:   s.Skipped,
		Stale:     s.Stale,
		Switches:  s.Switches,
		OutOfLock: s.OutOfLock,
	}
}
