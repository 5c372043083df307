package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/motion.report/internal/api"
	"github.com/banshee-data/motion.report/internal/calibration"
	"github.com/banshee-data/motion.report/internal/codec"
	"github.com/banshee-data/motion.report/internal/config"
	"github.com/banshee-data/motion.report/internal/db"
	"github.com/banshee-data/motion.report/internal/monitoring"
	"github.com/banshee-data/motion.report/internal/pipeline"
	"github.com/banshee-data/motion.report/internal/serialmux"
	"github.com/banshee-data/motion.report/internal/transport"
	"github.com/banshee-data/motion.report/internal/transport/mqtt"
	"github.com/banshee-data/motion.report/internal/transport/redisstream"
	"github.com/banshee-data/motion.report/internal/version"
)

const (
	defaultDBPath    = "motion.db"
	shutdownTimeout  = 5 * time.Second
	healthServiceKey = "motion.engine"
)

type options struct {
	configPath  string
	dbPath      string
	listen      string
	grpcListen  string
	mqttBroker  string
	mqttUser    string
	mqttPass    string
	redisAddr   string
	serialPort  string
	baudRate    int
	probeURL    string
	compress    bool
	logLevel    string
	logFormat   string
	showVersion bool
}

// envOr returns getenv(key), or def when it is unset.
func envOr(getenv func(string) string, key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

// parseFlags reads command-line flags. MOTION_* environment variables
// supply defaults; broker credentials are only read from the environment.
func parseFlags(args []string, getenv func(string) string, out io.Writer) (options, error) {
	o := options{
		mqttUser: getenv("MOTION_MQTT_USERNAME"),
		mqttPass: getenv("MOTION_MQTT_PASSWORD"),
	}
	fs := flag.NewFlagSet("motion-engine", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&o.configPath, "config", getenv("MOTION_CONFIG"), "Engine config file (.json, .yaml or .yml); reloaded on change")
	fs.StringVar(&o.dbPath, "db", envOr(getenv, "MOTION_DB", defaultDBPath), "SQLite database path")
	fs.StringVar(&o.listen, "listen", envOr(getenv, "MOTION_LISTEN", ":8080"), "HTTP listen address")
	fs.StringVar(&o.grpcListen, "grpc-listen", ":9090", "gRPC health listen address (empty to disable)")
	fs.StringVar(&o.mqttBroker, "mqtt", getenv("MOTION_MQTT_BROKER"), "MQTT broker URL, e.g. tcp://localhost:1883")
	fs.StringVar(&o.redisAddr, "redis", getenv("MOTION_REDIS_ADDR"), "Redis address for stream transport, e.g. localhost:6379")
	fs.StringVar(&o.serialPort, "serial", getenv("MOTION_SERIAL_PORT"), "Serial port of a wearable gateway (empty to disable)")
	fs.IntVar(&o.baudRate, "baud", serialmux.DefaultBaudRate, "Serial baud rate")
	fs.StringVar(&o.probeURL, "probe-url", getenv("MOTION_PROBE_URL"), "Base URL of the calibration probe service")
	fs.BoolVar(&o.compress, "compress", true, "zstd-compress published payloads")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&o.logFormat, "log-format", "json", "Log format: json or console")
	fs.BoolVar(&o.showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if o.listen == "" {
		return o, errors.New("-listen is required")
	}
	if o.mqttBroker != "" && o.redisAddr != "" {
		return o, errors.New("-mqtt and -redis are mutually exclusive")
	}
	return o, nil
}

// runMigrate handles "motion-engine migrate [-db path] <action> [version]".
func runMigrate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(out)
	dbPath := fs.String("db", defaultDBPath, "SQLite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return db.RunMigrateCommand(fs.Args(), *dbPath, out)
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	// A .env file next to the binary is optional.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "load .env:", err)
		os.Exit(2)
	}

	o, err := parseFlags(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if o.showVersion {
		fmt.Println(version.String())
		return
	}

	logger, err := monitoring.NewLogger(o.logLevel, o.logFormat, "motion-engine")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	monitoring.SetLogger(logger)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting", zap.String("version", version.Version), zap.String("git_sha", version.GitSHA))
	if err := run(ctx, o); err != nil {
		logger.Fatal("engine stopped with error", zap.Error(err))
	}
	logger.Info("graceful shutdown complete")
}

// bus is a transport that carries both readings and results.
type bus interface {
	transport.Publisher
	transport.Subscriber
}

func run(ctx context.Context, o options) error {
	log := monitoring.L()

	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	store, err := db.NewDB(o.dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	c, err := codec.New(o.compress)
	if err != nil {
		return err
	}
	defer c.Close()

	var (
		msgBus bus
		sinks  []calibration.HistorySink
	)
	switch {
	case o.mqttBroker != "":
		mc, err := mqtt.Dial(mqtt.Options{
			Broker:   o.mqttBroker,
			Username: o.mqttUser,
			Password: o.mqttPass,
		})
		if err != nil {
			return err
		}
		defer mc.Close()
		msgBus = mc
	case o.redisAddr != "":
		rdb := redis.NewClient(&redis.Options{Addr: o.redisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", o.redisAddr, err)
		}
		msgBus = redisstream.New(rdb, redisstream.Options{})
		sinks = append(sinks, redisstream.NewCalibrationMirror(rdb, ""))
	}

	var probe calibration.Probe
	if o.probeURL != "" {
		probe = calibration.NewHTTPProbe(o.probeURL, nil)
	} else {
		log.Warn("no -probe-url set; calibrations are accepted without verification")
		probe = calibration.ProbeFunc(func(context.Context, string, calibration.Params) (float64, error) {
			return 1, nil
		})
	}

	live := api.NewLiveFeed(c)
	engine, err := pipeline.New(pipeline.Options{
		Config:           cfg,
		Probe:            probe,
		Store:            store,
		CalibrationSinks: sinks,
		Publisher:        transport.Tee{msgBus, live},
		Codec:            c,
	})
	if err != nil {
		return err
	}
	if err := engine.Restore(ctx); err != nil {
		log.Warn("restore incomplete", zap.Error(err))
	}

	var sm serialmux.Mux
	if o.serialPort != "" {
		rsm, err := serialmux.NewRealSerialMux(o.serialPort, serialmux.PortOptions{BaudRate: o.baudRate})
		if err != nil {
			return err
		}
		sm = rsm
	} else {
		sm = serialmux.NewDisabledSerialMux()
	}
	defer sm.Close()
	if err := sm.Initialize(); err != nil {
		return fmt.Errorf("initialize serial gateway: %w", err)
	}
	gateway := serialmux.NewGateway(sm, c, engine.SubmitReadings)

	mux := api.NewServer(engine.Sessions, engine.Calibration, engine.Detector, store, c).
		WithLiveFeed(live).
		ServeMux()
	if err := store.AttachAdminRoutes(mux); err != nil {
		return err
	}
	engine.AttachAdminRoutes(mux)
	sm.AttachAdminRoutes(mux)
	gateway.AttachAdminRoutes(mux)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		engine.Run(gctx)
		return nil
	})
	if o.configPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, o.configPath, func(next *config.EngineConfig) {
				if err := engine.ApplyConfig(next); err != nil {
					log.Warn("config reload rejected", zap.Error(err))
				}
			})
		})
	}
	if msgBus != nil {
		g.Go(func() error {
			return msgBus.Subscribe(gctx, transport.ReadingsFilter, engine.HandleMessage)
		})
	}
	if o.serialPort != "" {
		g.Go(func() error { return ignoreCanceled(sm.Monitor(gctx)) })
		g.Go(func() error { return ignoreCanceled(gateway.Run(gctx)) })
	}

	server := &http.Server{
		Addr:              o.listen,
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", o.listen))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		live.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
			server.Close()
		}
		return nil
	})

	if o.grpcListen != "" {
		lis, err := net.Listen("tcp", o.grpcListen)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		gs := grpc.NewServer()
		hs := health.NewServer()
		healthpb.RegisterHealthServer(gs, hs)
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		hs.SetServingStatus(healthServiceKey, healthpb.HealthCheckResponse_SERVING)
		g.Go(func() error {
			log.Info("grpc health listening", zap.String("addr", o.grpcListen))
			return gs.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			hs.Shutdown()
			gs.GracefulStop()
			return nil
		})
	}

	err = g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := engine.Stop(stopCtx); serr != nil {
		log.Warn("engine stop", zap.Error(serr))
	}
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
