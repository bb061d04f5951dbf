package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/banshee-data/vision-bridge/internal/api"
	"github.com/banshee-data/vision-bridge/internal/bridge"
	"github.com/banshee-data/vision-bridge/internal/command"
	"github.com/banshee-data/vision-bridge/internal/config"
	"github.com/banshee-data/vision-bridge/internal/db"
	"github.com/banshee-data/vision-bridge/internal/detection"
	"github.com/banshee-data/vision-bridge/internal/link"
	"github.com/banshee-data/vision-bridge/internal/monitoring"
	"github.com/banshee-data/vision-bridge/internal/native"
	"github.com/banshee-data/vision-bridge/internal/rpc"
	"github.com/banshee-data/vision-bridge/internal/state"
	"github.com/banshee-data/vision-bridge/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to TOML config file (defaults are used when empty)")
	deviceFile  = flag.String("device", "", "Path to YAML device info file (overrides bridge.device_info)")
	host        = flag.String("host", "", "Sensor host (overrides sensor.host)")
	port        = flag.Int("port", 0, "Sensor result stream port (overrides sensor.port)")
	serialPath  = flag.String("serial", "", "Read the result stream from this serial device instead of TCP")
	password    = flag.String("password", "", "Native mode password (overrides sensor.password)")
	burstPolicy = flag.String("burst-policy", "", "Records parsed per read: latest or all (overrides bridge.burst_policy)")
	listen      = flag.String("listen", "", "HTTP listen address (overrides server.listen)")
	grpcListen  = flag.String("grpc-listen", "", "gRPC listen address (overrides server.grpc_listen); \"off\" disables")
	dbPath      = flag.String("db-path", "", "History database path (overrides server.db_path)")
	noHistory   = flag.Bool("no-history", false, "Do not record detection history")
	historyKeep = flag.Int("history-keep", 100000, "Batches kept in the history database (0 keeps everything)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// applyFlags copies explicitly set flags over the file configuration.
func applyFlags(cfg *config.Config, set map[string]bool) {
	if set["host"] {
		cfg.Sensor.Host = *host
	}
	if set["port"] {
		cfg.Sensor.Port = *port
	}
	if set["serial"] {
		cfg.Sensor.Transport = config.TransportSerial
		cfg.Sensor.SerialPath = *serialPath
	}
	if set["password"] {
		cfg.Sensor.Password = *password
	}
	if set["burst-policy"] {
		cfg.Bridge.BurstPolicy = *burstPolicy
	}
	if set["device"] {
		cfg.Bridge.DeviceInfo = *deviceFile
	}
	if set["listen"] {
		cfg.Server.Listen = *listen
	}
	if set["grpc-listen"] {
		cfg.Server.GRPCListen = *grpcListen
	}
	if set["db-path"] {
		cfg.Server.DBPath = *dbPath
	}
	if *noHistory {
		cfg.Server.DBPath = ""
	}
}

func loadConfig() (*config.Config, detection.DeviceInfo, error) {
	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			return nil, detection.DeviceInfo{}, err
		}
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	applyFlags(cfg, set)
	if err := cfg.Validate(); err != nil {
		return nil, detection.DeviceInfo{}, err
	}

	device := config.DefaultDevice()
	if cfg.Bridge.DeviceInfo != "" {
		var err error
		if device, err = config.LoadDevice(cfg.Bridge.DeviceInfo); err != nil {
			return nil, detection.DeviceInfo{}, err
		}
	}
	return cfg, device, nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("vision-bridge", version.String())
		return
	}

	cfg, device, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if flag.NArg() > 0 {
		if flag.Arg(0) != "migrate" {
			log.Fatalf("Unknown command %q (the only subcommand is migrate)", flag.Arg(0))
		}
		if cfg.Server.DBPath == "" {
			log.Fatal("migrate needs a database path (-db-path or server.db_path)")
		}
		if err := db.RunMigrateCommand(os.Stdout, flag.Args()[1:], cfg.Server.DBPath); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	log.Printf("vision-bridge %s: device %q, stream %s, burst policy %s",
		version.Version, device.Name, cfg.Dialer().Addr(), cfg.GetBurstPolicy())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(reg)

	hub := state.NewHub(state.WithPipeBuffer(cfg.Server.StreamBuffer), state.WithHubMetrics(metrics))
	b := bridge.New(bridge.Config{
		Policy:         cfg.GetBurstPolicy(),
		Backoff:        cfg.GetReconnectBackoff(),
		ReadBufferSize: cfg.Sensor.ReadBufferSize,
	}, cfg.Dialer(), device,
		bridge.WithMetrics(metrics),
		bridge.WithOnStateChange(func(s link.ConnectionState) {
			log.Printf("[bridge] sensor %s", s)
		}),
	)
	b.Publisher().Attach(hub, hub)

	limit, burst := cfg.GetCommandLimit()
	facade := command.NewFacade(native.New(cfg.NativeOptions()...), cfg.Sensor.Host, cfg.Sensor.Password,
		command.WithRateLimit(limit, burst),
		command.WithMetrics(metrics),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	apiOpts := []api.Option{api.WithGatherer(reg), api.WithDevice(device)}
	var history *db.DB
	if cfg.Server.DBPath != "" {
		history, err = db.NewDB(cfg.Server.DBPath)
		if err != nil {
			log.Fatalf("Failed to open history database: %v", err)
		}
		defer history.Close()
		apiOpts = append(apiOpts, api.WithHistory(history))

		recorder := db.NewRecorder(history, hub, *historyKeep)
		g.Go(func() error {
			return recorder.Run(ctx)
		})
	}

	server := api.NewServer(b, facade, hub, apiOpts...)
	mux := server.ServeMux()
	server.AttachAdminRoutes(mux)
	if history != nil {
		if err := history.AttachAdminRoutes(mux); err != nil {
			log.Fatalf("Failed to attach database admin routes: %v", err)
		}
	}
	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var grpcServer *grpc.Server
	if cfg.Server.GRPCListen != "" && cfg.Server.GRPCListen != "off" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCListen)
		if err != nil {
			log.Fatalf("Failed to listen on %s: %v", cfg.Server.GRPCListen, err)
		}
		grpcServer = grpc.NewServer()
		rpc.NewServer(b.Publisher(), hub, facade).Register(grpcServer)
		g.Go(func() error {
			log.Printf("[rpc] gRPC server listening on %s", lis.Addr())
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	b.Start()

	g.Go(func() error {
		log.Printf("[api] HTTP server listening on %s", cfg.Server.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Println("shutting down...")

		// Streams end once the hub closes, so close it before the servers
		// wait on their handlers.
		b.Stop()
		hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := httpServer.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("exited with error: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}
