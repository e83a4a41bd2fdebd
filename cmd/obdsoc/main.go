package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/obdsoc/internal/logger"
	"github.com/shaunagostinho/obdsoc/internal/metrics"
	"github.com/shaunagostinho/obdsoc/internal/mqtt"
	"github.com/shaunagostinho/obdsoc/internal/obd"
	"github.com/shaunagostinho/obdsoc/internal/poller"
	"github.com/shaunagostinho/obdsoc/internal/server"
	"github.com/shaunagostinho/obdsoc/internal/store"
	"github.com/shaunagostinho/obdsoc/web"
)

func main() {
	configPath := flag.String("config", server.DefaultConfigPath, "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated OBD dongle")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] obdsoc starting")

	// Load config
	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.OBD.Demo = true
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// Keep recent log lines for /api/logs
	ring := logger.NewRing(cfg.Logging.LogLength)
	log.SetOutput(io.MultiWriter(os.Stderr, ring))

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	metrics.RegisterMetrics()

	// Channel adapter and reachability probe
	var (
		opener obd.Opener
		prober obd.Prober
	)
	if cfg.OBD.Demo {
		opener = obd.NewDemoOpener()
		prober = obd.DemoProber{}
	} else {
		opener = obd.NewSerialOpener(cfg.SerialConfig())
		if cfg.OBD.DeviceMAC != "" {
			prober = obd.NewBluetoothProber(cfg.OBD.UseSudo)
		} else {
			log.Printf("[main] no device MAC configured, skipping reachability probe")
		}
	}
	log.Printf("[main] using %s", opener.Name())

	conn := obd.NewConnection(cfg.ConnectionConfig(), opener, prober)
	socStore := store.Open(cfg.Store.SOCFile)
	p := poller.New(cfg.PollerConfig(), conn, socStore)

	history := logger.NewHistory(cfg.History)
	defer history.Close()
	p.AddObserver(history)

	if cfg.MQTT.Enabled {
		pub := mqtt.New(cfg.MQTT)
		defer pub.Close()
		p.AddObserver(pub)
		go connectWithRetry(ctx, "mqtt", pub, 10)
	}

	srv := server.New(cfg, p, conn, ring, web.FS)
	p.AddObserver(srv)
	unsubscribe := conn.Subscribe(srv)
	defer unsubscribe()

	p.Start(ctx)

	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
		cancel()
	}
	<-ctx.Done()
}

type connectable interface {
	Connect(ctx context.Context) error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.Connect(ctx); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
					name, attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
					name, attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}
	}
}
