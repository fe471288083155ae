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
	"sync"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/banshee-data/lagview/internal/aggregate"
	"github.com/banshee-data/lagview/internal/api"
	"github.com/banshee-data/lagview/internal/config"
	"github.com/banshee-data/lagview/internal/db"
	"github.com/banshee-data/lagview/internal/ingest"
	"github.com/banshee-data/lagview/internal/lagframe"
	"github.com/banshee-data/lagview/internal/monitoring"
	"github.com/banshee-data/lagview/internal/network"
	"github.com/banshee-data/lagview/internal/publish"
	"github.com/banshee-data/lagview/internal/render"
	"github.com/banshee-data/lagview/internal/serialmux"
	"github.com/banshee-data/lagview/internal/version"
)

var (
	configFile   = flag.String("config", "", "Path to lagview.yaml (default: search /etc/lagview, ~/.lagview and .)")
	profile      = flag.String("profile", "", "Deployment profile, overrides the config file")
	serialDevice = flag.String("serial", "", "Read packet trains from this serial device instead of UDP")
	pcapFile     = flag.String("pcap", "", "Replay correlator datagrams from a capture file")
	simMode      = flag.Bool("sim", false, "Generate synthetic lag data")
	listen       = flag.String("listen", "", "HTTP listen address, overrides the config file")
	dbPath       = flag.String("db", "", "sqlite observation store, overrides the config file")
	showVersion  = flag.Bool("version", false, "Print version information and exit")
)

const (
	// simPeriod is the interval between synthetic trains.
	simPeriod     = 50 * time.Millisecond
	statsInterval = time.Minute
)

var errUsage = errors.New("usage: lagview [flags] <bind-ip> <bind-port> | lagview -serial <device> [flags]")

// applyArgs folds the command line into v. UDP takes an optional
// <bind-ip> <bind-port> pair; the other transports take no positional
// arguments.
func applyArgs(v *viper.Viper, args []string) error {
	sources := 0
	for _, set := range []bool{*serialDevice != "", *pcapFile != "", *simMode} {
		if set {
			sources++
		}
	}
	if sources > 1 {
		return errors.New("-serial, -pcap and -sim are mutually exclusive")
	}

	switch {
	case *serialDevice != "":
		v.Set("transport", config.TransportSerial)
		v.Set("serial.device", *serialDevice)
	case *pcapFile != "":
		v.Set("transport", config.TransportPCAP)
		v.Set("pcap.file", *pcapFile)
	case *simMode:
		v.Set("transport", config.TransportSim)
	}

	udp := v.GetString("transport") == config.TransportUDP
	switch {
	case udp && len(args) == 2:
		v.Set("udp.address", net.JoinHostPort(args[0], args[1]))
	case udp && len(args) == 0:
	case !udp && len(args) == 0:
	default:
		return errUsage
	}

	if *profile != "" {
		v.Set("profile", *profile)
	}
	if *listen != "" {
		v.Set("http.listen", *listen)
	}
	if *dbPath != "" {
		v.Set("db.path", *dbPath)
	}
	return nil
}

// newDialer builds the link for the configured transport. The returned
// serial dialer is nil for other transports.
func newDialer(ctx context.Context, d *config.Deployment, l lagframe.Layout, wg *sync.WaitGroup) (ingest.Dialer, *ingest.SerialDialer, error) {
	switch d.Transport {
	case config.TransportSerial:
		sd := &ingest.SerialDialer{
			Device:     d.Serial.Device,
			Options:    d.Serial.Port,
			Layout:     l,
			SyncBudget: d.Serial.SyncBudget,
		}
		return sd, sd, nil

	case config.TransportPCAP:
		q := network.NewQueueSource(d.Ingest.DrainCap * 4)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer q.Finish()
			err := network.ReadPCAPFile(ctx, d.PCAP.File, d.PCAP.Port, d.PCAP.Realtime, func(b []byte) error {
				return q.Push(ctx, b)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("pcap replay failed: %v", err)
			}
		}()
		return &ingest.QueueDialer{Name: config.TransportPCAP, Queue: q, Layout: l, DrainCap: d.Ingest.DrainCap}, nil, nil

	case config.TransportSim:
		return ingest.SimDialer(l, simPeriod, uint64(time.Now().UnixNano()), d.Ingest.DrainCap, nil), nil, nil

	default:
		stats := &network.PacketStats{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					stats.LogStats()
				}
			}
		}()
		var fwd *network.PacketForwarder
		if d.UDP.Forward != "" {
			var err error
			fwd, err = network.NewPacketForwarder(d.UDP.Forward, stats, time.Minute)
			if err != nil {
				return nil, nil, err
			}
			fwd.Start(ctx)
		}
		return &ingest.UDPDialer{
			Config: network.ListenerConfig{
				Address:   d.UDP.Address,
				RcvBuf:    d.UDP.RcvBuf,
				Stats:     stats,
				Forwarder: fwd,
			},
			Layout:   l,
			DrainCap: d.Ingest.DrainCap,
		}, nil, nil
	}
}

// Main
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	v := config.NewViper()
	if *configFile != "" {
		v.SetConfigFile(*configFile)
	}

	args := flag.Args()
	if len(args) > 0 && args[0] == "migrate" {
		if *dbPath != "" {
			v.Set("db.path", *dbPath)
		}
		d, err := config.LoadDeployment(v)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		if d.DB.Path == "" {
			log.Fatal("migrate needs a database: set db.path or pass -db")
		}
		if err := db.RunMigrateCommand(args[1:], d.DB.Path, os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	if err := applyArgs(v, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(1)
	}

	d, err := config.LoadDeployment(v)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if d.Log.File != "" {
		lf := monitoring.NewLogFile(monitoring.LogFileOptions{Path: d.Log.File, MaxSizeMB: d.Log.MaxSizeMB})
		defer lf.Close()
		monitoring.TeeStandardLog(lf)
	}
	log.Printf("%s starting", version.String())

	layout, err := d.ResolveLayout()
	if err != nil {
		log.Fatalf("invalid layout: %v", err)
	}
	log.Printf("profile %s: %d mics, %d baselines, %d lags, transport %s",
		layout.Name, layout.Mics, layout.BaselineCount(), layout.LagCount, d.Transport)

	// Create a wait group for the ingest loop, publishers and HTTP server
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agg := aggregate.New(layout, nil)
	dialer, serialDialer, err := newDialer(ctx, d, layout, &wg)
	if err != nil {
		log.Fatalf("failed to set up %s transport: %v", d.Transport, err)
	}

	tick := d.Ingest.TickInterval
	if d.Transport == config.TransportSerial {
		// one blocking train read per tick
		tick = 0
	}
	runner, err := ingest.NewRunner(ingest.Config{
		Dialer:           dialer,
		Aggregator:       agg,
		TickInterval:     tick,
		DrainCap:         d.Ingest.DrainCap,
		Placeholder:      d.Ingest.Placeholder == config.PlaceholderSynthetic,
		ReconnectInitial: d.Ingest.ReconnectInitial,
		ReconnectMax:     d.Ingest.ReconnectMax,
	})
	if err != nil {
		log.Fatalf("failed to create ingest runner: %v", err)
	}

	var (
		database  *db.DB
		sessionID string
	)
	if d.DB.Path != "" {
		database, err = db.NewDB(d.DB.Path)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()

		session, err := database.StartSession(ctx, layout.Name, dialer.Transport(), time.Now())
		if err != nil {
			log.Fatalf("failed to start capture session: %v", err)
		}
		sessionID = session.SessionID
		log.Printf("capture session %s", sessionID)
		defer func() {
			if err := database.EndSession(context.Background(), sessionID, time.Now()); err != nil {
				log.Printf("failed to end capture session: %v", err)
			}
		}()

		recorder := ingest.NewRecorder(database, agg, sessionID, d.Ingest.RecordInterval, nil)
		runner.OnStatusChange(recorder.ObserveStatus)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := recorder.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("recorder stopped: %v", err)
			}
			log.Print("recorder routine terminated")
		}()
	}

	display := config.NewDisplayStore(d.Render.DisplayConfig, config.DefaultDisplayConfig(layout.Mics, layout.LagCount))
	if _, err := display.Reload(); err != nil {
		log.Printf("using default display configuration: %v", err)
	}

	mode, err := render.ParseMode(d.Render.Mode)
	if err != nil {
		log.Fatalf("invalid render mode: %v", err)
	}
	renderer := render.NewRenderer(render.Options{Mode: mode, AutoScale: d.Render.AutoScale})
	peaks := render.NewPeakPlotter(layout.BaselineCount(), d.Render.PeakHistory)
	hub := publish.NewHub(runner.Snapshot, 100*time.Millisecond, nil)

	// run the ingest loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("ingest runner stopped: %v", err)
		}
		log.Print("ingest routine terminated")
	}()

	wg.Add(2)
	go func() {
		defer wg.Done()
		peaks.Run(ctx, agg.Snapshot, 100*time.Millisecond, nil)
	}()
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	if d.MQTT.Broker != "" {
		pub, err := publish.NewMQTTPublisher(publish.MQTTConfig{
			Broker:   d.MQTT.Broker,
			ClientID: d.MQTT.ClientID,
			Topic:    d.MQTT.Topic,
			QoS:      d.MQTT.QoS,
		})
		if err != nil {
			log.Printf("mqtt publishing disabled: %v", err)
		} else {
			defer pub.Close()
			wg.Add(1)
			go func() {
				defer wg.Done()
				pub.Run(ctx, agg.Snapshot, time.Second, nil)
			}()
		}
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(api.Config{
			Link:      runner,
			Display:   display,
			Renderer:  renderer,
			Peaks:     peaks,
			Hub:       hub,
			SessionID: sessionID,
		}).ServeMux()

		if serialDialer != nil {
			serialmux.AttachAdminRoutes(mux, serialDialer.Current)
		}
		if database != nil {
			if err := database.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach db admin routes: %v", err)
			}
		}

		server := &http.Server{
			Addr:              d.HTTP.Listen,
			Handler:           api.LoggingMiddleware(mux),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("HTTP server listening on %s", d.HTTP.Listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
