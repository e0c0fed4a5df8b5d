package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jwoglom/fiscalbridge/pkg/api"
	"github.com/jwoglom/fiscalbridge/pkg/config"
	"github.com/jwoglom/fiscalbridge/pkg/fiscal"
	"github.com/jwoglom/fiscalbridge/pkg/metrics"
	"github.com/jwoglom/fiscalbridge/pkg/sequencer"
	"github.com/jwoglom/fiscalbridge/pkg/session"
	"github.com/jwoglom/fiscalbridge/pkg/simulator"
	"github.com/jwoglom/fiscalbridge/pkg/transport"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

type flags struct {
	configPath string
	envFile    string

	httpHost       string
	httpPort       int
	requestTimeout time.Duration

	transport  string
	deviceHost string
	devicePort int
	serialPort string
	baudRate   int
	demo       bool

	queueDepth     int
	emptyDayPolicy string

	logLevel string
	logJSON  bool
	verbose  bool
	quiet    bool
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:           "fiscalbridge",
		Short:         "HTTP/JSON bridge between POS clients and a fiscal printer",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "YAML config file")
	pf.StringVar(&f.envFile, "env-file", ".env", "dotenv file with FISCALBRIDGE_* overrides")
	pf.StringVar(&f.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	pf.BoolVar(&f.logJSON, "log-json", false, "log as JSON")
	// if both verbose and quiet are chosen, e.g., -v -q, the verbose dominates
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "trace logging")
	pf.BoolVarP(&f.quiet, "quiet", "q", false, "info logging")

	fl := root.Flags()
	fl.StringVar(&f.httpHost, "host", "", "gateway bind host")
	fl.IntVar(&f.httpPort, "port", 0, "gateway port")
	fl.DurationVar(&f.requestTimeout, "request-timeout", 0, "how long a request waits before answering in-flight")
	fl.StringVar(&f.transport, "transport", "", "device transport: tcp, serial or demo")
	fl.StringVar(&f.deviceHost, "device-host", "", "device host for the tcp transport")
	fl.IntVar(&f.devicePort, "device-port", 0, "device port for the tcp transport")
	fl.StringVar(&f.serialPort, "serial-port", "", "serial port for the serial transport")
	fl.IntVar(&f.baudRate, "baud-rate", 0, "serial baud rate")
	fl.BoolVar(&f.demo, "demo", false, "use the built-in simulated device")
	fl.IntVar(&f.queueDepth, "queue-depth", 0, "commands that may wait behind the running one")
	fl.StringVar(&f.emptyDayPolicy, "empty-day-policy", "", "Z report on a day without sales: allow or reject")

	root.AddCommand(portsCmd(), simulateCmd(f))
	return root
}

// loadConfig merges the config file, environment and the flags that were set
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath, f.envFile)
	if err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	if changed("host") {
		cfg.HTTP.Host = f.httpHost
	}
	if changed("port") {
		cfg.HTTP.Port = f.httpPort
	}
	if changed("request-timeout") {
		cfg.HTTP.RequestTimeout = f.requestTimeout
	}
	if changed("transport") {
		cfg.Device.Transport = f.transport
	}
	if changed("device-host") {
		cfg.Device.Host = f.deviceHost
	}
	if changed("device-port") {
		cfg.Device.Port = f.devicePort
	}
	if changed("serial-port") {
		cfg.Device.SerialPort = f.serialPort
	}
	if changed("baud-rate") {
		cfg.Device.BaudRate = f.baudRate
	}
	if f.demo {
		cfg.Device.Transport = config.TransportDemo
	}
	if changed("queue-depth") {
		cfg.Sequencer.QueueDepth = f.queueDepth
	}
	if changed("empty-day-policy") {
		cfg.Fiscal.EmptyDayPolicy = f.emptyDayPolicy
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if f.logJSON {
		cfg.Log.Format = "json"
	}

	if err := setupLogging(cfg, f); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config, f *flags) error {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	if f.verbose {
		level = log.TraceLevel
	} else if f.quiet {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{
			DisableQuote:  true,
			FullTimestamp: true,
		})
	}
	return nil
}

// buildTransport returns the device transport and, in demo mode, the simulated device
func buildTransport(cfg *config.Config) (transport.Transport, *simulator.Device) {
	switch cfg.Device.Transport {
	case config.TransportSerial:
		return transport.NewSerial(cfg.Device.SerialPort, cfg.Device.BaudRate, cfg.Device.IOTimeout), nil
	case config.TransportDemo:
		device := simulator.NewDevice(cfg.Demo.Latency)
		return transport.NewSim(device, cfg.Device.IOTimeout), device
	default:
		return transport.NewTCP(cfg.DeviceAddr(), cfg.Device.ConnectTimeout, cfg.Device.IOTimeout), nil
	}
}

func serve(cfg *config.Config) error {
	rates, err := cfg.Rates()
	if err != nil {
		return err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	t, device := buildTransport(cfg)
	log.Infof("Starting fiscal bridge, device transport %s", t)

	var simServer *simulator.Server
	if device != nil {
		log.Warn("Demo mode: commands go to a simulated device, nothing is fiscalized")
		if cfg.Demo.Listen != "" {
			simServer = simulator.NewServer(device)
			if err := simServer.Start(cfg.Demo.Listen); err != nil {
				return err
			}
			defer simServer.Stop()
		}
	}

	m := metrics.New()

	sess := session.New(t, session.Config{
		IOTimeout: cfg.Device.IOTimeout,
		Reconnect: cfg.RetryConfig(),
	})
	machine := fiscal.NewMachine(policy)
	seq := sequencer.New(sess, machine, sequencer.Config{
		QueueDepth:        cfg.Sequencer.QueueDepth,
		IdempotentRetries: cfg.Sequencer.IdempotentRetries,
		Retry:             cfg.RetryConfig(),
		ResultTTL:         cfg.Sequencer.ResultTTL,
		VATRates:          rates,
	})

	server := api.New(seq, sess, machine, api.Options{
		RequestTimeout: cfg.HTTP.RequestTimeout,
		RateLimit:      cfg.HTTP.RateLimit,
		RateBurst:      cfg.HTTP.RateBurst,
		Metrics:        m,
		Simulator:      device,
	})

	sess.SetEventNotifier(session.Notifiers{server.Hub(), m})
	machine.AddObserver(server.Hub())
	machine.AddObserver(m)
	seq.AddObserver(server.Hub())
	seq.AddObserver(m)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Device.ConnectTimeout+cfg.Device.IOTimeout)
	if err := sess.Connect(ctx); err != nil {
		log.Warnf("Device not reachable yet, will retry on the first command: %v", err)
	}
	cancel()

	seq.Start()
	if err := server.Start(cfg.ListenAddr()); err != nil {
		seq.Stop(context.Background())
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Infof("Received %s, shutting down", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("HTTP shutdown: %v", err)
	}
	seq.Stop(shutdownCtx)
	if err := sess.Disconnect(); err != nil {
		log.Debugf("Disconnect: %v", err)
	}
	machine.Shutdown()

	log.Info("Fiscal bridge stopped")
	return nil
}

func portsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports a fiscal printer could be attached to",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := transport.Ports()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No serial ports found")
				return nil
			}
			for _, p := range ports {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

func simulateCmd(f *flags) *cobra.Command {
	var (
		listen  string
		latency time.Duration
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a simulated fiscal printer on a TCP port",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("listen") && cfg.Demo.Listen != "" {
				listen = cfg.Demo.Listen
			}
			if !cmd.Flags().Changed("latency") {
				latency = cfg.Demo.Latency
			}

			server := simulator.NewServer(simulator.NewDevice(latency))
			if err := server.Start(listen); err != nil {
				return err
			}
			log.Infof("Simulated fiscal printer on %s, operators 0001-0016", server.Addr())

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			<-sigs
			server.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:4999", "address to accept bridge connections on")
	cmd.Flags().DurationVar(&latency, "latency", 50*time.Millisecond, "simulated response time")
	return cmd
}
