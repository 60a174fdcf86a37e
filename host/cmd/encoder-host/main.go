package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"quadenc/host/config"
	"quadenc/host/monitor"
	"quadenc/host/serial"
	"quadenc/host/web"
	"quadenc/protocol"
)

var (
	configPath  = flag.String("config", "", "YAML config file (optional)")
	device      = flag.String("device", "/dev/ttyACM0", "Serial device path")
	baud        = flag.Int("baud", 115200, "Baud rate (ignored for USB CDC)")
	intervalMS  = flag.Int("interval-ms", 20, "Report interval in milliseconds (0 leaves reporting off)")
	listen      = flag.String("listen", ":8080", "HTTP listen address (empty disables the web server)")
	logLevel    = flag.String("log-level", "info", "Log level: error, warn, info, debug")
	console     = flag.Bool("console", true, "Read commands from stdin")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("encoder-host, protocol " + protocol.Version)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	logger := config.NewLogger(os.Stderr, cfg.Logging.Level)
	if err := run(cfg, logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, the optional file and the flags that were
// set explicitly
func loadConfig() (config.Config, error) {
	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}

	var o config.FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "device":
			o.Device = device
		case "baud":
			o.Baud = baud
		case "interval-ms":
			o.IntervalMS = intervalMS
		case "listen":
			o.Listen = listen
		case "log-level":
			o.LogLevel = logLevel
		}
	})
	o.Apply(&cfg)

	return cfg, cfg.Validate()
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scfg := serial.DefaultConfig(cfg.Serial.Device)
	scfg.Baud = cfg.Serial.Baud
	scfg.ReadTimeout = cfg.ReadTimeout()
	port, err := serial.Open(scfg)
	if err != nil {
		return err
	}
	defer port.Close()
	logger.Info("connected", "device", port.Device(), "baud", cfg.Serial.Baud)

	mon := monitor.New(port, monitor.Options{
		Logger: logger,
		Labels: cfg.Labels(),
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return mon.Run(ctx)
	})

	// Closing the port unblocks a read that has no timeout
	g.Go(func() error {
		<-ctx.Done()
		return port.Close()
	})

	if cfg.Web.Listen != "" {
		startWeb(ctx, g, cfg, mon, logger)
	}

	if err := mon.Identify(); err != nil {
		return err
	}
	if interval := cfg.ReportInterval(); interval > 0 {
		if err := mon.Query(interval); err != nil {
			return err
		}
	}

	if *console {
		go runConsole(ctx, stop, os.Stdin, os.Stdout, mon)
	}

	err = g.Wait()
	if errors.Is(err, monitor.ErrClosed) && ctx.Err() != nil {
		return nil
	}
	return err
}

func startWeb(ctx context.Context, g *errgroup.Group, cfg config.Config, mon *monitor.Monitor, logger *slog.Logger) {
	srv := web.NewServer(logger, mon, web.ServerConfig{
		Hub: web.HubConfig{SendBuf: cfg.Web.SendBuf},
	})
	updates, unsubscribe := mon.Subscribe(256)

	g.Go(func() error {
		defer unsubscribe()
		return srv.ListenAndServe(ctx, cfg.Web.Listen, cfg.Web.Path, updates, cfg.CoalesceWindow())
	})
}

// runConsole reads commands until quit (which stops the program) or the
// end of input (which only ends the console)
func runConsole(ctx context.Context, quit func(), in io.Reader, out io.Writer, mon *monitor.Monitor) {
	fmt.Fprintln(out, "Enter commands (type 'help' for available commands, 'quit' to exit):")
	scanner := bufio.NewScanner(in)

	for ctx.Err() == nil && scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !execCommand(out, mon, strings.Fields(line)) {
			quit()
			return
		}
	}
}

// execCommand runs one console command; it returns false on quit
func execCommand(out io.Writer, mon *monitor.Monitor, parts []string) bool {
	var err error

	switch parts[0] {
	case "quit", "exit", "q":
		return false

	case "help", "?":
		printHelp(out)

	case "identify":
		err = mon.Identify()

	case "query":
		var ms int
		if ms, err = intArg(parts, 20); err == nil {
			err = mon.Query(time.Duration(ms) * time.Millisecond)
		}

	case "reset", "stop":
		var oid int
		if oid, err = intArg(parts, -1); err == nil {
			if oid < 0 || oid > 255 {
				err = fmt.Errorf("usage: %s <oid>", parts[0])
			} else if parts[0] == "reset" {
				err = mon.Reset(uint8(oid))
			} else {
				err = mon.Stop(uint8(oid))
			}
		}

	case "states", "s":
		printStates(out, mon.Snapshot())

	case "stats":
		s := mon.Stats()
		fmt.Fprintf(out, "frames=%d crc_errors=%d resyncs=%d dropped_bytes=%d decode_errors=%d dropped_updates=%d\n",
			s.Link.Frames, s.Link.CRCErrors, s.Link.Resyncs, s.Link.Dropped, s.DecodeErrors, s.Dropped)

	default:
		fmt.Fprintf(out, "Unknown command: %s (type 'help' for available commands)\n", parts[0])
	}

	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
	}
	return true
}

func intArg(parts []string, def int) (int, error) {
	if len(parts) < 2 {
		return def, nil
	}
	return strconv.Atoi(parts[1])
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, "\nAvailable commands:")
	fmt.Fprintln(out, "  help           - Show this help message")
	fmt.Fprintln(out, "  identify       - Ask the firmware for its encoders")
	fmt.Fprintln(out, "  query [ms]     - Set the report interval and start sampling (0 stops reports)")
	fmt.Fprintln(out, "  reset <oid>    - Zero an encoder count")
	fmt.Fprintln(out, "  stop <oid>     - Stop sampling an encoder")
	fmt.Fprintln(out, "  states         - Print the latest encoder states")
	fmt.Fprintln(out, "  stats          - Print link statistics")
	fmt.Fprintln(out, "  quit/exit/q    - Exit the program")
	fmt.Fprintln(out)
}

func printStates(out io.Writer, states []monitor.State) {
	if len(states) == 0 {
		fmt.Fprintln(out, "No encoders reported yet")
		return
	}
	fmt.Fprintf(out, "%-4s %-12s %6s %12s %8s %10s %10s %9s\n",
		"oid", "label", "ppr", "count", "turns", "angle", "rpm", "fallback")
	for _, st := range states {
		label := st.Label
		if label == "" {
			label = st.Info.Backend
		}
		fmt.Fprintf(out, "%-4d %-12s %6d %12d %8d %10.4f %10.2f %9d\n",
			st.OID, label, st.Info.PPR, st.Count, st.Rotations, st.Angle, st.RPM(), st.Fallbacks)
	}
}
