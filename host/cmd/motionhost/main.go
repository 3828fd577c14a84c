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
	"strings"

	"motionlink/host/engine"
	"motionlink/host/mcu"
	"motionlink/host/serial"
	"motionlink/motion/config"
	"motionlink/motion/gcode"
)

var (
	configPath = flag.String("config", "", "Machine config (JSON with comments); empty uses a Cartesian default")
	device     = flag.String("device", "", "Serial device path or tcp://host:port, overrides the config")
	driver     = flag.String("driver", "", "Serial driver: tarm or bugst, overrides the config")
	baud       = flag.Int("baud", 0, "Baud rate, overrides the config (ignored for USB CDC)")
	list       = flag.Bool("list", false, "List serial ports and exit")
	file       = flag.String("file", "", "Stream a G-code file instead of reading commands")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn or error")
	logJSON    = flag.Bool("log-json", false, "Log as JSON")
)

func main() {
	flag.Parse()
	log := newLogger(os.Stderr, *logLevel, *logJSON)
	slog.SetDefault(log)

	if *list {
		ports, err := serial.ListPorts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultCartesianConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFile(*configPath); err != nil {
			return nil, err
		}
	}
	if *device != "" {
		cfg.Link.Device = *device
	}
	if *driver != "" {
		cfg.Link.Driver = *driver
	}
	if *baud != 0 {
		cfg.Link.Baud = *baud
	}
	if cfg.Link.Device == "" {
		cfg.Link.Device = "/dev/ttyACM0"
	}
	return cfg, cfg.Validate()
}

func newLogger(w io.Writer, level string, json bool) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) (err error) {
	fmt.Printf("Connecting to executor on %s...\n", cfg.Link.Device)
	m, err := mcu.Connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := m.Close(); err == nil {
			err = cerr
		}
	}()
	id := m.Identity()
	fmt.Printf("Executor: protocol %d, %d motors, %d fragments of %d samples, %d steps per sample\n",
		id.Version, id.Motors, id.Fragments, id.Samples, id.MaxSteps)

	eng, err := engine.New(cfg, m.Transport(), id, engine.Options{
		Logger:   log,
		Notifier: &notifier{log: log},
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- eng.Run(ctx) }()

	var axes strings.Builder
	for _, a := range cfg.Axes {
		axes.WriteString(a.Name)
	}
	interp := gcode.NewInterpreter(eng, gcode.Options{
		Axes:            axes.String(),
		Tools:           len(cfg.Extruders),
		DefaultFeedrate: cfg.Motion.DefaultFeedrate,
		RapidFeedrate:   cfg.Motion.MaxVelocity,
	}, log)
	c := &console{eng: eng, interp: interp, link: m.Transport(), out: os.Stdout}

	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := c.stream(ctx, f); err != nil {
			return err
		}
		return eng.Flush(ctx)
	}

	fmt.Println("Enter G-code or commands (type 'help' for available commands, 'quit' to exit):")
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for {
		fmt.Print("> ")
		select {
		case line, ok := <-lines:
			if !ok {
				return eng.Flush(ctx)
			}
			if quit := c.command(ctx, line); quit {
				fmt.Println("Goodbye!")
				return nil
			}
		case err := <-errc:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
