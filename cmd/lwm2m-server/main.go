// Command lwm2m-server runs the device management server.
//
// It accepts device registrations over UDP or DTLS, answers bootstrap
// requests when a bootstrap config file is given, forwards lifecycle events
// to MQTT and advertises itself with mDNS.
//
// Usage:
//
//	lwm2m-server [flags]
//
// Flags:
//
//	--config string        YAML configuration file
//	--log-level string     debug, info, warn or error (default "info")
//	--listen string        UDP listen address, overrides the config file
//	--protocol-log string  Protocol capture file, overrides the config file
//	--psk stringArray      endpoint=identity:hexkey credentials to admit
//	--interactive          Operator console on the terminal
//
// Examples:
//
//	# Plain UDP on the default port
//	lwm2m-server
//
//	# DTLS with a config file and a protocol capture
//	lwm2m-server --config /etc/lwm2m/server.yaml --protocol-log /tmp/server.mlog
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/mash-protocol/lwm2m-go/pkg/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// options are the command line flags.
type options struct {
	configPath  string
	logLevel    string
	listen      string
	protocolLog string
	psks        []string
	interactive bool
}

func parseFlags(args []string) (*options, *pflag.FlagSet, error) {
	var opts options
	flagSet := pflag.NewFlagSet("lwm2m-server", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.StringVar(&opts.listen, "listen", "", "UDP listen address (overrides config)")
	flagSet.StringVar(&opts.protocolLog, "protocol-log", "", "protocol capture file (overrides config)")
	flagSet.StringArrayVar(&opts.psks, "psk", nil, "admit PSK credentials: endpoint=identity:hexkey (repeatable)")
	flagSet.BoolVarP(&opts.interactive, "interactive", "i", false, "run the operator console")
	if err := flagSet.Parse(args); err != nil {
		return nil, flagSet, err
	}
	if flagSet.NArg() > 0 {
		return nil, flagSet, fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}
	return &opts, flagSet, nil
}

// loadConfig reads the config file, then applies flag overrides.
func loadConfig(opts *options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		cfg, err = config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
	}
	if opts.listen != "" {
		cfg.Listen = opts.listen
	}
	if opts.protocolLog != "" {
		cfg.ProtocolLog = opts.protocolLog
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func run(args []string) error {
	opts, flagSet, err := parseFlags(args)
	if err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		flagSet.PrintDefaults()
		return err
	}

	level, err := parseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	var con *console
	logOut := io.Writer(os.Stderr)
	if opts.interactive {
		con = newConsole(os.Stdout)
		if err := con.attachTerminal(); err != nil {
			return err
		}
		defer con.close()
		logOut = con.Stdout()
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: level}))

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}
	for _, spec := range opts.psks {
		if err := d.addPSK(spec); err != nil {
			d.close()
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.start(ctx); err != nil {
		d.close()
		return err
	}
	logger.Info("lwm2m-server started", "name", cfg.Name)

	if con != nil {
		con.bind(d.server)
		con.run(ctx, stop)
	}
	<-ctx.Done()
	logger.Info("shutting down")
	d.stop()
	return nil
}
