// tarssh
// usage: tarssh [-l max-line-length] [-p port] [-d delay] [-m max-clients] [-c config]
package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mllken/tarssh"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

type options struct {
	configFile string
	config     tarssh.Config
}

func parseFlags(args []string) (*pflag.FlagSet, *options, error) {
	def := tarssh.DefaultConfig()
	opts := &options{}
	f := pflag.NewFlagSet("tarssh", pflag.ContinueOnError)
	f.StringVarP(&opts.configFile, "config", "c", "", "YAML config `file`")
	f.IntVarP(&opts.config.MaxLineLength, "max-line-length", "l", def.MaxLineLength, "maximum length of sent lines, clamped to [3, 253]")
	f.IntVarP(&opts.config.Port, "port", "p", def.Port, "`port` to listen on")
	f.StringVarP(&opts.config.Host, "host", "s", def.Host, "`address` of interface to bind to")
	f.IntVarP(&opts.config.Delay, "delay", "d", def.Delay, "delay between lines in `ms`")
	f.IntVarP(&opts.config.MaxClients, "max-clients", "m", def.MaxClients, "maximum number of trapped clients")
	f.Float64Var(&opts.config.AcceptRate, "accept-rate", def.AcceptRate, "accepted connections per second, 0 for no limit")
	f.IntVar(&opts.config.AcceptBurst, "accept-burst", def.AcceptBurst, "burst allowed above the accept rate")
	f.DurationVar(&opts.config.InitialReadTimeout, "initial-read-timeout", def.InitialReadTimeout, "drop clients that send nothing within this `duration`, 0 waits forever")
	f.DurationVar(&opts.config.DrainTimeout, "drain-timeout", def.DrainTimeout, "give up draining clients after this `duration`, 0 waits forever")
	f.StringVar(&opts.config.MetricsAddr, "metrics-addr", def.MetricsAddr, "`address` to serve Prometheus metrics on")
	f.StringVarP(&opts.config.LogFile, "log-file", "o", def.LogFile, "output log `file`")
	f.StringVar(&opts.config.LogLevel, "log-level", def.LogLevel, "log level")
	f.StringVar(&opts.config.LogFormat, "log-format", def.LogFormat, "log format, text or json")
	if err := f.Parse(args); err != nil {
		return nil, nil, err
	}
	return f, opts, nil
}

// loadConfig layers defaults, the config file, TARSSH_* variables and
// explicitly set flags, in that order.
func loadConfig(f *pflag.FlagSet, opts *options, lookup func(string) (string, bool)) (*tarssh.Config, error) {
	config := tarssh.DefaultConfig()
	path := opts.configFile
	if path == "" {
		path, _ = lookup("TARSSH_CONFIG")
	}
	if path != "" {
		var err error
		if config, err = tarssh.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if err := config.ApplyEnv(lookup); err != nil {
		return nil, err
	}

	set := &opts.config
	f.Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "max-line-length":
			config.MaxLineLength = set.MaxLineLength
		case "port":
			config.Port = set.Port
		case "host":
			config.Host = set.Host
		case "delay":
			config.Delay = set.Delay
		case "max-clients":
			config.MaxClients = set.MaxClients
		case "accept-rate":
			config.AcceptRate = set.AcceptRate
		case "accept-burst":
			config.AcceptBurst = set.AcceptBurst
		case "initial-read-timeout":
			config.InitialReadTimeout = set.InitialReadTimeout
		case "drain-timeout":
			config.DrainTimeout = set.DrainTimeout
		case "metrics-addr":
			config.MetricsAddr = set.MetricsAddr
		case "log-file":
			config.LogFile = set.LogFile
		case "log-level":
			config.LogLevel = set.LogLevel
		case "log-format":
			config.LogFormat = set.LogFormat
		}
	})
	return config, config.Validate()
}

func main() {
	os.Exit(run())
}

func run() int {
	f, opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	config, err := loadConfig(f, opts, os.LookupEnv)
	if err != nil {
		logrus.WithError(err).Error("invalid configuration")
		return 1
	}

	if config.LogFile != "" {
		lf, err := os.OpenFile(config.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			logrus.WithError(err).Errorf("unable to open logfile: %s", config.LogFile)
			return 1
		}
		defer lf.Close()
		config.Output = io.MultiWriter(lf, os.Stderr)
	}

	srv, err := tarssh.New(config)
	if err != nil {
		logrus.WithError(err).Error("invalid configuration")
		return 1
	}
	log := srv.Logger()

	ln, err := net.Listen("tcp", config.Addr())
	if err != nil {
		log.WithError(err).Error("unable to bind")
		return 1
	}

	if config.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", srv.MetricsHandler())
		ms := &http.Server{Addr: config.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
		defer ms.Close()
		log.WithField("addr", config.MetricsAddr).Info("serving metrics")
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	log.Info("use CTRL-C for a graceful shutdown")

	select {
	case err := <-serveErr:
		log.WithError(err).Error("accept loop stopped")
		return 1
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("received signal")
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if config.DrainTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), config.DrainTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()
	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig.String()).Warn("received second signal, abandoning drain")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).WithField("clients", srv.Live()).Error("drain incomplete")
		return 1
	}
	return 0
}
