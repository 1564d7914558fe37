package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/truenas/middleware-sub000/gateway/rest"
	"github.com/truenas/middleware-sub000/gateway/websocket"
	"github.com/truenas/middleware-sub000/internal/runtime"
	configpkg "github.com/truenas/middleware-sub000/internal/runtime/config"
	loggingpkg "github.com/truenas/middleware-sub000/internal/runtime/logging"
	"github.com/truenas/middleware-sub000/internal/runtime/osops"
)

const shutdownTimeout = 30 * time.Second

var serveOpts struct {
	configPath string
	usersPath  string
	listen     string
	logFormat  string
	logLevel   string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher and its WebSocket and REST gateways",
	Long: `Run the dispatcher. Settings come from the YAML file given with --config,
then from MIDDLEWARED_* environment variables, then from flags.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveOpts.configPath, "config", "c", "", "YAML configuration file")
	serveCmd.Flags().StringVar(&serveOpts.usersPath, "users", "", "YAML file declaring local accounts")
	serveCmd.Flags().StringVar(&serveOpts.listen, "listen", "", "gateway listen address (overrides listen_address)")
	serveCmd.Flags().StringVar(&serveOpts.logFormat, "log-format", "", "log format: text, json or logrus")
	serveCmd.Flags().StringVar(&serveOpts.logLevel, "log-level", "", "log level: trace, debug, info, warn or error")
}

// loadServeConfig reads the configuration and applies flag overrides.
func loadServeConfig(cmd *cobra.Command) (*configpkg.Config, error) {
	conf, err := configpkg.Load(serveOpts.configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("listen") {
		conf.ListenAddress = serveOpts.listen
	}
	if cmd.Flags().Changed("log-format") {
		conf.LogFormat = serveOpts.logFormat
	}
	if cmd.Flags().Changed("log-level") {
		conf.LogLevel = serveOpts.logLevel
	}
	resolved := conf.WithDefaults()
	return &resolved, nil
}

// listenPort extracts the port of a "host:port" listen address.
func listenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("listen address %q: invalid port", addr)
	}
	return port, nil
}

// newDaemon builds the service with the OS methods and both gateways
// mounted on the listen port.
func newDaemon(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps runtime.ServiceDependencies) (*runtime.Service, error) {
	port, err := listenPort(conf.ListenAddress)
	if err != nil {
		return nil, err
	}
	svc, err := runtime.TryNewService(conf, log, ctx, deps)
	if err != nil {
		return nil, err
	}
	if err := osops.Register(svc, osops.New(log)); err != nil {
		_ = svc.Close(ctx)
		return nil, err
	}
	websocket.New(svc, websocket.Options{AllowedOrigins: conf.WebUICORSAllowedOrigins, Logger: log}).Register(port)
	rest.New(svc, log).Register(port)
	return svc, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	conf, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}
	log, err := loggingpkg.New(conf.LogFormat, conf.LogLevel, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	dir, err := loadUsers(serveOpts.usersPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := newDaemon(ctx, conf, log, runtime.ServiceDependencies{Directory: dir})
	if err != nil {
		return err
	}
	log.Info("Serving API", loggingpkg.LogFields{"address": conf.ListenAddress, "version": Version})

	runErr := svc.Start(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	closeErr := svc.Close(shutdownCtx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return errors.Join(runErr, closeErr)
}
