// Package server wires the storage, engine, hub and HTTP surface into
// a running service.
package server

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	easyFormatter "github.com/t-tomalak/logrus-easy-formatter"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/stepflow/stepflow/config"
	"github.com/stepflow/stepflow/engine"
	"github.com/stepflow/stepflow/handler"
	"github.com/stepflow/stepflow/hub"
	"github.com/stepflow/stepflow/internal/safego"
	"github.com/stepflow/stepflow/logger"
	"github.com/stepflow/stepflow/server"
	"github.com/stepflow/stepflow/store"
)

const (
	// storeInitTimeout bounds the startup retry loop for opening the
	// database.
	storeInitTimeout = 30 * time.Second

	// optimizeInterval is how often the database is checkpointed and
	// analyzed in the background.
	optimizeInterval = time.Hour

	// shutdownGrace is how long active executions get to finalize once
	// the process is asked to stop.
	shutdownGrace = 30 * time.Second
)

type serverCommand struct {
	envfile string
}

func (c *serverCommand) run(*kingpin.ParseContext) error {
	if err := godotenv.Load(c.envfile); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Errorln("cannot load env file")
	}

	// load the system configuration from the environment.
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).
			Errorln("cannot load the service configuration")
		return err
	}

	initLogging(&cfg)

	// open the store, retrying while the database settles. A corrupt
	// or unwritable database is fatal after the retry window.
	st := store.New(cfg.StoragePath, store.Options{
		StepLogBufferSize: cfg.Limits.StepLogBufferSize,
	})
	openStore := func() error { return st.Init() }
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = storeInitTimeout
	if err := backoff.RetryNotify(openStore, policy, func(err error, d time.Duration) {
		logrus.WithError(err).
			WithField("retry_in", d.String()).
			Warnln("cannot open store, retrying")
	}); err != nil {
		logrus.WithError(err).Errorln("cannot open store")
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logrus.WithError(err).Errorln("error closing store")
		}
	}()

	// executions interrupted by the previous process are sealed as
	// failed before anything new starts.
	recovered, err := st.RecoverInterrupted()
	if err != nil {
		logrus.WithError(err).Errorln("cannot recover interrupted executions")
		return err
	}
	if recovered > 0 {
		logrus.WithField("count", recovered).
			Warnln("recovered executions interrupted by restart")
	}

	workspace := cfg.SandboxRoot
	if workspace == "" {
		workspace = filepath.Join(cfg.StoragePath, "workspace")
	}

	h := hub.New(cfg.Limits.SubscriberQueueSize)
	eng := engine.New(st, h, engine.Options{
		MaxConcurrent: cfg.Limits.MaxConcurrentExecutions,
		MaxLineBytes:  cfg.Limits.MaxLineBytes,
		ArtifactRoot:  cfg.StoragePath,
		WorkspaceRoot: workspace,
	})

	// trap the os signal to gracefully shutdown the http server.
	ctx, cancel := context.WithCancel(context.Background())
	s := make(chan os.Signal, 1)
	signal.Notify(s, os.Interrupt, syscall.SIGTERM)
	defer func() {
		signal.Stop(s)
		cancel()
	}()
	go func() {
		select {
		case val := <-s:
			logrus.Infof("received OS Signal to exit server: %s", val)
			cancel()
		case <-ctx.Done():
		}
	}()

	safego.SafeGo("periodic optimize", func() {
		ticker := time.NewTicker(optimizeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := st.Optimize(); err != nil {
					logrus.WithError(err).Warnln("periodic optimize failed")
				}
			case <-ctx.Done():
				return
			}
		}
	})

	started := time.Now()
	apiServer := server.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: handler.Handler(cfg, st, eng, h, started),
	}
	streamServer := server.Server{
		Addr:    fmt.Sprintf(":%d", cfg.WSPort),
		Handler: handler.StreamHandler(st, eng, h),
	}

	var g errgroup.Group
	g.Go(func() error {
		logrus.Infof("api server listening at :%d", cfg.HTTPPort)
		return apiServer.Start(ctx)
	})
	g.Go(func() error {
		logrus.Infof("stream server listening at :%d", cfg.WSPort)
		return streamServer.Start(ctx)
	})

	err = g.Wait()

	// the listeners are down; drain active executions before the store
	// closes underneath them.
	eng.Shutdown("server_shutdown", shutdownGrace)

	if err == nil || err == context.Canceled {
		logrus.Infoln("program gracefully terminated")
		return nil
	}
	logrus.Errorf("program terminated with error: %s", err)
	return err
}

// Register the server commands.
func Register(app *kingpin.Application) {
	c := new(serverCommand)

	cmd := app.Command("server", "start the server").
		Action(c.run)

	cmd.Flag("env-file", "environment file").
		Default(".env").
		StringVar(&c.envfile)
}

// Get stackdriver to display logs correctly https://github.com/sirupsen/logrus/issues/403
type OutputSplitter struct{}

func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// helper function configures the global logger from the loaded configuration.
func initLogging(c *config.Config) {
	logrus.SetOutput(&OutputSplitter{})
	l := logrus.StandardLogger()
	logger.L = logrus.NewEntry(l)

	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		l.SetLevel(level)
	}
	if c.Debug {
		l.SetLevel(logrus.DebugLevel)
	}
	if c.Trace {
		l.SetLevel(logrus.TraceLevel)
		l.SetFormatter(&easyFormatter.Formatter{
			TimestampFormat: time.RFC3339,
			LogFormat:       "[%lvl%] %time% %msg%\n",
		})
	}
}
