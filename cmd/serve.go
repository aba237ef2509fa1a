package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"hiphop-rpc/config"
	"hiphop-rpc/dsp"
	"hiphop-rpc/middleware"
	"hiphop-rpc/registry"
	"hiphop-rpc/server"
	"hiphop-rpc/transfer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the plugin host",
	Long:  "Serves the UI message surface over websocket, runs the processing engine and pushes visualization snapshots.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup("cmd.serve")
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg, err := openRegistry(cfg)
		if err != nil {
			return err
		}
		if reg != nil {
			defer reg.Close()
		}

		srvCfg := server.Config{
			Addr:           cfg.Server.Addr(),
			Path:           cfg.Server.Path,
			HoldUntilFlush: cfg.Server.HoldUntilFlush,
			InitQueueSize:  cfg.Server.InitQueueSize,
			WriteTimeout:   cfg.Server.WriteTimeout(),
			Endpoint: registry.Endpoint{
				Service: cfg.Registry.Service,
				Version: version,
				Weight:  cfg.Registry.Weight,
			},
			RegisterTTL: cfg.Registry.TTL(),
		}
		if reg != nil {
			srvCfg.Registry = reg
		}
		srv := server.NewServer(srvCfg)
		srv.Use(middleware.LoggingMiddleware(nil))
		if cfg.Server.RateLimit > 0 {
			srv.Use(middleware.RateLimitMiddleware(float64(cfg.Server.RateLimit), cfg.Server.RateLimit))
		}
		if d := cfg.Server.HandlerTimeout(); d > 0 {
			srv.Use(middleware.TimeOutMiddleware(d))
		}

		snapshot := dsp.NewSnapshot(cfg.DSP.MaxFrames)
		gain := dsp.NewGain(snapshot)
		sess, err := dsp.NewSession(cfg.DSP.Layout(), gain)
		if err != nil {
			return err
		}

		host := newPluginHost(srv, gain, log)
		server.RegisterSurface(srv, host)

		receiver := transfer.NewReceiver(transfer.ReceiverConfig{
			Destinations: cfg.Transfer.Destinations,
			OnComplete: func(c transfer.Completion) {
				log.Info("transfer complete", "destination", c.Destination, "token", c.Token, "bytes", len(c.Data))
			},
		})
		server.RegisterTransfer(srv, server.WriteSharedMemoryMethod, receiver)
		server.RegisterTransfer(srv, server.SideloadMethod, receiver)

		pump := dsp.NewPump(dsp.PumpConfig{
			Snapshot: snapshot,
			Sink:     srv,
			Rate:     float64(cfg.DSP.SnapshotRate),
		})

		go host.runEngine(ctx, sess, cfg.DSP.SampleRate)
		go pump.Run(ctx)

		served := make(chan error, 1)
		go func() { served <- srv.ListenAndServe() }()

		if uiCommand != "" {
			if err := launchUI(ctx, srv, cfg, uiCommand, log); err != nil {
				srv.Shutdown(cfg.Server.ShutdownTimeout())
				return err
			}
		}

		select {
		case err := <-served:
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		log.Info("shutting down")
		if err := srv.Shutdown(cfg.Server.ShutdownTimeout()); err != nil {
			log.Warn("shutdown", "error", err)
		}
		if err := <-served; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

var uiCommand string

func init() {
	serveCmd.Flags().StringVar(&uiCommand, "ui", "", "command line of a UI process to launch and serve over its stdin/stdout")
	rootCmd.AddCommand(serveCmd)
}

// childPipe joins a child's stdout and stdin. Closing it closes stdin,
// which the child reads as the host going away.
type childPipe struct {
	io.Reader
	io.WriteCloser
}

// launchUI starts command line as an embedded UI peer: the child gets the
// framed pipe protocol on stdin/stdout and HIPHOP_EMBEDDED=1.
func launchUI(ctx context.Context, srv *server.Server, cfg *config.Config, cmdline string, log *slog.Logger) error {
	argv := strings.Fields(cmdline)
	if len(argv) == 0 {
		return errors.New("serve: empty --ui command")
	}
	child := exec.CommandContext(ctx, argv[0], argv[1:]...)
	child.Env = append(os.Environ(), config.EnvEmbedded+"=1")
	if configPath != "" {
		child.Env = append(child.Env, config.EnvConfig+"="+configPath)
	}
	child.Stderr = os.Stderr

	stdin, err := child.StdinPipe()
	if err != nil {
		return fmt.Errorf("serve: ui stdin: %w", err)
	}
	stdout, err := child.StdoutPipe()
	if err != nil {
		return fmt.Errorf("serve: ui stdout: %w", err)
	}
	if err := child.Start(); err != nil {
		return fmt.Errorf("serve: start ui %q: %w", argv[0], err)
	}
	log.Info("launched ui", "command", cmdline, "pid", child.Process.Pid)

	go func() {
		if err := srv.ServeIPC(childPipe{Reader: stdout, WriteCloser: stdin}, cfg.Channel.CodecType()); err != nil {
			log.Warn("ui pipe failed", "error", err)
		}
		if err := child.Wait(); err != nil && ctx.Err() == nil {
			log.Warn("ui exited", "error", err)
		}
	}()
	return nil
}

// version is advertised with the endpoint.
const version = "1.0"

// openRegistry returns nil when discovery is disabled.
func openRegistry(cfg *config.Config) (*registry.EtcdRegistry, error) {
	if !cfg.Registry.Enabled {
		return nil, nil
	}
	reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout())
	if err != nil {
		return nil, err
	}
	return reg, nil
}
