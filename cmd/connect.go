package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"hiphop-rpc/channel"
	"hiphop-rpc/client"
	"hiphop-rpc/config"
	"hiphop-rpc/dsp"
	"hiphop-rpc/loadbalance"
	"hiphop-rpc/message"
	"hiphop-rpc/server"
	"hiphop-rpc/transfer"
	"hiphop-rpc/transport"
)

var (
	sendPath     string
	sendDest     string
	sendMethod   string
	connectAsUI  string
	setParameter float64
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Run a UI-side client",
	Long:  "Connects to a host at the configured endpoint or one found in the registry, or over stdin/stdout when launched embedded. Reports latency and optionally uploads a file.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup("cmd.connect")
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		chCfg := channel.Config{
			PingInterval: cfg.Channel.PingInterval(),
			CallTimeout:  cfg.Channel.CallTimeout(),
			FlushOnOpen:  cfg.Channel.FlushOnOpen,
			OnLatency: func(d time.Duration) {
				log.Info("latency", "rtt", d)
			},
			Methods: map[string]channel.MethodFunc{
				"parameterChanged": func(a message.Args) { log.Info("parameter changed", "args", []any(a)) },
				"stateChanged":     func(a message.Args) { log.Info("state changed", "args", []any(a)) },
				"programLoaded":    func(a message.Args) { log.Info("program loaded", "args", []any(a)) },
			},
		}

		var conn *channel.Channel
		if cfg.Channel.Embedded {
			conn, err = connectEmbedded(cfg, chCfg, stop, log)
		} else {
			conn, err = connectNetwork(ctx, cfg, chCfg)
		}
		if err != nil {
			return err
		}
		defer conn.Close()

		conn.OnEvent(dsp.DefaultSnapshotTag, func(msg message.Message) {
			samples, err := dsp.DecodeSnapshot(msg)
			if err != nil {
				log.Warn("bad snapshot", "error", err)
				return
			}
			log.Debug("snapshot", "samples", len(samples), "peak", peak(samples))
		})
		conn.OnClose(func(err error) {
			log.Warn("disconnected", "error", err)
		})
		onOpen := func() { go greet(ctx, conn, cfg.Transfer.MaxChunk, log) }
		// Registered on the loop so an open that already happened is not missed.
		conn.Loop().Post(func() {
			conn.OnOpen(onOpen)
			if conn.State() == transport.Open {
				onOpen()
			}
		})

		<-ctx.Done()
		return nil
	},
}

// connectNetwork dials the configured endpoint, or one picked from the
// registry.
func connectNetwork(ctx context.Context, cfg *config.Config, chCfg channel.Config) (*channel.Channel, error) {
	opts := client.Options{
		URL:      cfg.Channel.Endpoint,
		Service:  cfg.Registry.Service,
		Balancer: loadbalance.New(cfg.Channel.Balancer),
		Instance: connectAsUI,
		Socket: transport.SocketConfig{
			ReconnectInterval: cfg.Channel.ReconnectInterval(),
			WriteTimeout:      cfg.Channel.WriteTimeout(),
			Codec:             cfg.Channel.CodecType(),
		},
		Channel: chCfg,
	}
	if opts.URL == "" {
		reg, err := openRegistry(cfg)
		if err != nil {
			return nil, err
		}
		if reg == nil {
			return nil, fmt.Errorf("connect: no channel.endpoint configured and registry disabled")
		}
		// Discovery happens once; the socket reconnects to the chosen host.
		defer reg.Close()
		opts.Registry = reg
	}

	conn, err := client.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	return conn.Channel, nil
}

// stdio is the pipe a host gives the UI process it launched.
type stdio struct {
	io.Reader
	io.Writer
}

// connectEmbedded speaks the framed pipe protocol on stdin/stdout. The
// host closing the pipe ends the command.
func connectEmbedded(cfg *config.Config, chCfg channel.Config, stop func(), log *slog.Logger) (*channel.Channel, error) {
	ipc := transport.NewIPC(stdio{Reader: os.Stdin, Writer: os.Stdout}, cfg.Channel.CodecType())
	bridge := ipc.PipeBridge()
	conn, err := channel.New(bridge, chCfg)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := ipc.Serve(bridge.Deliver); err != nil {
			log.Warn("host pipe failed", "error", err)
		} else {
			log.Info("host closed the pipe")
		}
		stop()
	}()
	return conn, nil
}

func init() {
	connectCmd.Flags().StringVar(&sendPath, "send", "", "file to upload once connected")
	connectCmd.Flags().StringVar(&sendDest, "dest", "shm", "transfer destination key")
	connectCmd.Flags().StringVar(&sendMethod, "method", server.WriteSharedMemoryMethod, "transfer chunk method")
	connectCmd.Flags().StringVar(&connectAsUI, "instance", "", "UI instance id (host affinity with the hash balancer)")
	connectCmd.Flags().Float64Var(&setParameter, "gain", -1, "set parameter 0 once connected")
	rootCmd.AddCommand(connectCmd)
}

var uploadOnce sync.Once

// greet runs on every open: it queries the host and applies --gain. The
// --send upload happens on the first open only.
func greet(ctx context.Context, conn *channel.Channel, maxChunk int, log *slog.Logger) {
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	width, werr := conn.Call(callCtx, "getInitWidthCSS")
	height, herr := conn.Call(callCtx, "getInitHeightCSS")
	if werr != nil || herr != nil {
		log.Warn("size query failed", "width_error", werr, "height_error", herr)
	} else {
		log.Info("host surface", "width", []any(width), "height", []any(height))
	}
	if url, err := conn.Call(callCtx, "getPublicUrl"); err == nil {
		log.Info("host public url", "url", []any(url))
	}

	if setParameter >= 0 {
		if err := conn.Notify("setParameterValue", 0, setParameter); err != nil {
			log.Warn("set parameter", "error", err)
		}
	}

	if sendPath != "" {
		uploadOnce.Do(func() { upload(conn, maxChunk, log) })
	}
}

func upload(conn *channel.Channel, maxChunk int, log *slog.Logger) {
	data, err := os.ReadFile(sendPath)
	if err != nil {
		log.Warn("read upload", "path", sendPath, "error", err)
		return
	}
	token, err := transfer.NewSender(conn, sendMethod, maxChunk).Send(sendDest, data, "")
	if err != nil {
		log.Warn("upload failed", "token", token, "error", err)
		return
	}
	log.Info("uploaded", "path", sendPath, "destination", sendDest, "bytes", len(data), "token", token)
}

func peak(samples []float32) float32 {
	var p float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		p = max(p, s)
	}
	return p
}
