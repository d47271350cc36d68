package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/tcptunnel/tcptunnel/pkg/tunnel"
)

var buildVersion = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "tcptunnel",
		Short:   "Multiplex local TCP connections over a single message transport",
		Version: buildVersion,
	}
	root.PersistentFlags().String("log-level", "info", "error|warning|info|debug|trace")
	root.PersistentFlags().String("metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")
	viper.BindPFlag("log-level", root.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("metrics-addr", root.PersistentFlags().Lookup("metrics-addr"))
	viper.SetEnvPrefix("TCPTUNNEL")
	viper.AutomaticEnv()

	root.AddCommand(newListenCmd(), newServeCmd())
	return root
}

func rootLogger() tunnel.Logger {
	level := tunnel.StringToLogLevel(viper.GetString("log-level"))
	if level == tunnel.LogLevelUnknown {
		level = tunnel.LogLevelInfo
	}
	return tunnel.NewLogger("tcptunnel", level)
}

func maybeServeMetrics(ctx context.Context, logger tunnel.Logger) prometheus.Registerer {
	addr := viper.GetString("metrics-addr")
	if addr == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ELogf("metrics server exited: %s", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	return reg
}

func newListenCmd() *cobra.Command {
	var (
		tunnelID     string
		localPort    uint16
		remotePort   uint16
		useIPv4      bool
		peerURL      string
		acceptRate   float64
		acceptBurst  int
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Accept local TCP connections on localPort and tunnel them to a remote peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			logger := rootLogger()
			if tunnelID == "" {
				tunnelID = uuid.NewString()
			}

			transport, err := tunnel.DialWS(logger, peerURL, nil)
			if err != nil {
				return fmt.Errorf("dial remote peer: %w", err)
			}

			reg := maybeServeMetrics(ctx, logger)
			var opts []tunnel.Option
			if reg != nil {
				opts = append(opts, tunnel.WithMetrics(tunnel.NewMetrics(reg, tunnelID)))
			}
			if acceptRate > 0 {
				opts = append(opts, tunnel.WithAcceptRateLimit(rate.Limit(acceptRate), acceptBurst))
			}

			proxy := tunnel.NewProxy(logger, tunnelID, localPort, remotePort, useIPv4, transport, opts...)
			if err := proxy.StartListening(ctx); err != nil {
				return fmt.Errorf("start listening: %w", err)
			}
			logger.ILogf("tunnel %s listening on %s, forwarding to remote port %d", tunnelID, proxy.LocalAddr(), remotePort)

			go pumpInbound(logger, transport, proxy, tunnelID)

			select {
			case <-ctx.Done():
			case <-transport.OnClose():
			}
			return proxy.Close()
		},
	}
	cmd.Flags().StringVar(&tunnelID, "tunnel-id", "", "tunnel identifier (default: a generated UUID)")
	cmd.Flags().Uint16Var(&localPort, "local-port", 0, "local TCP port to accept connections on (0 = ephemeral)")
	cmd.Flags().Uint16Var(&remotePort, "remote-port", 0, "target port on the remote peer's side")
	cmd.Flags().BoolVar(&useIPv4, "ipv4", true, "bind the local listener on IPv4 rather than IPv6")
	cmd.Flags().StringVar(&peerURL, "peer", "", "websocket URL of the remote peer")
	cmd.Flags().Float64Var(&acceptRate, "accept-rate", 0, "max accepted connections/sec (0 = unbounded)")
	cmd.Flags().IntVar(&acceptBurst, "accept-burst", 1, "accept-rate burst size")
	cmd.MarkFlagRequired("remote-port")
	cmd.MarkFlagRequired("peer")
	return cmd
}

// newServeCmd runs a minimal websocket peer for exercising a Proxy Engine
// end to end during development: it upgrades one connection per request
// and logs every frame it receives. It does not mirror accepted
// connections by opening its own outbound sockets — that half of a real
// tunnel deployment is a separate, symmetric process and out of scope
// here.
func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a development websocket peer that logs every tunnel frame it receives",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			logger := rootLogger()

			mux := http.NewServeMux()
			mux.HandleFunc("/tunnel", func(w http.ResponseWriter, r *http.Request) {
				transport, err := tunnel.UpgradeWS(logger, w, r)
				if err != nil {
					logger.WLogf("upgrade failed: %s", err)
					return
				}
				go func() {
					for frame := range transport.Incoming() {
						msg, err := tunnel.Decode(frame)
						if err != nil {
							logger.WLogf("malformed frame: %s", err)
							continue
						}
						logger.ILogf("tunnel %s: %s clientId=%d", msg.TunnelID, msg.Event, msg.ClientID)
					}
				}()
			})
			srv := &http.Server{Addr: addr, Handler: mux}
			go func() {
				<-ctx.Done()
				srv.Close()
			}()
			logger.ILogf("serving on %s", addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "0.0.0.0:8080", "address to listen on")
	return cmd
}

func pumpInbound(logger tunnel.Logger, transport *tunnel.WSTransport, proxy *tunnel.Proxy, tunnelID string) {
	for frame := range transport.Incoming() {
		msg, err := tunnel.Decode(frame)
		if err != nil {
			logger.WLogf("malformed inbound frame: %s", err)
			continue
		}
		if err := proxy.Receive(msg); err != nil {
			logger.WLogf("dropping frame for tunnel %s: %s", msg.TunnelID, err)
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sig)
	}()
	return ctx, cancel
}
