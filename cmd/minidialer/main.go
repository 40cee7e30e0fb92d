package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"minidialer/internal/browser"
	"minidialer/internal/cdntest"
	"minidialer/internal/command"
	"minidialer/internal/fragment"
	"minidialer/internal/splithttp"
	"minidialer/internal/tcptunnel"
	"minidialer/internal/transport"
	"minidialer/internal/wsproxy"
)

// commonOptions are shared by every transport subcommand.
type commonOptions struct {
	host string
	port int
}

func (o *commonOptions) addFlags(flags *pflag.FlagSet) {
	flags.StringVar(&o.host, "host", "127.0.0.1", "which local host to listen on")
	flags.IntVar(&o.port, "port", 3000, "which local port to listen on")
}

func main() {
	setupLogging()
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("fatal")
		os.Exit(1)
	}
}

// Logs go to stderr so subcommand children can own stdout.
func setupLogging() {
	level := zerolog.InfoLevel
	if v := os.Getenv("MINIDIALER_LOG"); v != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(v)); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "minidialer",
		Short:         "a collection of proxies for dialing out through unfriendly middleboxes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		newBrowserCmd(),
		newCommandCmd(),
		newTCPFragmentCmd(),
		newSplitHTTPCmd(),
		newSplitHTTPServerCmd(),
		newWSCmd(),
		newTCPCmd(),
		newCDNTestCmd(),
	)
	return cmd
}

// signalContext ends when the process is asked to stop.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newBrowserCmd() *cobra.Command {
	var opts commonOptions
	cmd := &cobra.Command{
		Use:   "browser UPSTREAM",
		Short: "lend out idle browser websockets to dial upstream from a real browser",
		Long:  "UPSTREAM is the websocket URL prefix to dial from pooled browsers, starting with ws:// or wss://.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			upstream := args[0]
			if !strings.HasPrefix(upstream, "ws://") && !strings.HasPrefix(upstream, "wss://") {
				return errors.New("upstream must start with ws:// or wss://")
			}
			srv, err := browser.NewServer(upstream)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			log.Info().Str("addr", transport.Addr(opts.host, opts.port)).Str("upstream", upstream).Msg("listening")
			return transport.ServeHTTP(ctx, opts.host, opts.port, srv)
		},
	}
	opts.addFlags(cmd.Flags())
	return cmd
}

func newCommandCmd() *cobra.Command {
	var opts commonOptions
	cmd := &cobra.Command{
		Use:   "command ARGV...",
		Short: "forward each connection to the stdio of a spawned process",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, err := command.NewRunner(args)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			log.Info().Str("addr", transport.Addr(opts.host, opts.port)).Strs("command", args).Msg("listening")
			return transport.Serve(ctx, opts.host, opts.port, runner.HandleConn)
		},
	}
	opts.addFlags(cmd.Flags())
	return cmd
}

func newTCPFragmentCmd() *cobra.Command {
	var opts commonOptions
	var splitAfter string
	var splitSleepMs uint64
	cmd := &cobra.Command{
		Use:   "tcp-fragment UPSTREAM",
		Short: "force a TCP packet boundary after every occurrence of a string",
		Long: `UPSTREAM is host:port, port mandatory, for example example.com:443.

Only outbound packets are affected. The string may appear multiple times, in
which case multiple packets are affected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fwd, err := fragment.NewForwarder(fragment.Config{
				Upstream:   args[0],
				SplitAfter: []byte(splitAfter),
				SplitSleep: time.Duration(splitSleepMs) * time.Millisecond,
			})
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			log.Info().Str("addr", transport.Addr(opts.host, opts.port)).Str("upstream", args[0]).Msg("listening")
			return transport.Serve(ctx, opts.host, opts.port, fwd.HandleConn)
		},
	}
	opts.addFlags(cmd.Flags())
	cmd.Flags().StringVar(&splitAfter, "split-after", "", "start a new TCP packet after this string")
	cmd.Flags().Uint64Var(&splitSleepMs, "split-sleep-ms", 5000,
		"sleep this many milliseconds between packets; middleboxes rarely keep reassembly buffers around for long")
	_ = cmd.MarkFlagRequired("split-after")
	return cmd
}

func newSplitHTTPCmd() *cobra.Command {
	var opts commonOptions
	var downloadUpstream string
	var headers, downloadHeaders []string
	var uploadChunkSize int
	cmd := &cobra.Command{
		Use:   "split-http UPSTREAM",
		Short: "tunnel connections over one streaming GET plus many small POSTs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			header, err := parseHeaders(headers)
			if err != nil {
				return err
			}
			downloadHeader, err := parseHeaders(downloadHeaders)
			if err != nil {
				return err
			}
			client := splithttp.NewClient(splithttp.ClientConfig{
				Upstream:         strings.TrimSuffix(args[0], "/"),
				DownloadUpstream: strings.TrimSuffix(downloadUpstream, "/"),
				Header:           header,
				DownloadHeader:   downloadHeader,
				UploadChunkSize:  uploadChunkSize,
			})
			ctx, cancel := signalContext()
			defer cancel()
			log.Info().Str("addr", transport.Addr(opts.host, opts.port)).Str("upstream", args[0]).Msg("listening")
			return transport.Serve(ctx, opts.host, opts.port, client.HandleConn)
		},
	}
	opts.addFlags(cmd.Flags())
	cmd.Flags().StringVar(&downloadUpstream, "download-upstream", "", "base URL for the download stream (defaults to UPSTREAM)")
	cmd.Flags().StringArrayVar(&headers, "header", nil, "extra upload header, K:V (repeatable)")
	cmd.Flags().StringArrayVar(&downloadHeaders, "download-header", nil, "extra download header, K:V (defaults to --header)")
	cmd.Flags().IntVar(&uploadChunkSize, "upload-chunk-size", splithttp.DefaultUploadChunkSize, "max bytes per upload request")
	return cmd
}

func newSplitHTTPServerCmd() *cobra.Command {
	var opts commonOptions
	cmd := &cobra.Command{
		Use:   "split-http-server UPSTREAM",
		Short: "reassemble split-http sessions onto a TCP upstream",
		Long:  "UPSTREAM is host:port of the TCP server the sessions are forwarded to.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			log.Info().Str("addr", transport.Addr(opts.host, opts.port)).Str("upstream", args[0]).Msg("listening")
			return transport.ServeHTTP(ctx, opts.host, opts.port, splithttp.NewServer(args[0]))
		},
	}
	opts.addFlags(cmd.Flags())
	return cmd
}

func newWSCmd() *cobra.Command {
	var opts commonOptions
	cmd := &cobra.Command{
		Use:   "ws UPSTREAM",
		Short: "forward websocket upgrades to an upstream websocket server",
		Long:  "UPSTREAM is the websocket URL prefix to dial, starting with ws:// or wss://.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			upstream := args[0]
			if !strings.HasPrefix(upstream, "ws://") && !strings.HasPrefix(upstream, "wss://") {
				return errors.New("upstream must start with ws:// or wss://")
			}
			ctx, cancel := signalContext()
			defer cancel()
			log.Info().Str("addr", transport.Addr(opts.host, opts.port)).Str("upstream", upstream).Msg("listening")
			return transport.ServeHTTP(ctx, opts.host, opts.port, wsproxy.NewServer(upstream))
		},
	}
	opts.addFlags(cmd.Flags())
	return cmd
}

func newTCPCmd() *cobra.Command {
	var opts commonOptions
	var noTLS bool
	cmd := &cobra.Command{
		Use:   "tcp UPSTREAM",
		Short: "forward TCP connections through a fresh TLS session per connection",
		Long: `UPSTREAM is a host with optional port, for example:

  example.com
  example.com:80
  127.0.0.1:443

The default port is 443, or 80 with --no-tls.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tunnel, err := tcptunnel.NewTunnel(tcptunnel.Config{Upstream: args[0], NoTLS: noTLS})
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			log.Info().Str("addr", transport.Addr(opts.host, opts.port)).Str("upstream", args[0]).Msg("listening")
			return transport.Serve(ctx, opts.host, opts.port, tunnel.HandleConn)
		},
	}
	opts.addFlags(cmd.Flags())
	cmd.Flags().BoolVar(&noTLS, "no-tls", false, "forward plain TCP instead of TLS (internal testing only)")
	return cmd
}

func newCDNTestCmd() *cobra.Command {
	var opts commonOptions
	cmd := &cobra.Command{
		Use:   "cdn-test",
		Short: "origin server for probing whether a CDN path delivers streamed chunks promptly",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			log.Info().Str("addr", transport.Addr(opts.host, opts.port)).Msg("listening")
			return transport.ServeHTTP(ctx, opts.host, opts.port, cdntest.NewOrigin())
		},
	}
	opts.addFlags(cmd.Flags())
	return cmd
}

// parseHeaders turns repeated K:V flags into an http.Header.
func parseHeaders(raw []string) (http.Header, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	h := http.Header{}
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, ":")
		if !ok {
			return nil, errors.Errorf("invalid header %q, expected K:V", kv)
		}
		h.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	return h, nil
}
