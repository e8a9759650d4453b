package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"fbiproxy/internal/config"
	"fbiproxy/internal/localproxy"
	"fbiproxy/internal/logging"
	"fbiproxy/internal/routing"
)

// Execute runs the fbi-proxy command until it fails or is interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fbi-proxy",
		Short: "Route requests to local dev servers by Host header",
		Long: `fbi-proxy forwards HTTP and WebSocket traffic to local services chosen
from the request's Host header:

  3000            -> localhost:3000
  api--3001       -> api:3001
  3002.dev        -> localhost:3002 (X-Forwarded-Host: 3002.dev)
  api             -> api:80`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd.Flags(), os.LookupEnv)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	addServeFlags(cmd.Flags())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func addServeFlags(fs *pflag.FlagSet) {
	defaults := config.Default()
	fs.StringP("config", "c", "", "YAML config file (env "+config.EnvConfig+")")
	fs.IntP("port", "p", defaults.Port, "Port to listen on (env "+config.EnvPort+")")
	fs.StringP("host", "h", defaults.Host, "Address to bind (env "+config.EnvHost+")")
	fs.StringP("domain", "d", "", "Only serve hosts under this domain (env "+config.EnvDomain+")")
	fs.String("admin-addr", "", "Serve /healthz, /metrics and /api/resolve on this address (env "+config.EnvAdmin+")")
	fs.Duration("connect-timeout", defaults.ConnectTimeout, "Upstream connect timeout")
	fs.Duration("response-header-timeout", defaults.ResponseHeaderTimeout, "Upstream response header timeout (0 waits forever)")
	fs.Int("ws-buffer", defaults.WebSocketBuffer, "Upstream websocket messages queued per session")
	fs.Int64("ws-read-limit", defaults.WebSocketReadLimit, "Largest websocket message in bytes")
	fs.String("log-level", defaults.LogLevel, "debug, info, warn or error (env "+config.EnvLogLevel+")")
	fs.BoolP("quiet", "q", false, "Only print the listening line on startup")
	// -h is the bind host, so help is long-only.
	fs.Bool("help", false, "help for fbi-proxy")
}

// resolveConfig layers defaults, the YAML file, the environment and finally
// flags the user set explicitly.
func resolveConfig(fs *pflag.FlagSet, lookup func(string) (string, bool)) (config.Config, error) {
	path, _ := fs.GetString("config")
	if !fs.Changed("config") {
		if v, ok := lookup(config.EnvConfig); ok {
			path = v
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return config.Config{}, err
	}

	var flagErr error
	fs.Visit(func(f *pflag.Flag) {
		if flagErr != nil {
			return
		}
		switch f.Name {
		case "port":
			cfg.Port, flagErr = fs.GetInt(f.Name)
		case "host":
			cfg.Host, flagErr = fs.GetString(f.Name)
		case "domain":
			cfg.Domain, flagErr = fs.GetString(f.Name)
		case "admin-addr":
			cfg.AdminAddr, flagErr = fs.GetString(f.Name)
		case "connect-timeout":
			cfg.ConnectTimeout, flagErr = fs.GetDuration(f.Name)
		case "response-header-timeout":
			cfg.ResponseHeaderTimeout, flagErr = fs.GetDuration(f.Name)
		case "ws-buffer":
			cfg.WebSocketBuffer, flagErr = fs.GetInt(f.Name)
		case "ws-read-limit":
			cfg.WebSocketReadLimit, flagErr = fs.GetInt64(f.Name)
		case "log-level":
			cfg.LogLevel, flagErr = fs.GetString(f.Name)
		case "quiet":
			cfg.Quiet, flagErr = fs.GetBool(f.Name)
		}
	})
	if flagErr != nil {
		return config.Config{}, flagErr
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config, stdout, stderr io.Writer) error {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := logging.New(stderr, level)

	srv := localproxy.NewServer(localproxy.Options{
		Filter:                routing.NewFilter(cfg.Domain),
		ConnectTimeout:        cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		WebSocketBuffer:       cfg.WebSocketBuffer,
		WebSocketReadLimit:    cfg.WebSocketReadLimit,
		Logger:                log,
	})

	ln, err := localproxy.Listen(cfg.ListenAddr())
	if err != nil {
		return err
	}
	var adminLn net.Listener
	if cfg.AdminAddr != "" {
		adminLn, err = localproxy.Listen(cfg.AdminAddr)
		if err != nil {
			_ = ln.Close()
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx, ln) })
	if adminLn != nil {
		log.Info("admin listening", "addr", adminLn.Addr().String())
		g.Go(func() error { return srv.ServeAdmin(ctx, adminLn) })
	}

	fmt.Fprintf(stdout, "FBI Proxy listening on: http://%s\n", ln.Addr())
	if !cfg.Quiet {
		printBanner(stdout, cfg)
	}
	log.Debug("config", "domain", cfg.Domain, "connectTimeout", cfg.ConnectTimeout, "wsBuffer", cfg.WebSocketBuffer)

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("fbi-proxy stopped")
	return nil
}
