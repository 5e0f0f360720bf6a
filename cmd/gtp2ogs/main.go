// Command gtp2ogs connects GTP-speaking Go engines to an online Go
// server: it authenticates a bot account, applies the configured
// admission rules to incoming challenges, and plays the accepted games
// with a pool of engine subprocesses.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/poonpunokok/gtp2ogs/config"
	"github.com/poonpunokok/gtp2ogs/gtp"
	"github.com/poonpunokok/gtp2ogs/ogs"
	"github.com/poonpunokok/gtp2ogs/pool"
	"github.com/poonpunokok/gtp2ogs/session"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gtp2ogs:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath  string
		username string
		apikey   string
		debug    bool
		hidden   bool
		jsonGTP  bool
		noclock  bool
	)

	cmd := &cobra.Command{
		Use:           "gtp2ogs",
		Short:         "bridge GTP engines to an online Go server",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			// Flags beat the file and the environment.
			if cmd.Flags().Changed("username") {
				cfg.Username = username
			}
			if cmd.Flags().Changed("apikey") {
				cfg.APIKey = apikey
			}
			if cmd.Flags().Changed("debug") {
				cfg.Debug = debug
			}
			if cmd.Flags().Changed("hidden") {
				cfg.Hidden = hidden
			}
			if cmd.Flags().Changed("json") {
				cfg.JSON = jsonGTP
			}
			if cmd.Flags().Changed("noclock") {
				cfg.NoClock = noclock
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	cmd.Flags().StringVar(&username, "username", "", "bot account username")
	cmd.Flags().StringVar(&apikey, "apikey", "", "bot account api key")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.Flags().BoolVar(&hidden, "hidden", false, "hide the bot from the public bot list")
	cmd.Flags().BoolVar(&jsonGTP, "json", false, "use the JSON-framed GTP transport")
	cmd.Flags().BoolVar(&noclock, "noclock", false, "do not send clock commands to engines")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	engineOpts := []gtp.Option{gtp.WithLogger(log)}
	if cfg.JSON {
		engineOpts = append(engineOpts, gtp.WithJSONTransport())
	}

	pools := map[pool.Role]*pool.Pool{
		pool.RoleMain: pool.New(pool.RoleMain, pool.Config{
			Command:       cfg.BotCommand,
			Size:          cfg.MainPoolSize(),
			EngineOptions: engineOpts,
		}, log),
	}
	for role, command := range map[pool.Role][]string{
		pool.RoleOpening:     cfg.OpeningBot,
		pool.RoleEnding:      cfg.EndingBot,
		pool.RoleResignCheck: cfg.ResignBot,
	} {
		if len(command) == 0 {
			continue
		}
		pools[role] = pool.New(role, pool.Config{
			Command:       command,
			Size:          1,
			EngineOptions: engineOpts,
		}, log)
	}
	defer func() {
		for _, p := range pools {
			p.Shutdown()
		}
	}()

	socket, err := ogs.Dial(ctx, cfg.ServerURL, log)
	if err != nil {
		return err
	}
	rest := ogs.NewRestClient(cfg.RestURL, cfg.APIKey, log)

	ctrl := session.New(socket, rest, pools, session.Options{
		Username:      cfg.Username,
		APIKey:        cfg.APIKey,
		Hidden:        cfg.Hidden,
		Policy:        cfg.Policy(),
		AIChat:        cfg.AIChat,
		OGSPV:         cfg.OGSPV,
		NoClock:       cfg.NoClock,
		ShowBoard:     cfg.ShowBoard,
		JSONTransport: cfg.JSON,
		StartupBuffer: cfg.StartupBufferDuration(),
	}, log)

	grp, gctx := errgroup.WithContext(ctx)
	// Handlers must be in place before the socket fires its synthetic
	// connect, or authentication is lost.
	ctrl.Bind(gctx)
	grp.Go(socket.Run)
	grp.Go(func() error { return ctrl.Run(gctx) })
	grp.Go(func() error {
		<-gctx.Done()
		return socket.Close()
	})

	err = grp.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	switch {
	case cfg.Verbosity >= 2:
		log.SetLevel(logrus.TraceLevel)
	case cfg.Debug || cfg.Verbosity == 1:
		log.SetLevel(logrus.DebugLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}
