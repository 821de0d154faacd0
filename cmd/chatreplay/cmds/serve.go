package cmds

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatreplay/pkg/webplayer"
)

func newServeCommand(a *app) *cobra.Command {
	var autoplay bool
	cmd := &cobra.Command{
		Use:   "serve [scenario.yaml]",
		Short: "Serve the player over HTTP and stream its events over websockets",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			conv, err := a.loadConversation(path)
			if err != nil {
				return err
			}
			logger := log.With().Str("component", "playback").Logger()
			p, err := a.newPlayer(conv, logger)
			if err != nil {
				return err
			}
			defer p.Close()

			s, err := a.attachSinks(p.Bus(), logger)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			webLogger := log.With().Str("component", "webplayer").Logger()
			opts := webplayer.Options{Logger: &webLogger, EventLog: s.store}
			if a.cfg.IdleShutdown > 0 {
				opts.IdleTimeout = a.cfg.IdleShutdown
				opts.OnIdle = func() {
					log.Info().Dur("idle", a.cfg.IdleShutdown).Msg("no viewers left, shutting down")
					cancel()
				}
			}
			web := webplayer.NewServer(p, opts)
			defer web.Close()

			mux := http.NewServeMux()
			web.Mount(mux, a.cfg.ServePrefix)
			httpSrv := web.BuildHTTPServer(a.cfg.ServeAddr)
			httpSrv.Handler = mux

			if autoplay {
				p.Play()
			}
			return runHTTP(ctx, httpSrv)
		},
	}
	cmd.Flags().BoolVar(&autoplay, "autoplay", false, "Start playback as soon as the server is up")
	cmd.Flags().String("addr", ":8089", "Listen address")
	cmd.Flags().String("prefix", "/", "Mount prefix for the API and websocket")
	cmd.Flags().Duration("idle-shutdown", 0, "Exit once no viewer has been connected for this long (0 disables)")
	_ = a.v.BindPFlag("serve.addr", cmd.Flags().Lookup("addr"))
	_ = a.v.BindPFlag("serve.prefix", cmd.Flags().Lookup("prefix"))
	_ = a.v.BindPFlag("serve.idle-shutdown", cmd.Flags().Lookup("idle-shutdown"))
	return cmd
}

// runHTTP serves until ctx is cancelled, then shuts the server down gracefully.
func runHTTP(ctx context.Context, srv *http.Server) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		return nil
	})
	eg.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("starting chatreplay server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})
	return eg.Wait()
}
