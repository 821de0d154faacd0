// Package cmds holds the cobra commands of the chatreplay CLI.
package cmds

import (
	"bytes"
	"context"
	_ "embed"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/chatreplay/pkg/config"
	"github.com/go-go-golems/chatreplay/pkg/conversation"
	"github.com/go-go-golems/chatreplay/pkg/events"
	"github.com/go-go-golems/chatreplay/pkg/eventstream"
	"github.com/go-go-golems/chatreplay/pkg/logging"
	"github.com/go-go-golems/chatreplay/pkg/persistence/eventlog"
	"github.com/go-go-golems/chatreplay/pkg/playback"
	"github.com/go-go-golems/chatreplay/pkg/redisstream"
	"github.com/go-go-golems/chatreplay/pkg/timing"
)

//go:embed demo.yaml
var demoScenario []byte

// app is the state shared by all subcommands once flags are parsed.
type app struct {
	configFile string
	v          *viper.Viper
	cfg        *config.Config
	// cmd is the command being executed, used to tell explicit flags from defaults.
	cmd *cobra.Command
}

func NewRootCommand() (*cobra.Command, error) {
	a := &app{}
	v, err := config.NewViper("")
	if err != nil {
		return nil, err
	}
	a.v = v

	rootCmd := &cobra.Command{
		Use:           "chatreplay",
		Short:         "Replay chat conversations with human-like timing",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.configFile != "" {
				a.v.SetConfigFile(a.configFile)
				a.v.SetConfigType("yaml")
				if err := a.v.ReadInConfig(); err != nil {
					return errors.Wrapf(err, "read config %s", a.configFile)
				}
			}
			cfg, err := config.Load(a.v)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.cmd = cmd
			if err := logging.Init(cfg.LogLevel, cfg.LogFormat, os.Stderr); err != nil {
				return err
			}
			log.Debug().Str("config", a.v.ConfigFileUsed()).Msg("configuration loaded")
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&a.configFile, "config", "", "YAML config file")
	if err := config.AddFlags(rootCmd, a.v); err != nil {
		return nil, err
	}

	planCmd, err := NewPlanCommand(a)
	if err != nil {
		return nil, err
	}
	cobraPlanCmd, err := cli.BuildCobraCommand(planCmd, cli.WithCobraMiddlewaresFunc(glazedMiddlewares))
	if err != nil {
		return nil, err
	}
	historyCmd, err := newHistoryCommand(a)
	if err != nil {
		return nil, err
	}

	rootCmd.AddCommand(
		newPlayCommand(a),
		newServeCommand(a),
		cobraPlanCmd,
		newTailCommand(a),
		historyCmd,
	)
	return rootCmd, nil
}

// glazedMiddlewares resolves the fields of the structured-output commands.
func glazedMiddlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv(config.EnvPrefix,
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// loadConversation reads path, or the embedded demo when path is empty. A speed
// given explicitly on the command line, in the environment or in the config
// file replaces the scenario's own speed.
func (a *app) loadConversation(path string) (*conversation.Conversation, error) {
	var (
		conv *conversation.Conversation
		err  error
	)
	if path == "" {
		conv, err = conversation.LoadScenario(bytes.NewReader(demoScenario))
	} else {
		conv, err = conversation.LoadScenarioFile(path)
	}
	if err != nil {
		return nil, err
	}
	if a.explicit("speed") || conv.Settings.PlaybackSpeed == 0 {
		conv.Settings.PlaybackSpeed = a.cfg.Speed
	}
	if a.cfg.FastMode {
		conv.Settings.FastMode = true
	}
	return conv, nil
}

// explicit reports whether key was set by flag, environment or config file
// rather than taken from the defaults.
func (a *app) explicit(key string) bool {
	if a.cmd != nil {
		if f := a.cmd.Flag(key); f != nil && f.Changed {
			return true
		}
	}
	if _, ok := os.LookupEnv(config.EnvPrefix + "_" + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key))); ok {
		return true
	}
	return a.v.InConfig(key)
}

func (a *app) calculator() (*timing.Calculator, error) {
	return timing.NewCalculator(a.cfg.Timing)
}

// newPlayer builds a player for conv using the configured timing and bus.
func (a *app) newPlayer(conv *conversation.Conversation, logger zerolog.Logger) (*playback.Player, error) {
	calc, err := a.calculator()
	if err != nil {
		return nil, errors.Wrap(err, "timing")
	}
	bus := events.NewBus(events.WithCapacity(a.cfg.HistoryCapacity), events.WithLogger(logger))
	p, err := playback.New(playback.Options{
		Calculator:        calc,
		Bus:               bus,
		Logger:            &logger,
		MaxTypingDuration: a.cfg.MaxTypingDuration,
		Receipts:          a.cfg.Receipts,
		DebugEvents:       a.cfg.DebugEvents,
	})
	if err != nil {
		return nil, err
	}
	if err := p.Load(conv); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// sinks wires the optional event log and broker forwarding to a bus.
type sinks struct {
	store     eventlog.Store
	recorder  *eventlog.Recorder
	transport *redisstream.Transport
	forwarder *eventstream.Forwarder
}

func (a *app) attachSinks(bus *events.Bus, logger zerolog.Logger) (*sinks, error) {
	s := &sinks{}
	if a.cfg.EventLogDB != "" {
		store, err := openEventLog(a.cfg.EventLogDB)
		if err != nil {
			return nil, err
		}
		s.store = store
		s.recorder = eventlog.NewRecorder(bus, store, &logger)
	}
	if a.cfg.Redis.Enabled {
		t, err := redisstream.Build(a.cfg.Redis, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.transport = t
		s.forwarder = eventstream.Attach(bus, t.Publisher, eventstream.ForwarderOptions{Logger: &logger})
	}
	return s, nil
}

// Close flushes the recorder and forwarder before closing what they write to.
func (s *sinks) Close() {
	if s.recorder != nil {
		s.recorder.Close()
		if n := s.recorder.Dropped(); n > 0 {
			log.Warn().Int("dropped", n).Msg("event log dropped events")
		}
	}
	if s.forwarder != nil {
		s.forwarder.Close()
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			log.Warn().Err(err).Msg("transport close")
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Warn().Err(err).Msg("event log close")
		}
	}
}

func openEventLog(path string) (eventlog.Store, error) {
	dsn, err := eventlog.SQLiteDSNForFile(path)
	if err != nil {
		return nil, err
	}
	return eventlog.NewSQLiteStore(dsn)
}
