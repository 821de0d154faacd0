package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatreplay/pkg/events"
	"github.com/go-go-golems/chatreplay/pkg/persistence/eventlog"
)

func newHistoryCommand(a *app) (*cobra.Command, error) {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded runs in the event log",
	}

	runsCmd, err := NewHistoryRunsCommand(a)
	if err != nil {
		return nil, err
	}
	eventsCmd, err := NewHistoryEventsCommand(a)
	if err != nil {
		return nil, err
	}
	for _, c := range []cmds.GlazeCommand{runsCmd, eventsCmd} {
		cobraCmd, err := cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(glazedMiddlewares))
		if err != nil {
			return nil, err
		}
		historyCmd.AddCommand(cobraCmd)
	}
	return historyCmd, nil
}

// withEventLog opens the configured event log for the duration of fn.
func (a *app) withEventLog(fn func(eventlog.Store) error) error {
	if a.cfg.EventLogDB == "" {
		return errors.New("no event log configured: set --eventlog-db or CHATREPLAY_EVENTLOG_DB")
	}
	store, err := openEventLog(a.cfg.EventLogDB)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return fn(store)
}

type HistoryRunsSettings struct {
	Conversation string `glazed:"conversation"`
	Limit        int    `glazed:"limit"`
}

type HistoryRunsCommand struct {
	*cmds.CommandDescription
	app *app
}

func NewHistoryRunsCommand(a *app) (*HistoryRunsCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, errors.Wrap(err, "glazed section")
	}
	return &HistoryRunsCommand{
		app: a,
		CommandDescription: cmds.NewCommandDescription(
			"runs",
			cmds.WithShort("List recorded runs, newest first"),
			cmds.WithFlags(
				fields.New(
					"conversation",
					fields.TypeString,
					fields.WithDefault(""),
					fields.WithHelp("Only list runs of this conversation"),
				),
				fields.New(
					"limit",
					fields.TypeInteger,
					fields.WithDefault(50),
					fields.WithHelp("Maximum number of runs"),
				),
			),
			cmds.WithSections(glazedSection),
		),
	}, nil
}

func (c *HistoryRunsCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	s := &HistoryRunsSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	return c.app.withEventLog(func(store eventlog.Store) error {
		return listRuns(ctx, store, s, gp)
	})
}

func listRuns(ctx context.Context, store eventlog.Store, s *HistoryRunsSettings, gp middlewares.Processor) error {
	runs, err := store.ListRuns(ctx, s.Conversation, s.Limit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		row := types.NewRow(
			types.MRP("run_id", r.RunID),
			types.MRP("conversation_id", r.ConversationID),
			types.MRP("status", r.Status),
			types.MRP("event_count", r.EventCount),
			types.MRP("started_at_ms", r.StartedAtMs),
			types.MRP("last_event_at_ms", r.LastEventAtMs),
			types.MRP("last_error", r.LastError),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

type HistoryEventsSettings struct {
	RunID    string `glazed:"run-id"`
	Type     string `glazed:"type"`
	SinceSeq int    `glazed:"since-seq"`
	Limit    int    `glazed:"limit"`
}

type HistoryEventsCommand struct {
	*cmds.CommandDescription
	app *app
}

func NewHistoryEventsCommand(a *app) (*HistoryEventsCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, errors.Wrap(err, "glazed section")
	}
	return &HistoryEventsCommand{
		app: a,
		CommandDescription: cmds.NewCommandDescription(
			"events",
			cmds.WithShort("Print the recorded events of one run"),
			cmds.WithFlags(
				fields.New(
					"type",
					fields.TypeString,
					fields.WithDefault(""),
					fields.WithHelp("Only print events of this type"),
				),
				fields.New(
					"since-seq",
					fields.TypeInteger,
					fields.WithDefault(0),
					fields.WithHelp("Only print events after this sequence number"),
				),
				fields.New(
					"limit",
					fields.TypeInteger,
					fields.WithDefault(50),
					fields.WithHelp("Maximum number of events"),
				),
			),
			cmds.WithArguments(
				fields.New(
					"run-id",
					fields.TypeString,
					fields.WithRequired(true),
					fields.WithHelp("Run to print"),
				),
			),
			cmds.WithSections(glazedSection),
		),
	}, nil
}

func (c *HistoryEventsCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	s := &HistoryEventsSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	return c.app.withEventLog(func(store eventlog.Store) error {
		return listRunEvents(ctx, store, s, gp)
	})
}

func listRunEvents(ctx context.Context, store eventlog.Store, s *HistoryEventsSettings, gp middlewares.Processor) error {
	if s.SinceSeq < 0 {
		return errors.Errorf("since-seq must be >= 0, got %d", s.SinceSeq)
	}
	if _, ok, err := store.GetRun(ctx, s.RunID); err != nil {
		return err
	} else if !ok {
		return errors.Errorf("run %s not found", s.RunID)
	}
	recs, err := store.Events(ctx, eventlog.Query{
		RunID:    s.RunID,
		Type:     events.EventType(s.Type),
		SinceSeq: uint64(s.SinceSeq),
		Limit:    s.Limit,
	})
	if err != nil {
		return err
	}
	for _, rec := range recs {
		e, err := rec.Event()
		if err != nil {
			return err
		}
		row := types.NewRow(
			types.MRP("seq", rec.Seq),
			types.MRP("type", string(rec.Type)),
			types.MRP("timestamp", rec.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00")),
			types.MRP("conversation_id", rec.ConversationID),
			types.MRP("summary", describePayload(e)),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ cmds.GlazeCommand = &HistoryRunsCommand{}
	_ cmds.GlazeCommand = &HistoryEventsCommand{}
)
