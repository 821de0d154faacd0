package cmds

import (
	"context"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatreplay/pkg/conversation"
	"github.com/go-go-golems/chatreplay/pkg/timing"
)

// planRow is one message of a timing plan, durations in milliseconds.
type planRow struct {
	Index             int
	ID                string
	Sender            string
	Type              string
	Length            int
	StartsAtMs        int64
	DelayBeforeTyping int64
	TypingDuration    int64
	SentAtMs          int64
}

func (r planRow) row() types.Row {
	return types.NewRow(
		types.MRP("index", r.Index),
		types.MRP("id", r.ID),
		types.MRP("sender", r.Sender),
		types.MRP("type", r.Type),
		types.MRP("length", r.Length),
		types.MRP("starts_at_ms", r.StartsAtMs),
		types.MRP("delay_before_typing_ms", r.DelayBeforeTyping),
		types.MRP("typing_duration_ms", r.TypingDuration),
		types.MRP("sent_at_ms", r.SentAtMs),
	)
}

type PlanSettings struct {
	Scenario string `glazed:"scenario"`
	Random   bool   `glazed:"random"`
}

type PlanCommand struct {
	*cmds.CommandDescription
	app *app
}

func NewPlanCommand(a *app) (*PlanCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, errors.Wrap(err, "glazed section")
	}
	return &PlanCommand{
		app: a,
		CommandDescription: cmds.NewCommandDescription(
			"plan",
			cmds.WithShort("Print the timing plan of a scenario at the configured speed"),
			cmds.WithLong("Lay out every message of a scenario (the built-in demo when none is given) on the timeline the player follows without pauses."),
			cmds.WithFlags(
				fields.New(
					"random",
					fields.TypeBool,
					fields.WithDefault(false),
					fields.WithHelp("Apply the random variation instead of printing the estimate"),
				),
			),
			cmds.WithArguments(
				fields.New(
					"scenario",
					fields.TypeString,
					fields.WithDefault(""),
					fields.WithHelp("Scenario YAML file"),
				),
			),
			cmds.WithSections(glazedSection),
		),
	}, nil
}

func (c *PlanCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	s := &PlanSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	return c.run(ctx, s, gp)
}

func (c *PlanCommand) run(ctx context.Context, s *PlanSettings, gp middlewares.Processor) error {
	conv, err := c.app.loadConversation(s.Scenario)
	if err != nil {
		return err
	}
	calc, err := c.app.calculator()
	if err != nil {
		return err
	}
	rows, err := buildPlan(calc, conv, s.Random)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := gp.AddRow(ctx, r.row()); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &PlanCommand{}

// buildPlan lays the messages out on the timeline the player would follow
// without pauses. Receipts run in parallel and do not shift later messages.
func buildPlan(calc *timing.Calculator, conv *conversation.Conversation, random bool) ([]planRow, error) {
	speed, fast := conv.Settings.PlaybackSpeed, conv.Settings.FastMode
	rows := make([]planRow, 0, conv.Len())
	var at time.Duration
	for i, msg := range conv.Messages {
		var prev *conversation.Message
		if i > 0 {
			prev = &conv.Messages[i-1]
		}
		var p timing.Plan
		if random {
			var err error
			if p, err = calc.Calculate(msg, prev); err != nil {
				return nil, errors.Wrapf(err, "message %s", msg.ID)
			}
		} else {
			p = calc.Estimate(msg, prev)
		}
		p = timing.Scale(p, speed, fast)
		start := at
		at += p.DelayBeforeTyping + p.TypingDuration
		rows = append(rows, planRow{
			Index:             i,
			ID:                msg.ID,
			Sender:            string(msg.Sender),
			Type:              string(msg.Type),
			Length:            timing.EffectiveLength(msg),
			StartsAtMs:        start.Milliseconds(),
			DelayBeforeTyping: p.DelayBeforeTyping.Milliseconds(),
			TypingDuration:    p.TypingDuration.Milliseconds(),
			SentAtMs:          at.Milliseconds(),
		})
	}
	return rows, nil
}
