package timing

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatreplay/pkg/conversation"
)

func fixedConfig() Config {
	cfg := DefaultConfig()
	cfg.Variation = 0
	return cfg
}

func newFixedCalculator(t *testing.T) *Calculator {
	t.Helper()
	c, err := NewCalculator(fixedConfig())
	require.NoError(t, err)
	return c
}

func text(id string, sender conversation.Sender, content string) conversation.Message {
	return conversation.Message{ID: id, Sender: sender, Type: conversation.TypeText, Content: content}
}

func requireNear(t *testing.T, want, got time.Duration) {
	t.Helper()
	require.InDelta(t, float64(want), float64(got), float64(time.Millisecond), "want %s got %s", want, got)
}

func TestCalculate_TextTypingDuration(t *testing.T) {
	c := newFixedCalculator(t)

	p, err := c.Calculate(text("m1", conversation.SenderCustomer, "hello"), nil)
	require.NoError(t, err)
	// 5 chars / 6 cps * 1.0 (text) * 1.2 (customer)
	requireNear(t, time.Second, p.TypingDuration)
	require.Equal(t, 300*time.Millisecond, p.DelayBeforeTyping)
	require.Equal(t, 200*time.Millisecond, p.DeliveryDelay)
	require.Equal(t, 800*time.Millisecond, p.ReadDelay)
	require.Equal(t, p.DelayBeforeTyping+p.TypingDuration+p.DeliveryDelay+p.ReadDelay, p.TotalDuration)
}

func TestCalculate_NonTextFloor(t *testing.T) {
	c := newFixedCalculator(t)
	for _, typ := range conversation.MessageTypes {
		if typ == conversation.TypeText {
			continue
		}
		p, err := c.Calculate(conversation.Message{ID: "m", Sender: conversation.SenderBusiness, Type: typ}, nil)
		require.NoError(t, err)
		require.GreaterOrEqual(t, p.TypingDuration, MinNonTextTyping, "type %s", typ)
	}
}

func TestCalculate_DelayBeforeTyping(t *testing.T) {
	c := newFixedCalculator(t)
	cur := text("m2", conversation.SenderBusiness, "sure")

	sameSender := text("m1", conversation.SenderBusiness, "one moment")
	p, _ := c.Calculate(cur, &sameSender)
	require.Equal(t, 300*time.Millisecond, p.DelayBeforeTyping)

	statement := text("m1", conversation.SenderCustomer, "really!")
	question := text("m1", conversation.SenderCustomer, "really?")
	ps, _ := c.Calculate(cur, &statement)
	pq, _ := c.Calculate(cur, &question)
	// 300ms base + 800ms switch + 7 chars read at 30 cps
	requireNear(t, 1333*time.Millisecond, ps.DelayBeforeTyping)
	require.InDelta(t, 0.7, float64(pq.DelayBeforeTyping)/float64(ps.DelayBeforeTyping), 0.01)

	image := conversation.Message{ID: "m1", Sender: conversation.SenderBusiness, Type: conversation.TypeImage}
	pi, _ := c.Calculate(cur, &image)
	require.Equal(t, 800*time.Millisecond, pi.DelayBeforeTyping)
}

func TestCalculate_DelayIsClamped(t *testing.T) {
	c := newFixedCalculator(t)
	long := text("m1", conversation.SenderCustomer, strings.Repeat("x", 3000))
	p, _ := c.Calculate(text("m2", conversation.SenderBusiness, "ok"), &long)
	require.Equal(t, 3*time.Second, p.DelayBeforeTyping)
}

func TestCalculate_Overrides(t *testing.T) {
	c := newFixedCalculator(t)
	delay, typing := 50*time.Millisecond, time.Second
	m := text("m1", conversation.SenderCustomer, "a rather long message that would take a while")
	m.Timing = &conversation.TimingOverride{DelayBeforeTyping: &delay, TypingDuration: &typing}

	p, err := c.Calculate(m, nil)
	require.NoError(t, err)
	require.Equal(t, delay, p.DelayBeforeTyping)
	require.Equal(t, typing, p.TypingDuration)
}

func TestCalculate_VariationBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Variation = 0.2
	m := text("m1", conversation.SenderCustomer, "hello")

	low, err := NewCalculator(cfg, WithRand(func() float64 { return 0 }))
	require.NoError(t, err)
	high, err := NewCalculator(cfg, WithRand(func() float64 { return 0.999999 }))
	require.NoError(t, err)

	pl, _ := low.Calculate(m, nil)
	ph, _ := high.Calculate(m, nil)
	requireNear(t, 800*time.Millisecond, pl.TypingDuration)
	requireNear(t, 1200*time.Millisecond, ph.TypingDuration)
	// the delay never leaves the clamp window
	require.Equal(t, cfg.MinDelay, pl.DelayBeforeTyping)
}

func TestCalculate_StructureIsStableUnderVariation(t *testing.T) {
	c, err := NewCalculator(DefaultConfig())
	require.NoError(t, err)
	prev := text("m1", conversation.SenderCustomer, "where is my parcel?")
	m := text("m2", conversation.SenderBusiness, "It left the warehouse this morning.")
	for i := 0; i < 50; i++ {
		p, err := c.Calculate(m, &prev)
		require.NoError(t, err)
		require.GreaterOrEqual(t, p.DelayBeforeTyping, c.Config().MinDelay)
		require.LessOrEqual(t, p.DelayBeforeTyping, c.Config().MaxDelay)
		require.Positive(t, p.TypingDuration)
		require.Equal(t, p.DelayBeforeTyping+p.TypingDuration+p.DeliveryDelay+p.ReadDelay, p.TotalDuration)
	}
}

func TestCalculate_UnknownType(t *testing.T) {
	c := newFixedCalculator(t)
	_, err := c.Calculate(conversation.Message{ID: "m1", Sender: conversation.SenderCustomer, Type: "hologram"}, nil)
	require.Error(t, err)
}

func TestScale_OnlyHumanLatency(t *testing.T) {
	p := Plan{
		DelayBeforeTyping: 400 * time.Millisecond,
		TypingDuration:    time.Second,
		DeliveryDelay:     200 * time.Millisecond,
		ReadDelay:         800 * time.Millisecond,
	}.withTotal()

	s := Scale(p, 2.0, false)
	require.Equal(t, 200*time.Millisecond, s.DelayBeforeTyping)
	require.Equal(t, 500*time.Millisecond, s.TypingDuration)
	require.Equal(t, 200*time.Millisecond, s.DeliveryDelay)
	require.Equal(t, 800*time.Millisecond, s.ReadDelay)
	require.Equal(t, 1700*time.Millisecond, s.TotalDuration)

	fast := Scale(p, 1.0, true)
	require.Equal(t, 250*time.Millisecond, fast.TypingDuration)

	require.Equal(t, p, Scale(p, 0, false))
}

func TestEstimateRemaining(t *testing.T) {
	c := newFixedCalculator(t)
	msgs := []conversation.Message{
		text("m1", conversation.SenderCustomer, "hello"),
		text("m2", conversation.SenderBusiness, "hi there"),
	}
	all := c.EstimateRemaining(msgs, 0, 1, false)
	tail := c.EstimateRemaining(msgs, 1, 1, false)
	require.Greater(t, all, tail)
	require.Equal(t, time.Duration(0), c.EstimateRemaining(msgs, 2, 1, false))

	slow := c.EstimateRemaining(msgs, 0, 0.5, false)
	require.Greater(t, slow, all)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseTypingSpeed = 0
	_, err := NewCalculator(cfg)
	require.ErrorContains(t, err, "base typing speed")

	cfg = DefaultConfig()
	cfg.MinDelay = 5 * time.Second
	_, err = NewCalculator(cfg)
	require.ErrorContains(t, err, "exceeds max delay")

	cfg = DefaultConfig()
	cfg.Variation = 1
	_, err = NewCalculator(cfg)
	require.Error(t, err)
}

func TestValidSpeed(t *testing.T) {
	require.True(t, ValidSpeed(0.1))
	require.True(t, ValidSpeed(5.0))
	require.False(t, ValidSpeed(0.09))
	require.False(t, ValidSpeed(5.01))
}
