// Package timing turns a message and its predecessor into a plan of human-like
// delays. Nothing in here keeps state between calls.
package timing

import (
	"math"
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatreplay/pkg/conversation"
)

const (
	// MinNonTextTyping is the floor of the typing phase for anything but text.
	MinNonTextTyping = 1500 * time.Millisecond
	// FastModeFactor divides human latency on top of the playback speed when fast mode is on.
	FastModeFactor = 4.0

	MinSpeed = 0.1
	MaxSpeed = 5.0
)

// Fallback "text lengths" for messages whose content is not typed out.
var fallbackLength = map[conversation.MessageType]int{
	conversation.TypeImage:       20,
	conversation.TypeVideo:       25,
	conversation.TypeAudio:       30,
	conversation.TypeDocument:    15,
	conversation.TypeSticker:     5,
	conversation.TypeLocation:    10,
	conversation.TypeContact:     10,
	conversation.TypeInteractive: 25,
	conversation.TypeTemplate:    40,
	conversation.TypeFlow:        30,
}

// Plan is the set of delays for one message. All durations are non-negative.
type Plan struct {
	DelayBeforeTyping time.Duration `json:"delayBeforeTyping"`
	TypingDuration    time.Duration `json:"typingDuration"`
	DeliveryDelay     time.Duration `json:"deliveryDelay"`
	ReadDelay         time.Duration `json:"readDelay"`
	TotalDuration     time.Duration `json:"totalDuration"`
}

func (p Plan) withTotal() Plan {
	p.TotalDuration = p.DelayBeforeTyping + p.TypingDuration + p.DeliveryDelay + p.ReadDelay
	return p
}

type Config struct {
	// BaseTypingSpeed is in characters per second.
	BaseTypingSpeed   float64
	TypeMultipliers   map[conversation.MessageType]float64
	SenderMultipliers map[conversation.Sender]float64
	MinDelay          time.Duration
	MaxDelay          time.Duration
	// Variation is the +/- fraction applied to delay and typing time.
	Variation     float64
	DeliveryDelay time.Duration
	ReadDelay     time.Duration

	// ReadingSpeed (chars/sec) is how fast a party reads the other side's last message.
	ReadingSpeed        float64
	SenderSwitchDelay   time.Duration
	NonTextFollowUp     time.Duration
	QuestionDelayFactor float64
}

func DefaultConfig() Config {
	return Config{
		BaseTypingSpeed: 6,
		TypeMultipliers: map[conversation.MessageType]float64{
			conversation.TypeText:        1.0,
			conversation.TypeImage:       0.6,
			conversation.TypeAudio:       1.5,
			conversation.TypeVideo:       0.8,
			conversation.TypeDocument:    0.5,
			conversation.TypeSticker:     0.3,
			conversation.TypeLocation:    0.4,
			conversation.TypeContact:     0.4,
			conversation.TypeInteractive: 0.9,
			conversation.TypeTemplate:    0.8,
			conversation.TypeFlow:        1.0,
		},
		SenderMultipliers: map[conversation.Sender]float64{
			conversation.SenderCustomer: 1.2,
			conversation.SenderBusiness: 0.8,
		},
		MinDelay:            300 * time.Millisecond,
		MaxDelay:            3 * time.Second,
		Variation:           0.15,
		DeliveryDelay:       200 * time.Millisecond,
		ReadDelay:           800 * time.Millisecond,
		ReadingSpeed:        30,
		SenderSwitchDelay:   800 * time.Millisecond,
		NonTextFollowUp:     500 * time.Millisecond,
		QuestionDelayFactor: 0.7,
	}
}

func (c Config) Validate() error {
	if c.BaseTypingSpeed <= 0 || math.IsNaN(c.BaseTypingSpeed) || math.IsInf(c.BaseTypingSpeed, 0) {
		return errors.Errorf("base typing speed must be positive, got %v", c.BaseTypingSpeed)
	}
	if c.MinDelay < 0 || c.MaxDelay < 0 {
		return errors.New("delays must be non-negative")
	}
	if c.MinDelay > c.MaxDelay {
		return errors.Errorf("min delay %s exceeds max delay %s", c.MinDelay, c.MaxDelay)
	}
	if c.Variation < 0 || c.Variation >= 1 {
		return errors.Errorf("variation must be in [0,1), got %v", c.Variation)
	}
	if c.DeliveryDelay < 0 || c.ReadDelay < 0 {
		return errors.New("delivery and read delays must be non-negative")
	}
	if c.QuestionDelayFactor < 0 {
		return errors.New("question delay factor must be non-negative")
	}
	return nil
}

type Calculator struct {
	cfg  Config
	rand func() float64
}

type Option func(*Calculator)

// WithRand replaces the source of the variation term; fn must return values in [0,1).
func WithRand(fn func() float64) Option {
	return func(c *Calculator) {
		if fn != nil {
			c.rand = fn
		}
	}
}

func NewCalculator(cfg Config, opts ...Option) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid timing config")
	}
	c := &Calculator{cfg: cfg, rand: rand.Float64}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Calculator) Config() Config { return c.cfg }

// Calculate returns the unscaled plan for msg. prev is nil for the first message.
func (c *Calculator) Calculate(msg conversation.Message, prev *conversation.Message) (Plan, error) {
	return c.plan(msg, prev, c.variation)
}

// Estimate is Calculate without the random variation term.
func (c *Calculator) Estimate(msg conversation.Message, prev *conversation.Message) Plan {
	p, _ := c.plan(msg, prev, func() float64 { return 1 })
	return p
}

// EstimateRemaining sums the variation-free, speed-scaled duration of messages[from:].
func (c *Calculator) EstimateRemaining(messages []conversation.Message, from int, speed float64, fastMode bool) time.Duration {
	if from < 0 {
		from = 0
	}
	var total time.Duration
	for i := from; i < len(messages); i++ {
		var prev *conversation.Message
		if i > 0 {
			prev = &messages[i-1]
		}
		total += Scale(c.Estimate(messages[i], prev), speed, fastMode).TotalDuration
	}
	return total
}

func (c *Calculator) plan(msg conversation.Message, prev *conversation.Message, vary func() float64) (Plan, error) {
	if !msg.Type.Valid() {
		return Plan{}, errors.Errorf("message %s: unknown type %q", msg.ID, msg.Type)
	}
	p := Plan{
		DelayBeforeTyping: c.delayBeforeTyping(msg, prev, vary()),
		TypingDuration:    c.typingDuration(msg, vary()),
		DeliveryDelay:     c.cfg.DeliveryDelay,
		ReadDelay:         c.cfg.ReadDelay,
	}
	if o := msg.Timing; o != nil {
		if o.DelayBeforeTyping != nil {
			p.DelayBeforeTyping = *o.DelayBeforeTyping
		}
		if o.TypingDuration != nil {
			p.TypingDuration = *o.TypingDuration
		}
	}
	return p.withTotal(), nil
}

func (c *Calculator) typingDuration(msg conversation.Message, factor float64) time.Duration {
	seconds := float64(EffectiveLength(msg)) / c.cfg.BaseTypingSpeed
	seconds *= multiplier(c.cfg.TypeMultipliers, msg.Type)
	seconds *= multiplier(c.cfg.SenderMultipliers, msg.Sender)
	seconds *= factor
	d := time.Duration(seconds * float64(time.Second))
	if msg.Type != conversation.TypeText && d < MinNonTextTyping {
		d = MinNonTextTyping
	}
	if d < 0 {
		d = 0
	}
	return d
}

func (c *Calculator) delayBeforeTyping(msg conversation.Message, prev *conversation.Message, factor float64) time.Duration {
	d := c.cfg.MinDelay
	if prev != nil {
		if prev.Sender != msg.Sender {
			d += c.cfg.SenderSwitchDelay
			if c.cfg.ReadingSpeed > 0 {
				d += time.Duration(float64(EffectiveLength(*prev)) / c.cfg.ReadingSpeed * float64(time.Second))
			}
		}
		if prev.Type != conversation.TypeText {
			d += c.cfg.NonTextFollowUp
		} else if strings.HasSuffix(strings.TrimSpace(prev.Content), "?") {
			d = time.Duration(float64(d) * c.cfg.QuestionDelayFactor)
		}
	}
	d = time.Duration(float64(d) * factor)
	return clamp(d, c.cfg.MinDelay, c.cfg.MaxDelay)
}

func (c *Calculator) variation() float64 {
	if c.cfg.Variation == 0 {
		return 1
	}
	return 1 + c.cfg.Variation*(2*c.rand()-1)
}

// EffectiveLength is the number of characters a sender is assumed to type for m.
func EffectiveLength(m conversation.Message) int {
	if m.Type == conversation.TypeText {
		return utf8.RuneCountInString(strings.TrimSpace(m.Content))
	}
	if n, ok := fallbackLength[m.Type]; ok {
		return n
	}
	return 20
}

// Scale adjusts the human-latency part of a plan to the playback speed. Delivery
// and read delays are system confirmations and keep their duration.
func Scale(p Plan, speed float64, fastMode bool) Plan {
	if speed <= 0 || math.IsNaN(speed) || math.IsInf(speed, 0) {
		speed = 1
	}
	factor := speed
	if fastMode {
		factor *= FastModeFactor
	}
	p.DelayBeforeTyping = time.Duration(float64(p.DelayBeforeTyping) / factor)
	p.TypingDuration = time.Duration(float64(p.TypingDuration) / factor)
	return p.withTotal()
}

// ValidSpeed reports whether speed is an accepted playback speed.
func ValidSpeed(speed float64) bool {
	return speed >= MinSpeed && speed <= MaxSpeed
}

func multiplier[K comparable](m map[K]float64, k K) float64 {
	if v, ok := m[k]; ok && v > 0 {
		return v
	}
	return 1
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if hi > 0 && d > hi {
		return hi
	}
	return d
}
