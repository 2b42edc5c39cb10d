package strategy

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"options-backtester/internal/models"
)

// ScriptEntry is one recorded decision.
type ScriptEntry struct {
	// At is the chain timestamp the signal answers. A value at midnight
	// matches the first chain on that calendar date.
	At     time.Time           `yaml:"at"`
	Signal models.OptionSignal `yaml:"signal"`
}

// Script is the YAML document a Scripted strategy replays.
type Script struct {
	Name    string        `yaml:"name"`
	Signals []ScriptEntry `yaml:"signals"`
}

// Scripted replays a recorded sequence of signals, each at most once.
type Scripted struct {
	Base
	script Script
	used   []bool

	lastData models.MarketData
}

// NewScripted creates a strategy from an in-memory script.
func NewScripted(s Script) *Scripted {
	name := s.Name
	if name == "" {
		name = "scripted"
	}
	return &Scripted{
		Base:   NewBase(name),
		script: s,
		used:   make([]bool, len(s.Signals)),
	}
}

// ParseScript decodes a YAML script.
func ParseScript(r io.Reader) (Script, error) {
	var s Script
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return Script{}, fmt.Errorf("decoding signal script: %w", err)
	}
	for i := range s.Signals {
		if err := s.Signals[i].Signal.Validate(); err != nil {
			return Script{}, fmt.Errorf("signal %d at %s: %w", i, s.Signals[i].At.Format(time.RFC3339), err)
		}
	}
	return s, nil
}

// LoadScript reads a YAML script from path.
func LoadScript(path string) (*Scripted, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening signal script: %w", err)
	}
	defer f.Close()

	s, err := ParseScript(f)
	if err != nil {
		return nil, err
	}
	return NewScripted(s), nil
}

func (s *Scripted) OnMarketData(ctx context.Context, data models.MarketData) error {
	s.lastData = data
	return nil
}

func (s *Scripted) OnOptionChain(ctx context.Context, chain *models.OptionChain) (*models.OptionSignal, error) {
	for i, e := range s.script.Signals {
		if s.used[i] || !matches(e.At, chain.Timestamp) {
			continue
		}
		s.used[i] = true
		sig := e.Signal
		sig.Legs = append([]models.OptionLeg(nil), e.Signal.Legs...)
		if sig.Underlying == "" {
			sig.Underlying = chain.Underlying
		}
		if sig.StrategyName == "" {
			sig.StrategyName = s.Name()
		}
		return &sig, nil
	}
	return nil, nil
}

// Remaining counts signals not yet emitted.
func (s *Scripted) Remaining() int {
	n := 0
	for _, u := range s.used {
		if !u {
			n++
		}
	}
	return n
}

func matches(at, ts time.Time) bool {
	if at.Equal(ts) {
		return true
	}
	h, m, sec := at.Clock()
	return h == 0 && m == 0 && sec == 0 && at.Nanosecond() == 0 && models.SameDate(at, ts.In(at.Location()))
}
