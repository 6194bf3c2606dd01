package generator

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
)

// RandomConfig configures random value generation.
type RandomConfig struct {
	// Type is the value type: "int", "float", "string", "uuid", "bool".
	Type string `yaml:"type" json:"type"`

	// Min is the minimum value (for int/float).
	Min float64 `yaml:"min,omitempty" json:"min,omitempty"`

	// Max is the maximum value (for int/float).
	// Default: Min + 100
	Max float64 `yaml:"max,omitempty" json:"max,omitempty"`

	// Length is the string length.
	// Default: 8
	Length int `yaml:"length,omitempty" json:"length,omitempty"`
}

// RandomGenerator generates random primitive values.
type RandomGenerator struct {
	mu     sync.Mutex
	faker  *gofakeit.Faker
	config RandomConfig
}

// NewRandomGenerator creates a new random generator.
func NewRandomGenerator(cfg *RandomConfig) (*RandomGenerator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: random config is nil", ErrInvalidConfig)
	}
	c := *cfg
	switch c.Type {
	case "int", "float", "string", "uuid", "bool":
	default:
		return nil, fmt.Errorf("%w: unknown random type: %q", ErrInvalidConfig, c.Type)
	}
	if c.Length <= 0 {
		c.Length = 8
	}
	if c.Max <= c.Min {
		c.Max = c.Min + 100
	}
	return &RandomGenerator{faker: gofakeit.New(0), config: c}, nil
}

// Generate produces a new random value.
func (r *RandomGenerator) Generate() (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.config.Type {
	case "int":
		return r.faker.IntRange(int(r.config.Min), int(r.config.Max)), nil
	case "float":
		return r.faker.Float64Range(r.config.Min, r.config.Max), nil
	case "string":
		return r.faker.LetterN(uint(r.config.Length)), nil
	case "uuid":
		return uuid.NewString(), nil
	default:
		return r.faker.Bool(), nil
	}
}

// Type returns TypeRandom.
func (r *RandomGenerator) Type() Type {
	return TypeRandom
}

// SequenceConfig configures sequential value generation.
type SequenceConfig struct {
	// Prefix is added before the sequence number.
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`

	// Start is the first value.
	// Default: 1
	Start int64 `yaml:"start,omitempty" json:"start,omitempty"`

	// Padding is the minimum width with zero-padding.
	Padding int `yaml:"padding,omitempty" json:"padding,omitempty"`
}

// SequenceGenerator yields Start, Start+1, ... as strings when a prefix or
// padding is configured and as int64 otherwise.
type SequenceGenerator struct {
	config  SequenceConfig
	counter atomic.Int64
}

// NewSequenceGenerator creates a new sequence generator.
func NewSequenceGenerator(cfg *SequenceConfig) *SequenceGenerator {
	c := *cfg
	if c.Start == 0 {
		c.Start = 1
	}
	g := &SequenceGenerator{config: c}
	g.counter.Store(c.Start - 1)
	return g
}

// Generate returns the next value in the sequence.
func (s *SequenceGenerator) Generate() (any, error) {
	n := s.counter.Add(1)
	if s.config.Prefix == "" && s.config.Padding == 0 {
		return n, nil
	}
	return fmt.Sprintf("%s%0*d", s.config.Prefix, s.config.Padding, n), nil
}

// Type returns TypeSequence.
func (s *SequenceGenerator) Type() Type {
	return TypeSequence
}

// PatternConfig configures pattern-based value generation.
type PatternConfig struct {
	// Pattern is a template with placeholders:
	//   {UUID}         random UUID v4
	//   {SEQ}          per-generator counter starting at 1
	//   {RANDOM:N}     N random letters
	//   {DIGITS:N}     N random digits
	//   {DATE}         current date, YYYY-MM-DD
	//   {UNIX}         current Unix time in seconds
	Pattern string `yaml:"pattern" json:"pattern"`
}

// PatternGenerator expands placeholders in a template.
type PatternGenerator struct {
	mu      sync.Mutex
	faker   *gofakeit.Faker
	pattern string
	seq     atomic.Int64
	now     func() time.Time
}

// NewPatternGenerator creates a new pattern generator.
func NewPatternGenerator(cfg *PatternConfig) (*PatternGenerator, error) {
	if cfg == nil || cfg.Pattern == "" {
		return nil, fmt.Errorf("%w: pattern is required", ErrInvalidConfig)
	}
	if strings.Count(cfg.Pattern, "{") != strings.Count(cfg.Pattern, "}") {
		return nil, fmt.Errorf("%w: unbalanced braces in pattern %q", ErrInvalidConfig, cfg.Pattern)
	}
	return &PatternGenerator{
		faker:   gofakeit.New(0),
		pattern: cfg.Pattern,
		now:     time.Now,
	}, nil
}

// Generate expands the pattern.
func (p *PatternGenerator) Generate() (any, error) {
	var b strings.Builder
	rest := p.pattern
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated placeholder in %q", ErrInvalidConfig, p.pattern)
		}
		b.WriteString(rest[:open])
		v, err := p.expand(rest[open+1 : open+end])
		if err != nil {
			return nil, err
		}
		b.WriteString(v)
		rest = rest[open+end+1:]
	}
	return b.String(), nil
}

func (p *PatternGenerator) expand(placeholder string) (string, error) {
	name, arg, _ := strings.Cut(placeholder, ":")
	switch name {
	case "UUID":
		return uuid.NewString(), nil
	case "SEQ":
		return fmt.Sprintf("%d", p.seq.Add(1)), nil
	case "DATE":
		return p.now().Format("2006-01-02"), nil
	case "UNIX":
		return fmt.Sprintf("%d", p.now().Unix()), nil
	case "RANDOM", "DIGITS":
		var n uint
		if _, err := fmt.Sscanf(arg, "%d", &n); err != nil || n == 0 {
			return "", fmt.Errorf("%w: %s needs a positive length", ErrInvalidConfig, name)
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if name == "RANDOM" {
			return p.faker.LetterN(n), nil
		}
		return p.faker.DigitN(n), nil
	default:
		return "", fmt.Errorf("%w: unknown placeholder {%s}", ErrInvalidConfig, placeholder)
	}
}

// Type returns TypePattern.
func (p *PatternGenerator) Type() Type {
	return TypePattern
}
