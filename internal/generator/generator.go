// Package generator produces field values for fixture payloads.
// Each generated field of a resource is bound to one Generator built from
// a declarative Config in the resource catalog.
package generator

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is returned when a generator configuration is invalid.
var ErrInvalidConfig = errors.New("generator: invalid configuration")

// Generator produces a fresh value on every call.
//
// Thread Safety: implementations are safe for concurrent use.
type Generator interface {
	// Generate returns a string, int, float64 or bool value.
	Generate() (any, error)

	// Type returns the type identifier of this generator.
	Type() Type
}

// Type identifies the kind of generator.
type Type string

const (
	// TypeFaker draws realistic values from gofakeit.
	TypeFaker Type = "faker"
	// TypeRandom draws primitive values.
	TypeRandom Type = "random"
	// TypeSequence counts upwards.
	TypeSequence Type = "sequence"
	// TypePattern expands a template with placeholders.
	TypePattern Type = "pattern"
)

// Config holds configuration for creating a generator.
// Only the block matching Type is read.
type Config struct {
	// Type is the generator type: "faker", "random", "sequence", "pattern".
	Type Type `yaml:"type" json:"type"`

	// Faker is faker-specific configuration.
	Faker *FakerConfig `yaml:"faker,omitempty" json:"faker,omitempty"`

	// Random is random generator configuration.
	Random *RandomConfig `yaml:"random,omitempty" json:"random,omitempty"`

	// Sequence is sequence generator configuration.
	Sequence *SequenceConfig `yaml:"sequence,omitempty" json:"sequence,omitempty"`

	// Pattern is pattern-based generator configuration.
	Pattern *PatternConfig `yaml:"pattern,omitempty" json:"pattern,omitempty"`
}

// New creates a generator from cfg.
func New(cfg Config) (Generator, error) {
	switch cfg.Type {
	case TypeFaker:
		if cfg.Faker == nil {
			return nil, fmt.Errorf("%w: faker config is required for faker type", ErrInvalidConfig)
		}
		return NewFakerGenerator(cfg.Faker)
	case TypeRandom:
		if cfg.Random == nil {
			return nil, fmt.Errorf("%w: random config is required for random type", ErrInvalidConfig)
		}
		return NewRandomGenerator(cfg.Random)
	case TypeSequence:
		if cfg.Sequence == nil {
			cfg.Sequence = &SequenceConfig{}
		}
		return NewSequenceGenerator(cfg.Sequence), nil
	case TypePattern:
		if cfg.Pattern == nil {
			return nil, fmt.Errorf("%w: pattern config is required for pattern type", ErrInvalidConfig)
		}
		return NewPatternGenerator(cfg.Pattern)
	default:
		return nil, fmt.Errorf("%w: unknown generator type: %q", ErrInvalidConfig, cfg.Type)
	}
}

// Set is a named group of generators, one per payload field.
type Set map[string]Generator

// NewSet builds a generator for every entry in configs.
func NewSet(configs map[string]Config) (Set, error) {
	set := make(Set, len(configs))
	for field, cfg := range configs {
		gen, err := New(cfg)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field, err)
		}
		set[field] = gen
	}
	return set, nil
}

// Fill generates a value for every field in the set and stores it in dst.
func (s Set) Fill(dst map[string]any) error {
	for field, gen := range s {
		v, err := gen.Generate()
		if err != nil {
			return fmt.Errorf("generating %q: %w", field, err)
		}
		dst[field] = v
	}
	return nil
}
