package generator

import (
	"fmt"
	"sync"

	"github.com/brianvoe/gofakeit/v7"
)

// FakerConfig configures the faker data generator.
type FakerConfig struct {
	// Type is the faker type, e.g. "firstName", "email", "street", "zipCode".
	Type string `yaml:"type" json:"type"`
}

// FakerGenerator generates realistic values using gofakeit.
type FakerGenerator struct {
	mu    sync.Mutex
	faker *gofakeit.Faker
	genFn func(*gofakeit.Faker) any
}

// NewFakerGenerator creates a new faker generator.
func NewFakerGenerator(cfg *FakerConfig) (*FakerGenerator, error) {
	if cfg == nil || cfg.Type == "" {
		return nil, fmt.Errorf("%w: faker type is required", ErrInvalidConfig)
	}
	genFn, ok := fakerFunctions[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown faker type: %s", ErrInvalidConfig, cfg.Type)
	}
	return &FakerGenerator{
		faker: gofakeit.New(0),
		genFn: genFn,
	}, nil
}

// Generate produces a new fake value.
func (f *FakerGenerator) Generate() (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.genFn(f.faker), nil
}

// Type returns TypeFaker.
func (f *FakerGenerator) Type() Type {
	return TypeFaker
}

// FakerTypes lists the supported faker type names.
func FakerTypes() []string {
	names := make([]string, 0, len(fakerFunctions))
	for name := range fakerFunctions {
		names = append(names, name)
	}
	return names
}

var fakerFunctions = map[string]func(*gofakeit.Faker) any{
	// Person
	"name":      func(f *gofakeit.Faker) any { return f.Name() },
	"firstName": func(f *gofakeit.Faker) any { return f.FirstName() },
	"lastName":  func(f *gofakeit.Faker) any { return f.LastName() },
	"email":     func(f *gofakeit.Faker) any { return f.Email() },
	"phone":     func(f *gofakeit.Faker) any { return f.Phone() },
	"username":  func(f *gofakeit.Faker) any { return f.Username() },

	// Address
	"street":    func(f *gofakeit.Faker) any { return f.Street() },
	"city":      func(f *gofakeit.Faker) any { return f.City() },
	"stateAbbr": func(f *gofakeit.Faker) any { return f.StateAbr() },
	"zipCode":   func(f *gofakeit.Faker) any { return f.Zip() },
	"country":   func(f *gofakeit.Faker) any { return f.Country() },

	// Business
	"company":  func(f *gofakeit.Faker) any { return f.Company() },
	"jobTitle": func(f *gofakeit.Faker) any { return f.JobTitle() },
	"product":  func(f *gofakeit.Faker) any { return f.ProductName() },

	// Text
	"word":     func(f *gofakeit.Faker) any { return f.Word() },
	"sentence": func(f *gofakeit.Faker) any { return f.Sentence(5) },
	"uuid":     func(f *gofakeit.Faker) any { return f.UUID() },

	// Numbers and dates
	"number": func(f *gofakeit.Faker) any { return f.Number(1, 100) },
	"price":  func(f *gofakeit.Faker) any { return f.Price(1, 1000) },
	"date":   func(f *gofakeit.Faker) any { return f.Date().Format("2006-01-02") },
}
