package generator

import (
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
		errMsg  string
	}{
		{
			name:   "faker generator",
			config: Config{Type: TypeFaker, Faker: &FakerConfig{Type: "lastName"}},
		},
		{
			name:   "random generator",
			config: Config{Type: TypeRandom, Random: &RandomConfig{Type: "int", Min: 1, Max: 10}},
		},
		{
			name:   "pattern generator",
			config: Config{Type: TypePattern, Pattern: &PatternConfig{Pattern: "crm-{RANDOM:6}"}},
		},
		{
			name:   "sequence generator with nil config uses defaults",
			config: Config{Type: TypeSequence},
		},
		{
			name:    "missing faker config",
			config:  Config{Type: TypeFaker},
			wantErr: true,
			errMsg:  "faker config is required",
		},
		{
			name:    "unknown faker type",
			config:  Config{Type: TypeFaker, Faker: &FakerConfig{Type: "dragon"}},
			wantErr: true,
			errMsg:  "unknown faker type",
		},
		{
			name:    "unknown random type",
			config:  Config{Type: TypeRandom, Random: &RandomConfig{Type: "matrix"}},
			wantErr: true,
			errMsg:  "unknown random type",
		},
		{
			name:    "unknown generator type",
			config:  Config{Type: "oracle"},
			wantErr: true,
			errMsg:  "unknown generator type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen, err := New(tt.config)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidConfig)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.config.Type, gen.Type())
			v, err := gen.Generate()
			require.NoError(t, err)
			assert.NotNil(t, v)
		})
	}
}

func TestFakerTypes_AllGenerate(t *testing.T) {
	for _, name := range FakerTypes() {
		t.Run(name, func(t *testing.T) {
			gen, err := NewFakerGenerator(&FakerConfig{Type: name})
			require.NoError(t, err)
			v, err := gen.Generate()
			require.NoError(t, err)
			assert.NotNil(t, v)
		})
	}
}

func TestRandomGenerator(t *testing.T) {
	t.Run("int stays in range", func(t *testing.T) {
		gen, err := NewRandomGenerator(&RandomConfig{Type: "int", Min: 5, Max: 9})
		require.NoError(t, err)
		for i := 0; i < 50; i++ {
			v, _ := gen.Generate()
			n := v.(int)
			assert.GreaterOrEqual(t, n, 5)
			assert.LessOrEqual(t, n, 9)
		}
	})

	t.Run("string uses default length", func(t *testing.T) {
		gen, err := NewRandomGenerator(&RandomConfig{Type: "string"})
		require.NoError(t, err)
		v, _ := gen.Generate()
		assert.Len(t, v.(string), 8)
	})

	t.Run("uuid", func(t *testing.T) {
		gen, err := NewRandomGenerator(&RandomConfig{Type: "uuid"})
		require.NoError(t, err)
		v, _ := gen.Generate()
		assert.Regexp(t, `^[0-9a-f-]{36}$`, v)
	})
}

func TestSequenceGenerator(t *testing.T) {
	t.Run("plain counter", func(t *testing.T) {
		gen := NewSequenceGenerator(&SequenceConfig{Start: 10})
		v1, _ := gen.Generate()
		v2, _ := gen.Generate()
		assert.Equal(t, int64(10), v1)
		assert.Equal(t, int64(11), v2)
	})

	t.Run("prefix and padding", func(t *testing.T) {
		gen := NewSequenceGenerator(&SequenceConfig{Prefix: "room", Padding: 3})
		v, _ := gen.Generate()
		assert.Equal(t, "room001", v)
	})

	t.Run("concurrent values are unique", func(t *testing.T) {
		gen := NewSequenceGenerator(&SequenceConfig{})
		var mu sync.Mutex
		seen := make(map[int64]bool)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, _ := gen.Generate()
				mu.Lock()
				seen[v.(int64)] = true
				mu.Unlock()
			}()
		}
		wg.Wait()
		assert.Len(t, seen, 20)
	})
}

func TestPatternGenerator(t *testing.T) {
	t.Run("expands placeholders", func(t *testing.T) {
		gen, err := NewPatternGenerator(&PatternConfig{Pattern: "crm-{RANDOM:4}-{DIGITS:3}-{SEQ}"})
		require.NoError(t, err)
		v, err := gen.Generate()
		require.NoError(t, err)
		assert.Regexp(t, regexp.MustCompile(`^crm-[A-Za-z]{4}-[0-9]{3}-1$`), v)
	})

	t.Run("date uses clock", func(t *testing.T) {
		gen, err := NewPatternGenerator(&PatternConfig{Pattern: "{DATE}"})
		require.NoError(t, err)
		gen.now = func() time.Time { return time.Date(2021, 10, 22, 0, 0, 0, 0, time.UTC) }
		v, _ := gen.Generate()
		assert.Equal(t, "2021-10-22", v)
	})

	t.Run("unknown placeholder", func(t *testing.T) {
		gen, err := NewPatternGenerator(&PatternConfig{Pattern: "{NOPE}"})
		require.NoError(t, err)
		_, err = gen.Generate()
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("unbalanced braces", func(t *testing.T) {
		_, err := NewPatternGenerator(&PatternConfig{Pattern: "{UUID"})
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestSet_Fill(t *testing.T) {
	set, err := NewSet(map[string]Config{
		"crm_id": {Type: TypePattern, Pattern: &PatternConfig{Pattern: "crm-{UUID}"}},
		"email":  {Type: TypeFaker, Faker: &FakerConfig{Type: "email"}},
	})
	require.NoError(t, err)

	dst := map[string]any{"first_name": "TestFirst"}
	require.NoError(t, set.Fill(dst))
	assert.Contains(t, dst, "crm_id")
	assert.Contains(t, dst, "email")
	assert.Equal(t, "TestFirst", dst["first_name"])

	_, err = NewSet(map[string]Config{"bad": {Type: "nope"}})
	assert.ErrorContains(t, err, `field "bad"`)
}
