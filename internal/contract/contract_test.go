package contract

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matindow/modi-api/internal/shared"
)

func jsonHeader() http.Header {
	return http.Header{"Content-Type": []string{"application/json; charset=utf-8"}}
}

func loadDefault(t *testing.T) *Contract {
	t.Helper()
	c, err := LoadFromFile(context.Background(), "../../api/openapi.yaml")
	require.NoError(t, err)
	return c
}

func TestLoadFromFile(t *testing.T) {
	t.Run("openapi 3", func(t *testing.T) {
		c := loadDefault(t)
		assert.Equal(t, "MODI API", c.Title())
		assert.Equal(t, "1.0", c.Version())
		assert.Equal(t, "../../api/openapi.yaml", c.Source())
		assert.True(t, c.Declares(http.MethodPost, "/customers"))
		assert.True(t, c.Declares("patch", "/sales_modifiers/{id}"))
		assert.False(t, c.Declares(http.MethodPut, "/customers/{id}"))
		assert.Contains(t, c.Operations(), "DELETE /orders/{id}")
		assert.Equal(t, []string{"201", "400", "401"}, c.Statuses(http.MethodPost, "/items"))
	})

	t.Run("swagger 2 is converted", func(t *testing.T) {
		c, err := LoadFromFile(context.Background(), "testdata/swagger2.yaml")
		require.NoError(t, err)
		assert.Equal(t, "MODI API (legacy)", c.Title())
		assert.True(t, c.Declares(http.MethodGet, "/customers/{id}"))

		v := c.Validate(context.Background(), Exchange{
			Method: http.MethodGet,
			Path:   "/customers/{id}",
			Status: http.StatusOK,
			Header: jsonHeader(),
			Body:   []byte(`{"id":"c1","first_name":"Ada"}`),
		})
		assert.True(t, v.Conformant, "%v", v.Violations)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFromFile(context.Background(), "testdata/absent.yaml")
		require.Error(t, err)
		assert.True(t, shared.IsConfigurationError(err))
	})

	t.Run("unresolvable reference", func(t *testing.T) {
		_, err := LoadFromFile(context.Background(), "testdata/invalid.yaml")
		require.Error(t, err)
		assert.True(t, shared.IsConfigurationError(err))
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := LoadFromBytes(context.Background(), []byte("title: nothing"))
		require.Error(t, err)
		assert.True(t, shared.IsConfigurationError(err))
	})
}

func TestValidate(t *testing.T) {
	c := loadDefault(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		ex         Exchange
		conformant bool
		rule       string
		field      string
	}{
		{
			name: "created customer",
			ex: Exchange{Method: http.MethodPost, Path: "/customers", Status: http.StatusCreated, Header: jsonHeader(),
				Body: []byte(`{"id":"c1","first_name":"TestFirst","last_name":"Collerweather","email":"a@b.c"}`)},
			conformant: true,
		},
		{
			name: "unauthorized error body",
			ex: Exchange{Method: http.MethodGet, Path: "/orders/{id}", Status: http.StatusUnauthorized, Header: jsonHeader(),
				Body: []byte(`{"message":"authentication required"}`)},
			conformant: true,
		},
		{
			name: "deleted",
			ex: Exchange{Method: http.MethodDelete, Path: "/payments/{id}", Status: http.StatusOK, Header: jsonHeader(),
				Body: []byte(`{"id":"p1","deleted":true}`)},
			conformant: true,
		},
		{
			name: "undeclared status",
			ex: Exchange{Method: http.MethodPost, Path: "/customers", Status: http.StatusInternalServerError, Header: jsonHeader(),
				Body: []byte(`{"message":"boom"}`)},
			rule: RuleUndeclaredStatus,
		},
		{
			name: "undeclared operation",
			ex:   Exchange{Method: http.MethodPut, Path: "/customers/{id}", Status: http.StatusOK},
			rule: RuleUndeclaredOperation,
		},
		{
			name: "missing id in entity",
			ex: Exchange{Method: http.MethodGet, Path: "/sites/{id}", Status: http.StatusOK, Header: jsonHeader(),
				Body: []byte(`{"city":"Eugene"}`)},
			rule: RuleSchema,
		},
		{
			name: "wrong field type",
			ex: Exchange{Method: http.MethodPatch, Path: "/payments/{id}", Status: http.StatusOK, Header: jsonHeader(),
				Body: []byte(`{"id":"p1","payment_amount":"five hundred"}`)},
			rule:  RuleSchema,
			field: "/payment_amount",
		},
		{
			name: "html error page",
			ex: Exchange{Method: http.MethodGet, Path: "/items/{id}", Status: http.StatusNotFound,
				Header: http.Header{"Content-Type": []string{"text/html"}}, Body: []byte(`<h1>nope</h1>`)},
			rule: RuleContentType,
		},
		{
			name: "unparseable json",
			ex: Exchange{Method: http.MethodGet, Path: "/items/{id}", Status: http.StatusOK, Header: jsonHeader(),
				Body: []byte(`{"id":`)},
			rule: RuleBody,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := c.Validate(ctx, tt.ex)
			assert.Equal(t, tt.conformant, v.Conformant, "%v", v.Violations)
			if tt.conformant {
				assert.Empty(t, v.Violations)
				return
			}
			require.NotEmpty(t, v.Violations)
			assert.Equal(t, tt.rule, v.Violations[0].Rule, v.Violations[0].String())
			if tt.field != "" {
				assert.Equal(t, tt.field, v.Violations[0].Field)
			}
		})
	}
}

func TestViolationString(t *testing.T) {
	assert.Equal(t, "schema at /id: property \"id\" is missing",
		Violation{Rule: RuleSchema, Field: "/id", Message: `property "id" is missing`}.String())
	assert.Equal(t, "undeclared-status: nope", Violation{Rule: RuleUndeclaredStatus, Message: "nope"}.String())
}
