// Package contract loads the API's OpenAPI document and checks observed
// responses against it.
//
// Both OpenAPI 3 and Swagger 2 documents are accepted; Swagger 2 is converted
// to OpenAPI 3 on load. Validation never fails a run by itself: every problem
// is reported as a Violation on the returned Verdict.
package contract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi2"
	"github.com/getkin/kin-openapi/openapi2conv"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"gopkg.in/yaml.v3"

	"github.com/matindow/modi-api/internal/shared"
)

// Violation rules.
const (
	RuleUndeclaredOperation = "undeclared-operation"
	RuleUndeclaredStatus    = "undeclared-status"
	RuleContentType         = "content-type"
	RuleBody                = "body"
	RuleSchema              = "schema"
	RuleHeader              = "header"
)

// Exchange is one observed request/response pair.
type Exchange struct {
	// Method is the HTTP method.
	Method string
	// Path is the path template, e.g. "/customers/{id}".
	Path string
	// URL is the concrete URL that was called. Optional.
	URL string
	// Status is the response status code.
	Status int
	// Header holds response headers.
	Header http.Header
	// Body is the raw response body.
	Body []byte
}

// Violation is one way a response departs from the contract.
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
	// Field is a JSON pointer into the body when the violation is a schema mismatch.
	Field string `json:"field,omitempty"`
}

// String renders the violation on one line.
func (v Violation) String() string {
	if v.Field != "" {
		return fmt.Sprintf("%s at %s: %s", v.Rule, v.Field, v.Message)
	}
	return fmt.Sprintf("%s: %s", v.Rule, v.Message)
}

// Verdict is the outcome of validating one Exchange.
type Verdict struct {
	Conformant bool        `json:"conformant"`
	Violations []Violation `json:"violations,omitempty"`
}

// Contract is a loaded and validated OpenAPI 3 document.
//
// Thread Safety: safe for concurrent use once loaded.
type Contract struct {
	doc    *openapi3.T
	source string
}

// LoadFromFile reads a contract from path. Any load failure is a
// configuration error.
func LoadFromFile(ctx context.Context, path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, shared.WrapConfigurationError(err, "reading contract %s", path)
	}
	c, err := LoadFromBytes(ctx, data)
	if err != nil {
		return nil, err
	}
	c.source = path
	return c, nil
}

// LoadFromBytes parses a YAML or JSON contract.
func LoadFromBytes(ctx context.Context, data []byte) (*Contract, error) {
	var header struct {
		Swagger string `yaml:"swagger"`
		OpenAPI string `yaml:"openapi"`
	}
	if err := yaml.Unmarshal(data, &header); err != nil {
		return nil, shared.WrapConfigurationError(err, "parsing contract")
	}

	var (
		doc *openapi3.T
		err error
	)
	switch {
	case strings.HasPrefix(header.Swagger, "2."):
		doc, err = loadSwagger2(data)
	case strings.HasPrefix(header.OpenAPI, "3."):
		doc, err = openapi3.NewLoader().LoadFromData(data)
	default:
		return nil, shared.NewConfigurationError("contract declares neither swagger 2.x nor openapi 3.x")
	}
	if err != nil {
		return nil, shared.WrapConfigurationError(err, "loading contract")
	}
	if err := doc.Validate(ctx, openapi3.DisableExamplesValidation()); err != nil {
		return nil, shared.WrapConfigurationError(err, "invalid contract")
	}
	return &Contract{doc: doc, source: "<bytes>"}, nil
}

func loadSwagger2(data []byte) (*openapi3.T, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	js, err := json.Marshal(normalizeYAML(raw))
	if err != nil {
		return nil, err
	}
	var doc2 openapi2.T
	if err := json.Unmarshal(js, &doc2); err != nil {
		return nil, err
	}
	return openapi2conv.ToV3(&doc2)
}

// normalizeYAML turns non-string map keys (status codes) into strings so the
// tree can be re-encoded as JSON.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	default:
		return v
	}
}

// Source returns where the contract was loaded from.
func (c *Contract) Source() string { return c.source }

// Title returns the document's info title.
func (c *Contract) Title() string {
	if c.doc.Info == nil {
		return ""
	}
	return c.doc.Info.Title
}

// Version returns the document's info version.
func (c *Contract) Version() string {
	if c.doc.Info == nil {
		return ""
	}
	return c.doc.Info.Version
}

// Declares reports whether the contract has an operation for method on the
// path template.
func (c *Contract) Declares(method, template string) bool {
	return c.operation(method, template) != nil
}

// Statuses lists the declared status codes of an operation, sorted.
func (c *Contract) Statuses(method, template string) []string {
	op := c.operation(method, template)
	if op == nil || op.Responses == nil {
		return nil
	}
	var out []string
	for code := range op.Responses.Map() {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// Operations lists every declared "METHOD /path" pair, sorted.
func (c *Contract) Operations() []string {
	var out []string
	for path, item := range c.doc.Paths.Map() {
		for method := range item.Operations() {
			out = append(out, method+" "+path)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Contract) operation(method, template string) *openapi3.Operation {
	if c.doc.Paths == nil {
		return nil
	}
	item := c.doc.Paths.Find(template)
	if item == nil {
		return nil
	}
	return item.GetOperation(strings.ToUpper(method))
}

// Validate checks one exchange against the contract. It never returns an
// error: problems are violations.
func (c *Contract) Validate(ctx context.Context, ex Exchange) Verdict {
	method := strings.ToUpper(ex.Method)
	item := c.doc.Paths.Find(ex.Path)
	var op *openapi3.Operation
	if item != nil {
		op = item.GetOperation(method)
	}
	if op == nil {
		return Verdict{Violations: []Violation{{
			Rule:    RuleUndeclaredOperation,
			Message: fmt.Sprintf("%s %s is not declared", method, ex.Path),
		}}}
	}

	target := ex.URL
	if target == "" {
		target = ex.Path
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		req, _ = http.NewRequestWithContext(ctx, method, "/", nil)
	}

	header := ex.Header
	if header == nil {
		header = http.Header{}
	}
	input := &openapi3filter.ResponseValidationInput{
		RequestValidationInput: &openapi3filter.RequestValidationInput{
			Request: req,
			Route: &routers.Route{
				Spec:      c.doc,
				Path:      ex.Path,
				PathItem:  item,
				Method:    method,
				Operation: op,
			},
		},
		Status: ex.Status,
		Header: header,
		Body:   io.NopCloser(bytes.NewReader(ex.Body)),
		Options: &openapi3filter.Options{
			IncludeResponseStatus: true,
			MultiError:            true,
		},
	}

	if err := openapi3filter.ValidateResponse(ctx, input); err != nil {
		return Verdict{Violations: violationsFrom(ex, err)}
	}
	return Verdict{Conformant: true}
}

func violationsFrom(ex Exchange, err error) []Violation {
	var respErr *openapi3filter.ResponseError
	if !errors.As(err, &respErr) {
		return []Violation{{Rule: RuleBody, Message: err.Error()}}
	}

	reason := respErr.Reason
	switch {
	case reason == "status is not supported":
		return []Violation{{
			Rule:    RuleUndeclaredStatus,
			Message: fmt.Sprintf("status %d is not declared for %s %s", ex.Status, strings.ToUpper(ex.Method), ex.Path),
		}}
	case strings.HasPrefix(reason, "response header Content-Type"):
		return []Violation{{Rule: RuleContentType, Message: reason}}
	case strings.HasPrefix(reason, "response header"), strings.HasPrefix(reason, "unable to"):
		return []Violation{{Rule: RuleHeader, Message: respErr.Error()}}
	}

	var schemaErrs []*openapi3.SchemaError
	collectSchemaErrors(respErr.Err, &schemaErrs)
	if len(schemaErrs) == 0 {
		return []Violation{{Rule: RuleBody, Message: respErr.Error()}}
	}
	out := make([]Violation, 0, len(schemaErrs))
	for _, se := range schemaErrs {
		out = append(out, Violation{
			Rule:    RuleSchema,
			Message: se.Reason,
			Field:   "/" + strings.Join(se.JSONPointer(), "/"),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

func collectSchemaErrors(err error, out *[]*openapi3.SchemaError) {
	if err == nil {
		return
	}
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		for _, e := range multi {
			collectSchemaErrors(e, out)
		}
		return
	}
	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		*out = append(*out, se)
	}
}
