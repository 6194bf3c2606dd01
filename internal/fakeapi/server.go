// Package fakeapi serves an in-memory rendition of the MODI API driven by the
// resource catalog. It backs the engine's end-to-end tests and the CLI's
// "serve" command, and can inject faults per method and resource.
package fakeapi

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matindow/modi-api/internal/resource"
)

// Fault alters how the server answers matching requests.
type Fault struct {
	// Method matches the HTTP method. Empty matches any.
	Method string
	// Resource matches the resource name. Empty matches any.
	Resource string
	// Status, when set, is returned instead of handling the request.
	Status int
	// Body is returned with Status. Defaults to an error message.
	Body string
	// Delay is slept before answering.
	Delay time.Duration
	// NoOp answers as if the request succeeded without changing state.
	NoOp bool
	// Omit removes fields from successful response bodies.
	Omit []string
	// Times limits how many requests the fault affects. Zero means all.
	Times int

	hits int
}

func (f *Fault) matches(method, res string) bool {
	if f.Method != "" && !strings.EqualFold(f.Method, method) {
		return false
	}
	if f.Resource != "" && f.Resource != res {
		return false
	}
	return f.Times == 0 || f.hits < f.Times
}

// Option configures a Server.
type Option func(*Server)

// WithCredentials sets the accepted basic auth credentials.
func WithCredentials(username, password string) Option {
	return func(s *Server) {
		s.username = username
		s.password = password
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithTracerProvider records a server span per request.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) {
		s.tracerProvider = tp
	}
}

// WithFault registers a fault.
func WithFault(f Fault) Option {
	return func(s *Server) {
		s.faults = append(s.faults, &f)
	}
}

// Server is the in-memory API.
//
// Thread Safety: safe for concurrent requests.
type Server struct {
	catalog  *resource.Catalog
	username string
	password string
	logger   *zap.Logger
	engine   *gin.Engine

	tracerProvider trace.TracerProvider

	mu      sync.Mutex
	records map[string]map[string]map[string]any
	calls   map[string]int
	faults  []*Fault
}

// New builds a server for every resource in catalog.
func New(catalog *resource.Catalog, opts ...Option) *Server {
	s := &Server{
		catalog:  catalog,
		username: "admin",
		password: "admin",
		logger:   zap.NewNop(),
		records:  make(map[string]map[string]map[string]any),
		calls:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, spec := range catalog.All() {
		s.records[spec.Name] = make(map[string]map[string]any)
	}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// AddFault registers a fault on a running server.
func (s *Server) AddFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &f)
}

// Calls returns how many authenticated requests reached method on res.
func (s *Server) Calls(method, res string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[strings.ToUpper(method)+" "+res]
}

// Live returns the number of instances of res currently stored.
func (s *Server) Live(res string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[res])
}

// LiveIDs returns every stored instance as "resource/id", sorted.
func (s *Server) LiveIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for res, byID := range s.records {
		for id := range byID {
			out = append(out, res+"/"+id)
		}
	}
	sort.Strings(out)
	return out
}

// Get returns a copy of a stored instance.
func (s *Server) Get(res, id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[res][id]
	if !ok {
		return nil, false
	}
	return maps.Clone(rec), true
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	if s.tracerProvider != nil {
		r.Use(otelgin.Middleware("modi-fakeapi", otelgin.WithTracerProvider(s.tracerProvider)))
	}
	r.Use(gin.Recovery(), s.requestLogger())
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/", s.basicAuth())
	for _, spec := range s.catalog.All() {
		h := &resourceHandler{server: s, spec: spec}
		if spec.Supports(resource.OpCreate) {
			api.POST(spec.CollectionPath(), h.create)
		}
		if spec.Supports(resource.OpRead) {
			api.GET(spec.Path+"/:id", h.get)
		}
		if spec.Supports(resource.OpUpdate) {
			api.PATCH(spec.Path+"/:id", h.update)
		}
		if spec.Supports(resource.OpDelete) {
			api.DELETE(spec.Path+"/:id", h.delete)
		}
	}
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) basicAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, pass, ok := c.Request.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(s.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(s.password)) != 1 {
			c.Header("WWW-Authenticate", `Basic realm="modi"`)
			abort(c, http.StatusUnauthorized, "authentication required")
			return
		}
		c.Next()
	}
}

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"message": message})
}

// fault records the call and returns the first matching fault.
func (s *Server) fault(method, res string) *Fault {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method+" "+res]++
	for _, f := range s.faults {
		if f.matches(method, res) {
			f.hits++
			return f
		}
	}
	return nil
}

type resourceHandler struct {
	server *Server
	spec   *resource.Spec
}

// begin applies delay and status faults. It returns the active fault and
// whether the handler should continue.
func (h *resourceHandler) begin(c *gin.Context) (*Fault, bool) {
	f := h.server.fault(c.Request.Method, h.spec.Name)
	if f == nil {
		return nil, true
	}
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-c.Request.Context().Done():
			c.Abort()
			return f, false
		}
	}
	if f.Status != 0 {
		body := f.Body
		if body == "" {
			body = fmt.Sprintf(`{"message":"injected %d"}`, f.Status)
		}
		c.Data(f.Status, "application/json; charset=utf-8", []byte(body))
		c.Abort()
		return f, false
	}
	return f, true
}

func respond(c *gin.Context, status int, f *Fault, body map[string]any) {
	if f != nil && len(f.Omit) > 0 {
		body = maps.Clone(body)
		for _, k := range f.Omit {
			delete(body, k)
		}
	}
	c.JSON(status, body)
}

func (h *resourceHandler) decode(c *gin.Context) (map[string]any, bool) {
	var body map[string]any
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil || body == nil {
		abort(c, http.StatusBadRequest, "request body must be a JSON object")
		return nil, false
	}
	known := h.spec.KnownFields()
	var unknown []string
	for k := range body {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		abort(c, http.StatusBadRequest, "unknown fields: "+strings.Join(unknown, ", "))
		return nil, false
	}
	return normalize(body), true
}

func (h *resourceHandler) create(c *gin.Context) {
	f, ok := h.begin(c)
	if !ok {
		return
	}
	body, ok := h.decode(c)
	if !ok {
		return
	}
	delete(body, h.spec.IDField)

	s := h.server
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg := s.checkCreate(h.spec, body); msg != "" {
		abort(c, http.StatusBadRequest, msg)
		return
	}

	rec := s.insertLocked(h.spec, body)
	for _, ac := range h.spec.AutoCreate {
		set, _ := body[ac.Flag].(bool)
		delete(rec, ac.Flag)
		if !set {
			continue
		}
		child := s.catalog.MustGet(ac.Resource)
		payload := maps.Clone(child.Fields)
		if payload == nil {
			payload = map[string]any{}
		}
		for _, fk := range child.ForeignKeys {
			if fk.Parent == h.spec.Name {
				payload[fk.Field] = rec[h.spec.IDField]
			} else if other, ok := h.spec.AutoCreateFor(fk.Parent); ok {
				if id, ok := rec[other.IDField]; ok {
					payload[fk.Field] = id
				}
			}
		}
		created := s.insertLocked(child, normalize(payload))
		rec[ac.IDField] = created[child.IDField]
	}
	respond(c, http.StatusCreated, f, maps.Clone(rec))
}

func (s *Server) checkCreate(spec *resource.Spec, body map[string]any) string {
	var missing []string
	for _, field := range spec.Required {
		if v, ok := body[field]; !ok || v == nil || v == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return "missing required fields: " + strings.Join(missing, ", ")
	}

	anyParent := false
	for _, fk := range spec.ForeignKeys {
		v, ok := body[fk.Field]
		if !ok || v == nil || v == "" {
			if !fk.Optional {
				return fmt.Sprintf("%s is required", fk.Field)
			}
			continue
		}
		id := fmt.Sprint(v)
		if _, exists := s.records[fk.Parent][id]; !exists {
			return fmt.Sprintf("%s %q does not exist", fk.Field, id)
		}
		anyParent = true
	}
	if spec.RequireAnyParent && !anyParent {
		names := make([]string, 0, len(spec.ForeignKeys))
		for _, fk := range spec.ForeignKeys {
			names = append(names, fk.Field)
		}
		return "one of " + strings.Join(names, ", ") + " is required"
	}
	return ""
}

// checkUpdate validates the foreign keys of a patch against the stored
// record. An optional key may be cleared with "".
func (s *Server) checkUpdate(spec *resource.Spec, rec, body map[string]any) string {
	for _, fk := range spec.ForeignKeys {
		v, ok := body[fk.Field]
		if !ok {
			continue
		}
		if v == nil || v == "" {
			if !fk.Optional {
				return fmt.Sprintf("%s is required", fk.Field)
			}
			continue
		}
		id := fmt.Sprint(v)
		if _, exists := s.records[fk.Parent][id]; !exists {
			return fmt.Sprintf("%s %q does not exist", fk.Field, id)
		}
	}
	if !spec.RequireAnyParent {
		return ""
	}
	merged := maps.Clone(rec)
	maps.Copy(merged, body)
	for _, fk := range spec.ForeignKeys {
		if v, ok := merged[fk.Field]; ok && v != nil && v != "" {
			return ""
		}
	}
	return "an update cannot clear every parent"
}

func (s *Server) insertLocked(spec *resource.Spec, body map[string]any) map[string]any {
	rec := maps.Clone(body)
	id := uuid.NewString()
	rec[spec.IDField] = id
	s.records[spec.Name][id] = rec
	return rec
}

func (h *resourceHandler) get(c *gin.Context) {
	f, ok := h.begin(c)
	if !ok {
		return
	}
	s := h.server
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[h.spec.Name][c.Param("id")]
	if !exists {
		abort(c, http.StatusNotFound, h.spec.Name+" not found")
		return
	}
	out := maps.Clone(rec)
	for _, cl := range s.catalog.ListingsOn(h.spec.Name) {
		if !queryMatches(c, cl.Listing.Query) {
			continue
		}
		out[cl.Listing.Field] = s.childrenLocked(cl.Child, h.spec.Name, c.Param("id"))
	}
	respond(c, http.StatusOK, f, out)
}

func queryMatches(c *gin.Context, query map[string]string) bool {
	for k, v := range query {
		if c.Query(k) != v {
			return false
		}
	}
	return true
}

func (s *Server) childrenLocked(child *resource.Spec, parent, parentID string) []map[string]any {
	var fields []string
	for _, fk := range child.ForeignKeys {
		if fk.Parent == parent {
			fields = append(fields, fk.Field)
		}
	}
	out := []map[string]any{}
	for _, rec := range s.records[child.Name] {
		for _, field := range fields {
			if fmt.Sprint(rec[field]) == parentID {
				out = append(out, maps.Clone(rec))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return fmt.Sprint(out[i][child.IDField]) < fmt.Sprint(out[j][child.IDField])
	})
	return out
}

func (h *resourceHandler) update(c *gin.Context) {
	f, ok := h.begin(c)
	if !ok {
		return
	}
	s := h.server
	id := c.Param("id")

	s.mu.Lock()
	_, exists := s.records[h.spec.Name][id]
	s.mu.Unlock()
	if !exists {
		abort(c, http.StatusNotFound, h.spec.Name+" not found")
		return
	}

	body, ok := h.decode(c)
	if !ok {
		return
	}
	if len(body) == 0 {
		abort(c, http.StatusBadRequest, "empty update")
		return
	}
	delete(body, h.spec.IDField)

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, exists := s.records[h.spec.Name][id]
	if !exists {
		abort(c, http.StatusNotFound, h.spec.Name+" not found")
		return
	}
	if msg := s.checkUpdate(h.spec, rec, body); msg != "" {
		abort(c, http.StatusBadRequest, msg)
		return
	}
	if f != nil && f.NoOp {
		out := maps.Clone(rec)
		maps.Copy(out, body)
		respond(c, http.StatusOK, f, out)
		return
	}
	maps.Copy(rec, body)
	respond(c, http.StatusOK, f, maps.Clone(rec))
}

func (h *resourceHandler) delete(c *gin.Context) {
	f, ok := h.begin(c)
	if !ok {
		return
	}
	s := h.server
	id := c.Param("id")

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[h.spec.Name][id]; !exists {
		abort(c, http.StatusNotFound, h.spec.Name+" not found")
		return
	}
	if f == nil || !f.NoOp {
		delete(s.records[h.spec.Name], id)
	}
	respond(c, http.StatusOK, f, map[string]any{"id": id, "deleted": true})
}

// normalize converts json.Number values to int64 or float64.
func normalize(body map[string]any) map[string]any {
	for k, v := range body {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				body[k] = i
			} else if fl, err := n.Float64(); err == nil {
				body[k] = fl
			}
		}
	}
	return body
}
