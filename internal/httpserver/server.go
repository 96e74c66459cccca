// Package httpserver exposes the reduced log and its profiles over HTTP.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tinytelemetry/qlprof/internal/duckdb"
	"github.com/tinytelemetry/qlprof/internal/filter"
	"github.com/tinytelemetry/qlprof/internal/metrics"
	"github.com/tinytelemetry/qlprof/internal/model"
	"github.com/tinytelemetry/qlprof/internal/profile"
	"github.com/tinytelemetry/qlprof/internal/report"
)

// Store is the read side of the reduced-log store used by the API.
type Store interface {
	model.NameResolver
	profile.Scanner
	RowCount(ctx context.Context) (int64, error)
	ReducedTables(ctx context.Context) ([]duckdb.ReducedTable, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l.Named("httpserver")
		}
	}
}

// WithMetrics records profile timings in m and serves g on /metrics.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithProfileDefaults sets the granularity and top-N used when a request
// omits them.
func WithProfileDefaults(g profile.Granularity, topN int) Option {
	return func(s *Server) {
		s.defaultGranularity = g
		s.defaultTopN = topN
	}
}

// Server provides the HTTP API.
type Server struct {
	addr      string
	store     Store
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer

	defaultGranularity profile.Granularity
	defaultTopN        int

	mu   sync.Mutex
	last *cachedProfile
}

// cachedProfile is the most recent profile request and its response.
type cachedProfile struct {
	table    string
	criteria filter.Criteria
	g        profile.Granularity
	topN     int
	doc      report.Document
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, store Store, opts ...Option) *Server {
	if addr == "" {
		addr = "127.0.0.1:3000"
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:               addr,
		store:              store,
		ctx:                ctx,
		cancel:             cancel,
		logger:             zap.NewNop(),
		defaultGranularity: profile.Granularity(model.DefaultGranularity),
		defaultTopN:        model.DefaultTopN,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string { return s.addr }

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/tables", s.handleTables)
	r.GET("/api/users", s.handleNames(model.KindUsers))
	r.GET("/api/servers", s.handleNames(model.KindServers))
	r.POST("/api/predicate", s.handlePredicate)
	r.POST("/api/profile", s.handleProfile)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.addr = listener.Addr().String()
	s.startTime = time.Now()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("http api listening", zap.String("addr", s.addr))
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	rows, err := s.store.RowCount(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read health metrics"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"uptime":       time.Since(s.startTime).String(),
		"reduced_rows": rows,
	})
}

func (s *Server) handleTables(c *gin.Context) {
	tables, err := s.store.ReducedTables(c.Request.Context())
	if err != nil {
		s.logger.Error("list reduced tables", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list reduced tables"})
		return
	}
	if tables == nil {
		tables = []duckdb.ReducedTable{}
	}
	c.JSON(http.StatusOK, gin.H{"tables": tables})
}

func (s *Server) handleNames(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		names, err := s.store.Names(c.Request.Context(), kind)
		if err != nil {
			s.logger.Error("read registry", zap.String("kind", kind), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read " + kind})
			return
		}
		c.JSON(http.StatusOK, gin.H{kind: names})
	}
}

type predicateRequest struct {
	Criteria filter.Params `json:"criteria"`
}

func (s *Server) handlePredicate(c *gin.Context) {
	var req predicateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	criteria, err := req.Criteria.Criteria()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p := filter.NewCompiler(s.logger).Compile(criteria)
	c.JSON(http.StatusOK, gin.H{
		"sql":   p.SQL(),
		"where": filter.WhereClause(p),
	})
}

type profileRequest struct {
	Table    string        `json:"table"`
	Criteria filter.Params `json:"criteria"`
	GroupBy  string        `json:"group_by"`
	TopN     *int          `json:"top_n"`
}

func (s *Server) handleProfile(c *gin.Context) {
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	criteria, err := req.Criteria.Criteria()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	g := s.defaultGranularity
	if req.GroupBy != "" {
		if g, err = profile.ParseGranularity(req.GroupBy); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	topN := s.defaultTopN
	if req.TopN != nil {
		topN = *req.TopN
	}

	doc, cached, err := s.profile(c.Request.Context(), req.Table, criteria, g, topN)
	if err != nil {
		s.logger.Error("build profile", zap.String("table", req.Table), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build profile"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"cached":   cached,
		"document": doc,
	})
}

// profile returns the document for the request, reusing the previous one
// when nothing changed.
func (s *Server) profile(ctx context.Context, table string, criteria filter.Criteria, g profile.Granularity, topN int) (report.Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l := s.last; l != nil && l.table == table && l.g == g && l.topN == topN && l.criteria.Equal(criteria) {
		return l.doc, true, nil
	}

	start := time.Now()
	pred := filter.NewCompiler(s.logger).Compile(criteria)
	p, err := profile.Run(ctx, s.store, table, pred, g, topN)
	if err != nil {
		return report.Document{}, false, err
	}
	users, err := s.store.Names(ctx, model.KindUsers)
	if err != nil {
		return report.Document{}, false, err
	}
	servers, err := s.store.Names(ctx, model.KindServers)
	if err != nil {
		return report.Document{}, false, err
	}
	s.metrics.ObserveProfile(string(g), time.Since(start))

	doc := report.NewDocument(p, report.Names{Users: users, Servers: servers})
	s.last = &cachedProfile{table: table, criteria: criteria, g: g, topN: topN, doc: doc}
	return doc, false, nil
}

// Invalidate drops the cached profile, e.g. after a new table is reduced.
func (s *Server) Invalidate() {
	s.mu.Lock()
	s.last = nil
	s.mu.Unlock()
}
