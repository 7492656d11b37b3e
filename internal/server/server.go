// Package server exposes the pipeline and the query engine over HTTP.
// Ingest is synchronous: a POST returns the decision the notice produced.
package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/skygraph/afterglow/internal/core"
	"github.com/skygraph/afterglow/internal/core/model"
	"github.com/skygraph/afterglow/internal/core/query"
	"github.com/skygraph/afterglow/internal/core/resolve"
	"github.com/skygraph/afterglow/internal/metrics"
	"github.com/skygraph/afterglow/internal/store"
)

// maxNoticeBytes bounds a single notice payload. Real notices are a few KB;
// anything near this limit is garbage.
const maxNoticeBytes = 1 << 20

type Server struct {
	pipeline *core.Pipeline
	query    *query.Engine
	store    store.GraphStore
	metrics  *metrics.Registry
	log      *slog.Logger
}

func New(p *core.Pipeline, q *query.Engine, st store.GraphStore, reg *metrics.Registry, log *slog.Logger) *Server {
	return &Server{pipeline: p, query: q, store: st, metrics: reg, log: log}
}

func (s *Server) SetupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.observe)

	r.POST("/notices", s.ingestNotice)

	r.GET("/transients/:id", s.getTransient)
	r.GET("/transients/:id/neighbors", s.getNeighbors)
	r.GET("/transients/:id/history", s.getHistory)

	r.POST("/query/traverse", s.traverse)
	r.GET("/query/nearest", s.nearest)

	r.GET("/cases", s.listCases)
	r.GET("/cases/:id", s.getCase)
	r.POST("/cases/:id/resolve", s.resolveCase)

	r.GET("/healthz", s.healthz)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	return r
}

// observe records per-route request counts and latencies. The route
// template is used rather than the raw path so cardinality stays bounded.
func (s *Server) observe(c *gin.Context) {
	started := time.Now()
	c.Next()
	path := c.FullPath()
	if path == "" {
		path = "unmatched"
	}
	s.metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(started))
}

// ingestNotice accepts one raw notice payload. The producing source is
// named in the query string; the body is handed to that source's parser
// untouched, so JSON, text and VOEvent ingest all share this route.
func (s *Server) ingestNotice(c *gin.Context) {
	source := c.Query("source")
	if source == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing source parameter"})
		return
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxNoticeBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	out, err := s.pipeline.Process(c.Request.Context(), source, raw)
	if err != nil {
		if model.IsMalformed(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.log.Error("notice ingest failed", "source", source, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process notice"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getTransient(c *gin.Context) {
	n, err := s.query.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (s *Server) getNeighbors(c *gin.Context) {
	var kinds []model.EdgeKind
	for _, k := range c.QueryArray("kind") {
		kinds = append(kinds, model.EdgeKind(k))
	}
	edges, err := s.query.Neighbors(c.Request.Context(), c.Param("id"), kinds...)
	if err != nil {
		s.replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"neighbors": edges})
}

func (s *Server) getHistory(c *gin.Context) {
	h, err := s.query.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, h)
}

// traverse runs a bounded graph walk. A walk that hits the result limit is
// not an error at this boundary: the partial result is returned with its
// truncated flag set.
func (s *Server) traverse(c *gin.Context) {
	var req query.TraverseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Root == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing traverse root"})
		return
	}

	res, err := s.query.Traverse(c.Request.Context(), req)
	if err != nil && !errors.Is(err, query.ErrLimitExceeded) {
		s.replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) nearest(c *gin.Context) {
	ra, err1 := strconv.ParseFloat(c.Query("ra"), 64)
	dec, err2 := strconv.ParseFloat(c.Query("dec"), 64)
	radius, err3 := strconv.ParseFloat(c.Query("radius"), 64)
	if err1 != nil || err2 != nil || err3 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ra, dec and radius must be numbers"})
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		limit = n
	}
	if radius <= 0 || dec < -90 || dec > 90 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "radius must be positive and dec within [-90, 90]"})
		return
	}

	near, err := s.query.Nearest(c.Request.Context(), ra, dec, radius, limit)
	if err != nil {
		s.replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": near})
}

func (s *Server) listCases(c *gin.Context) {
	var f model.CaseFilter
	switch c.DefaultQuery("status", "open") {
	case "open":
		f.Status = model.CaseOpen
	case "resolved":
		f.Status = model.CaseResolved
	case "all":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be open, resolved or all"})
		return
	}
	cases, err := s.store.ListCases(c.Request.Context(), f)
	if err != nil {
		s.replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cases": cases})
}

func (s *Server) getCase(c *gin.Context) {
	cs, err := s.store.GetCase(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, cs)
}

type resolveCaseRequest struct {
	MergeInto string   `json:"merge_into"`
	CreateNew bool     `json:"create_new"`
	SameEvent []string `json:"same_event"`
	Note      string   `json:"note"`
}

// resolveCase applies an operator verdict to an open ambiguous case. The
// verdict is validated against the case's recorded competitors before
// anything is written.
func (s *Server) resolveCase(c *gin.Context) {
	var req resolveCaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx := c.Request.Context()
	d, err := s.pipeline.Resolver().Override(ctx, c.Param("id"), resolve.Override{
		MergeInto: req.MergeInto,
		CreateNew: req.CreateNew,
		SameEvent: req.SameEvent,
		Note:      req.Note,
	})
	if err != nil {
		switch {
		case errors.Is(err, model.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, store.ErrUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	res, err := s.pipeline.Updater().Apply(ctx, d)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
			return
		}
		s.log.Error("case resolution failed", "case", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to apply resolution"})
		return
	}

	resp := gin.H{"outcome": d.Outcome, "case": c.Param("id")}
	if res.Node != nil {
		resp["node"] = res.Node.UUID
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) healthz(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "graph": stats})
}

// replyError maps store errors onto HTTP statuses for read paths.
func (s *Server) replyError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, store.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
	default:
		s.log.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
