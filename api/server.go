// Package api serves the tracker's read views and a manual sync trigger over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"

	"realtor-tracker/models"
	"realtor-tracker/services"
	"realtor-tracker/storage"
	"realtor-tracker/utils"
)

// Syncer is the part of services.Syncer the API drives.
type Syncer interface {
	Run(ctx context.Context) (*models.ReconcileResult, error)
	Status() services.SyncStatus
}

type Server struct {
	store       storage.Store
	syncer      Syncer
	aggregator  *services.Aggregator
	logger      *utils.Logger
	loc         *time.Location
	now         func() time.Time
	syncTimeout time.Duration

	router *gin.Engine
}

func NewServer(store storage.Store, syncer Syncer, loc *time.Location, logger *utils.Logger) *Server {
	if loc == nil {
		loc = time.UTC
	}
	s := &Server{
		store:       store,
		syncer:      syncer,
		aggregator:  services.NewAggregator(logger, loc),
		logger:      logger,
		loc:         loc,
		now:         time.Now,
		syncTimeout: 30 * time.Minute,
		router:      gin.New(),
	}
	s.router.Use(gin.Recovery(), s.requestLog)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r := s.router.Group("/api")
	{
		r.GET("/stats", s.getStats)
		r.GET("/daily-stats", s.getDailyStats)

		r.GET("/listings", s.getListings)
		r.GET("/listings/recent", s.getRecent)
		r.GET("/listings/age/:days", s.getAgeBucket)

		r.GET("/sync", s.getSyncStatus)
		r.POST("/sync", s.postSync)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
}

func (s *Server) requestLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("[api] %s %s → %d (%v)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
}

// Handler returns the router wrapped with CORS so a browser dashboard can
// read from another origin.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(s.router)
}

// ListenAndServe runs the server until ctx is cancelled, then shuts it down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("[api] Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api: listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("[api] Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

func (s *Server) records(c *gin.Context) ([]*models.ListingRecord, bool) {
	records, err := s.store.GetAllRecords(c.Request.Context())
	if err != nil {
		s.logger.Error("[api] Loading records: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load listings"})
		return nil, false
	}
	return records, true
}

func (s *Server) stats(c *gin.Context) (*models.Stats, bool) {
	records, ok := s.records(c)
	if !ok {
		return nil, false
	}
	return services.ComputeStats(records, s.now(), s.loc), true
}

func (s *Server) getStats(c *gin.Context) {
	st, ok := s.stats(c)
	if !ok {
		return
	}
	// Buckets are served by /listings/age/:days; counts are enough here.
	out := *st
	out.OlderThan7Days, out.OlderThan30Days, out.OlderThan90Days, out.OlderThan365Days = nil, nil, nil, nil
	c.JSON(http.StatusOK, out)
}

func (s *Server) getDailyStats(c *gin.Context) {
	limit := 30
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	stats, err := s.store.GetDailyStats(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("[api] Loading daily stats: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load daily stats"})
		return
	}
	if stats == nil {
		stats = []models.DailyStat{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(stats), "items": stats})
}

func (s *Server) getListings(c *gin.Context) {
	records, ok := s.records(c)
	if !ok {
		return
	}

	filter := services.ListingFilter{
		City:         c.Query("city"),
		PostalPrefix: c.Query("postal"),
		Status:       models.Status(c.Query("status")),
		Kind:         models.TransactionKind(c.Query("type")),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown status %q", filter.Status)})
		return
	}
	if filter.Kind != "" && !filter.Kind.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown type %q", filter.Kind)})
		return
	}

	out := services.FilterListings(records, filter)
	services.SortListings(out, services.ParseSortKey(c.Query("sort")))
	c.JSON(http.StatusOK, gin.H{"count": len(out), "items": out})
}

func (s *Server) getRecent(c *gin.Context) {
	records, ok := s.records(c)
	if !ok {
		return
	}
	out := services.RecentlyAdded(records, s.now(), s.loc)
	c.JSON(http.StatusOK, gin.H{"count": len(out), "items": out})
}

func (s *Server) getAgeBucket(c *gin.Context) {
	days, err := strconv.Atoi(c.Param("days"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be one of 7, 30, 90, 365"})
		return
	}
	st, ok := s.stats(c)
	if !ok {
		return
	}
	bucket, known := st.AgeBucket(days)
	if !known {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be one of 7, 30, 90, 365"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"days": days, "count": len(bucket), "items": bucket})
}

func (s *Server) getSyncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.syncer.Status())
}

// postSync runs a cycle synchronously and returns its result.
func (s *Server) postSync(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.syncTimeout)
	defer cancel()

	res, err := s.syncer.Run(ctx)
	switch {
	case errors.Is(err, services.ErrSyncInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "sync already running", "status": s.syncer.Status()})
	case err != nil:
		s.logger.Error("[api] Manual sync failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, res)
	}
}
