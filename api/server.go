package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/op/go-logging"

	"github.com/axonlab/ingest/models"
	"github.com/axonlab/ingest/store"
)

// Server is the clustered-mode HTTP facade over the store. Mutating
// ingest endpoints require the bearer key the ingest was created with.
type Server struct {
	store  *store.Client
	logger *logging.Logger
	engine *gin.Engine
}

// createIngestRequest is the POST /ingests payload.
type createIngestRequest struct {
	Label    string                 `json:"label" binding:"required"`
	ApiHost  string                 `json:"api_host" binding:"required"`
	ApiUser  string                 `json:"api_user"`
	ApiKey   string                 `json:"api_key" binding:"required"`
	Config   *models.IngestConfig   `json:"config" binding:"required"`
	Strategy *models.StrategyConfig `json:"strategy" binding:"required"`
}

func NewServer(storeClient *store.Client, logger *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	server := &Server{
		store:  storeClient,
		logger: logger,
		engine: gin.New(),
	}
	server.engine.Use(gin.Recovery())
	server.routes()
	return server
}

// Run blocks serving on bind.
func (server *Server) Run(bind string) error {
	server.logger.Info("Ingest API listening on %s", bind)
	return server.engine.Run(bind)
}

// Handler exposes the router for tests.
func (server *Server) Handler() http.Handler {
	return server.engine
}

func (server *Server) routes() {
	server.engine.POST("/ingests", server.createIngest)
	server.engine.GET("/ingests", server.listIngests)
	server.engine.POST("/next-task", server.nextTask)

	bound := server.engine.Group("/ingests/:id", server.loadIngest)
	bound.GET("", server.getIngest)
	bound.GET("/progress", server.progress)
	bound.GET("/summary", server.summary)
	bound.GET("/report", server.report)
	bound.GET("/tree", server.tree)
	bound.GET("/audit", server.auditLogs)
	bound.GET("/deid", server.deidLogs)
	bound.GET("/subjects", server.subjects)

	mutating := bound.Group("", server.requireIngestKey)
	mutating.DELETE("", server.deleteIngest)
	mutating.POST("/start", server.startIngest)
	mutating.POST("/review", server.reviewIngest)
	mutating.POST("/abort", server.abortIngest)
	mutating.POST("/subjects", server.loadSubjects)
}

// loadIngest resolves the :id parameter once for all bound routes.
func (server *Server) loadIngest(c *gin.Context) {
	ingest, err := server.store.GetIngest(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "ingest not found"})
		return
	}
	c.Set("ingest", ingest)
}

func boundIngest(c *gin.Context) *models.Ingest {
	return c.MustGet("ingest").(*models.Ingest)
}

// requireIngestKey matches the Authorization bearer token against the
// key the ingest was created with.
func (server *Server) requireIngestKey(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" || token != boundIngest(c).ApiKey {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid ingest key"})
	}
}

func (server *Server) createIngest(c *gin.Context) {
	request := &createIngestRequest{}
	if err := c.ShouldBindJSON(request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := request.Strategy.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ingest := models.NewIngest(request.Label, request.Config, request.Strategy)
	ingest.ApiHost = request.ApiHost
	ingest.ApiUser = request.ApiUser
	ingest.ApiKey = request.ApiKey
	if err := server.store.CreateIngest(ingest); err != nil {
		server.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ingest)
}

func (server *Server) listIngests(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)
	ingests, err := server.store.ListIngests(limit, offset)
	if err != nil {
		server.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ingests)
}

func (server *Server) getIngest(c *gin.Context) {
	c.JSON(http.StatusOK, boundIngest(c))
}

func (server *Server) deleteIngest(c *gin.Context) {
	if err := server.store.DeleteIngest(boundIngest(c).ID); err != nil {
		server.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (server *Server) startIngest(c *gin.Context) {
	if err := server.store.StartIngest(boundIngest(c).ID); err != nil {
		server.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (server *Server) reviewIngest(c *gin.Context) {
	var changes []models.ReviewChange
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&changes); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if err := server.store.ReviewIngest(boundIngest(c).ID, changes); err != nil {
		server.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (server *Server) abortIngest(c *gin.Context) {
	if err := server.store.AbortIngest(boundIngest(c).ID); err != nil {
		server.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (server *Server) progress(c *gin.Context) {
	progress, err := server.store.Progress(boundIngest(c).ID)
	if err != nil {
		server.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (server *Server) summary(c *gin.Context) {
	summary, err := server.store.Summary(boundIngest(c).ID)
	if err != nil {
		server.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (server *Server) report(c *gin.Context) {
	report, err := server.store.Report(boundIngest(c).ID)
	if err != nil {
		server.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (server *Server) tree(c *gin.Context) {
	nodes, err := server.store.Tree(boundIngest(c).ID, intQuery(c, "limit", 100))
	if err != nil {
		server.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nodes)
}

func (server *Server) auditLogs(c *gin.Context) {
	server.streamCSV(c, server.store.AuditLogs)
}

func (server *Server) deidLogs(c *gin.Context) {
	server.streamCSV(c, server.store.DeidLogs)
}

func (server *Server) subjects(c *gin.Context) {
	server.streamCSV(c, server.store.Subjects)
}

func (server *Server) streamCSV(c *gin.Context, stream func(string, io.Writer) error) {
	c.Header("Content-Type", "text/csv")
	c.Status(http.StatusOK)
	if err := stream(boundIngest(c).ID, c.Writer); err != nil {
		server.logger.Error("CSV stream for ingest %s failed: %v", boundIngest(c).ID, err)
	}
}

func (server *Server) loadSubjects(c *gin.Context) {
	count, err := server.store.LoadSubjectCSV(boundIngest(c).ID, c.Request.Body)
	if err != nil {
		server.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"loaded": count})
}

func (server *Server) nextTask(c *gin.Context) {
	worker := c.Query("worker")
	if worker == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "worker parameter required"})
		return
	}
	task, err := server.store.NextTask(worker)
	if err != nil {
		server.fail(c, err)
		return
	}
	if task == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (server *Server) fail(c *gin.Context, err error) {
	if errors.Is(err, store.ErrInvalidTransition) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	server.logger.Error("API request failed: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
