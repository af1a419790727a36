package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// Server is the dashboard HTTP surface: the embedded UI, the run history
// API, and the live event stream.
type Server struct {
	addr    string
	hub     *Hub
	history *History
	srv     *http.Server

	mask     *envMask
	stopOnce sync.Once
}

// NewServer wires the dashboard on addr, serving run history from runsDir.
func NewServer(addr, runsDir string) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		addr:    addr,
		hub:     NewHub(),
		history: NewHistory(runsDir),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/", s.index)
	router.GET("/api/runs", s.listRuns)
	router.GET("/api/runs/:id/summary", s.runSummary)
	router.GET("/api/runs/:id/events", s.runEvents)
	router.GET("/ws", s.ws)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Hub exposes the broadcast sink for the pipeline.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start masks the proxy environment and begins serving in the background.
// Masking keeps the dashboard's own HTTP calls (and any child tooling)
// from looping back through the chaos proxy.
func (s *Server) Start() {
	s.mask = maskProxyEnv()
	go func() {
		slog.Info("Dashboard listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Dashboard server failed", "error", err)
		}
	}()
}

// Stop shuts the server down and restores the masked environment.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		err = s.srv.Shutdown(ctx)
		if s.mask != nil {
			s.mask.restore()
		}
	})
	return err
}

func (s *Server) index(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(indexHTML))
}

func (s *Server) listRuns(c *gin.Context) {
	runs, err := s.history.ListRuns()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) runSummary(c *gin.Context) {
	summary, err := s.history.Summary(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) runEvents(c *gin.Context) {
	events, err := s.history.Events(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) ws(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// The dashboard binds to localhost for a single operator; origin
		// checks would only break reverse-proxied setups.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	s.hub.HandleConnection(c.Request.Context(), conn)
}
