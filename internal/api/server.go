package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/shivanibhat24/docstore/internal/engine"
	"github.com/shivanibhat24/docstore/internal/journal"
	"github.com/shivanibhat24/docstore/internal/lastrev"
	"github.com/shivanibhat24/docstore/internal/observer"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message is sent to websocket clients
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// HeadChange is the payload of a "head" message
type HeadChange struct {
	Before   string   `json:"before"`
	After    string   `json:"after"`
	External bool     `json:"external"`
	Paths    []string `json:"paths"`
}

// Server is the admin HTTP surface of one cluster node. It streams head
// changes of the engine to websocket clients.
type Server struct {
	engine *engine.Engine
	gc     *journal.GarbageCollector
	logger *zap.Logger
	router *gin.Engine
	http   *http.Server

	clients    map[string]*Client
	clientsMux sync.RWMutex
	broadcast  chan *Message
	done       chan struct{}
	closeOnce  sync.Once
}

// Client is a connected websocket client
type Client struct {
	ID     string
	conn   *websocket.Conn
	send   chan *Message
	server *Server
}

// NewServer creates the admin server for e and registers it as an observer
func NewServer(e *engine.Engine, gc *journal.GarbageCollector, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		engine:    e,
		gc:        gc,
		logger:    logger,
		clients:   make(map[string]*Client),
		broadcast: make(chan *Message, 256),
		done:      make(chan struct{}),
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.logRequests(), cors())
	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/head", s.head)
	router.POST("/sync", s.runSync)
	router.POST("/recover/:clusterID", s.recoverCluster)
	router.POST("/gc", s.collectGarbage)
	router.GET("/ws", s.handleWebSocket)
	s.router = router

	go s.handleBroadcast()
	e.AddObserver(s)
	return s
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr in the background. errorCallback receives errors
// other than a regular shutdown.
func (s *Server) Start(addr string, errorCallback func(err error)) {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorCallback(err)
		}
	}()
	s.logger.Info("admin server listening", zap.String("addr", addr))
}

// Shutdown stops the HTTP server and disconnects all websocket clients
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })
	if s.http == nil {
		return nil
	}
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// ContentChanged queues a head change for all websocket clients
func (s *Server) ContentChanged(change observer.Change) {
	msg := &Message{
		Type: "head",
		Payload: HeadChange{
			Before:   change.Before.String(),
			After:    change.After.String(),
			External: change.External,
			Paths:    change.Changes.Paths(),
		},
	}
	select {
	case s.broadcast <- msg:
	default:
		s.logger.Warn("websocket broadcast queue full, dropping head change")
	}
}

// ClientCount returns the number of connected websocket clients
func (s *Server) ClientCount() int {
	s.clientsMux.RLock()
	defer s.clientsMux.RUnlock()
	return len(s.clients)
}

func (s *Server) handleBroadcast() {
	for {
		select {
		case <-s.done:
			s.clientsMux.Lock()
			for id, client := range s.clients {
				close(client.send)
				delete(s.clients, id)
			}
			s.clientsMux.Unlock()
			return
		case msg := <-s.broadcast:
			s.clientsMux.Lock()
			for id, client := range s.clients {
				select {
				case client.send <- msg:
				default:
					// slow client
					close(client.send)
					delete(s.clients, id)
				}
			}
			s.clientsMux.Unlock()
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "cluster_id": s.engine.ClusterID()})
}

func (s *Server) head(c *gin.Context) {
	head := s.engine.HeadRevision()
	revs := make([]string, 0, head.Len())
	for _, r := range head.Revisions() {
		revs = append(revs, r.String())
	}
	c.JSON(http.StatusOK, gin.H{
		"cluster_id": s.engine.ClusterID(),
		"head":       head.String(),
		"revisions":  revs,
	})
}

func (s *Server) runSync(c *gin.Context) {
	if err := s.engine.RunBackgroundOperations(c.Request.Context()); err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"head": s.engine.HeadRevision().String()})
}

func (s *Server) recoverCluster(c *gin.Context) {
	clusterID, err := strconv.Atoi(c.Param("clusterID"))
	if err != nil || clusterID <= 0 {
		s.fail(c, http.StatusBadRequest, fmt.Errorf("invalid cluster id %q", c.Param("clusterID")))
		return
	}
	n, err := s.engine.Agent().RecoverCluster(c.Request.Context(), clusterID)
	if errors.Is(err, lastrev.ErrInvalidArgument) {
		s.fail(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cluster_id": clusterID, "recovered": n})
}

func (s *Server) collectGarbage(c *gin.Context) {
	maxAge, err := time.ParseDuration(c.DefaultQuery("maxAge", "24h"))
	if err != nil || maxAge < 0 {
		s.fail(c, http.StatusBadRequest, fmt.Errorf("invalid maxAge %q", c.Query("maxAge")))
		return
	}
	n, err := s.gc.GC(c.Request.Context(), maxAge)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n, "max_age": maxAge.String()})
}

func (s *Server) fail(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("admin request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}
	client := &Client{
		ID:     clientID,
		conn:   conn,
		send:   make(chan *Message, 256),
		server: s,
	}

	s.clientsMux.Lock()
	if old, ok := s.clients[clientID]; ok {
		close(old.send)
	}
	s.clients[clientID] = client
	s.clientsMux.Unlock()

	go client.writePump()
	go client.readPump()

	s.logger.Debug("websocket client connected", zap.String("client_id", clientID))
}

// readPump only watches for the connection to close; clients do not send
func (c *Client) readPump() {
	defer func() {
		c.server.clientsMux.Lock()
		if cur, ok := c.server.clients[c.ID]; ok && cur == c {
			close(c.send)
			delete(c.server.clients, c.ID)
		}
		c.server.clientsMux.Unlock()
		c.conn.Close()
		c.server.logger.Debug("websocket client disconnected", zap.String("client_id", c.ID))
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			c.server.logger.Warn("websocket write failed", zap.Error(err))
			return
		}
	}
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("admin request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}
