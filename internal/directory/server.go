// Package directory implements the reference PeerDirectory collaborator
// (spec.md §6): a centralized peer_id → address registry with a gin
// HTTP API, gorm/sqlite storage, JWT-guarded admin routes, and a
// gorilla/websocket push channel for peer-registration events.
// Grounded directly on the teacher's internal/controller package, with
// its Network/Node/Member/Rule virtual-network ACL schema narrowed to
// the single Peer registry this system needs.
package directory

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Server is the centralized peer registry service.
type Server struct {
	db        *gorm.DB
	router    *gin.Engine
	watch     *watchHub
	jwtSecret string
	config    Config
	log       *slog.Logger
}

// New opens the registry database, seeds the admin account if needed,
// and wires up the gin router.
func New(cfg Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := InitDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("directory: init database: %w", err)
	}

	s := &Server{
		db:        db,
		jwtSecret: cfg.JWTSecret,
		config:    cfg,
		log:       log.With("component", "directory"),
	}

	if err := s.ensureAdminUser(cfg.Admin.Username, cfg.Admin.Password); err != nil {
		return nil, fmt.Errorf("directory: create admin user: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	s.watch = newWatchHub(log)
	s.router = router
	s.setupRoutes(router)

	return s, nil
}

// Run starts the HTTP server, blocking until it exits.
func (s *Server) Run() error {
	s.log.Info("directory starting", "listen", s.config.Listen)
	return s.router.Run(s.config.Listen)
}

func (s *Server) ensureAdminUser(username, password string) error {
	var count int64
	s.db.Model(&AdminUser{}).Count(&count)
	if count > 0 {
		return nil
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return s.db.Create(&AdminUser{Username: username, Password: hash}).Error
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes(r *gin.Engine) {
	r.POST("/api/v1/auth/login", s.handleLogin)
	r.GET("/api/v1/peers/watch", s.watch.HandleWatch)

	// Unauthenticated: any peer can look itself up or register its own
	// reachable address, mirroring how zerogo agents join over their
	// controller websocket without a bearer token.
	r.GET("/api/v1/peers/:peer_id", s.handleFind)
	r.POST("/api/v1/peers", s.handleRegister)

	admin := r.Group("/api/v1/admin")
	admin.Use(AuthMiddleware(s.jwtSecret))
	{
		admin.GET("/peers", s.handleListPeers)
		admin.DELETE("/peers/:peer_id", s.handleDeletePeer)
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var user AdminUser
	if err := s.db.Where("username = ?", req.Username).First(&user).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if !CheckPassword(req.Password, user.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, expiresAt, err := GenerateToken(&user, s.jwtSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": expiresAt})
}

// handleFind implements PeerDirectory.find(peer_id) over HTTP.
func (s *Server) handleFind(c *gin.Context) {
	peerID := c.Param("peer_id")
	var peer Peer
	if err := s.db.First(&peer, "peer_id = ?", peerID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not found"})
		return
	}
	c.JSON(http.StatusOK, peer)
}

type registerRequest struct {
	PeerID    string `json:"peer_id" binding:"required"`
	Address   string `json:"address" binding:"required"`
	Port      int    `json:"port" binding:"required"`
	PublicKey string `json:"public_key"`
	Platform  string `json:"platform"`
}

// handleRegister implements PeerDirectory.register(peer_id, address, port).
func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	peer := Peer{
		PeerID:    req.PeerID,
		Address:   req.Address,
		Port:      req.Port,
		PublicKey: req.PublicKey,
		Platform:  req.Platform,
		LastSeen:  time.Now(),
	}
	if err := s.db.Where("peer_id = ?", req.PeerID).Assign(peer).FirstOrCreate(&peer).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "register failed"})
		return
	}

	s.watch.Broadcast(PeerEvent{Type: "registered", PeerID: peer.PeerID, Address: peer.Address, Port: peer.Port})
	s.log.Info("peer registered", "peer_id", peer.PeerID, "address", peer.Address, "port", peer.Port)
	c.JSON(http.StatusOK, peer)
}

func (s *Server) handleListPeers(c *gin.Context) {
	var peers []Peer
	s.db.Find(&peers)
	c.JSON(http.StatusOK, peers)
}

func (s *Server) handleDeletePeer(c *gin.Context) {
	peerID := c.Param("peer_id")
	s.db.Where("peer_id = ?", peerID).Delete(&Peer{})
	s.watch.Broadcast(PeerEvent{Type: "removed", PeerID: peerID})
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
