package controlapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gapmesh/core/internal/identity"
)

type loginRequest struct {
	Secret string `json:"secret" binding:"required"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type peerInfo struct {
	PeerID   string `json:"peer_id"`
	Nickname string `json:"nickname,omitempty"`
}

type statusResponse struct {
	PeerID      string `json:"peer_id"`
	Fingerprint string `json:"fingerprint"`
	Nickname    string `json:"nickname,omitempty"`
	PeerCount   int    `json:"peer_count"`
}

type sendRequest struct {
	Peer string `json:"peer" binding:"required"`
	Text string `json:"text" binding:"required"`
}

type panicWipeResponse struct {
	Wiped bool `json:"wiped"`
}

func (s *Server) setupRoutes(r *gin.Engine) {
	r.POST("/v1/auth/login", s.handleLogin)

	v1 := r.Group("/v1")
	v1.Use(authMiddleware(s.jwtSecret))
	{
		v1.GET("/peers", s.handlePeers)
		v1.GET("/status", s.handleStatus)
		v1.POST("/send", s.handleSend)
		v1.POST("/panic-wipe", s.handlePanicWipe)
		v1.GET("/events", s.ws.handleUpgrade)
	}
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !checkPairingSecret(c.Request.Context(), s.kc, req.Secret) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid pairing secret"})
		return
	}

	token, expiresAt, err := generateToken(s.jwtSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate token failed"})
		return
	}

	c.JSON(http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}

func (s *Server) handlePeers(c *gin.Context) {
	snapshot := s.ctrl.Peers()
	result := make([]peerInfo, 0, len(snapshot))
	for peer, nick := range snapshot {
		result = append(result, peerInfo{PeerID: peer.String(), Nickname: nick})
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleStatus(c *gin.Context) {
	id := s.ctrl.Identity()
	c.JSON(http.StatusOK, statusResponse{
		PeerID:      id.PeerID.String(),
		Fingerprint: id.Fingerprint.String(),
		Nickname:    s.ctrl.Nickname(),
		PeerCount:   len(s.ctrl.Peers()),
	})
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	peer, err := identity.FromHex(req.Peer)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id: " + err.Error()})
		return
	}

	if err := s.ctrl.SendPrivate(peer, req.Text); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}

func (s *Server) handlePanicWipe(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	if err := s.ctrl.PanicWipe(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, panicWipeResponse{Wiped: true})
}
