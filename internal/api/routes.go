package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/exoengine/exocore/internal/session"
	"github.com/exoengine/exocore/internal/util"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 1000
)

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not available"})
}

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleServerInfo returns what DISCOVER_REQUEST would advertise plus host
// details.
func (s *Server) handleServerInfo(c *gin.Context) {
	resp := gin.H{
		"uptime_sec": int64(s.uptime().Seconds()),
		"system":     util.GetSystemInfo(),
	}
	if srv := s.deps.Session; srv != nil {
		cfg := srv.Config()
		resp["name"] = cfg.Name
		resp["version"] = cfg.Version
		resp["clients"] = srv.ConnectedCount()
		resp["clients_max"] = cfg.MaxClients
		resp["transport"] = srv.Socket().Kind().String()
		resp["port"] = srv.Socket().Port()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{"uptime_sec": int64(s.uptime().Seconds())}

	if srv := s.deps.Session; srv != nil {
		sock := srv.Socket()
		resp["socket"] = gin.H{
			"transport":   sock.Kind().String(),
			"bound":       sock.IsBound(),
			"port":        sock.Port(),
			"clients":     sock.ClientCount(),
			"connected":   srv.ConnectedCount(),
			"clients_max": srv.Config().MaxClients,
		}
	}
	if s.deps.Queue != nil {
		resp["tasks"] = s.deps.Queue.Stats()
	}
	if s.deps.Alarms != nil {
		resp["alarms"] = s.deps.Alarms.Len()
	}
	if cpu, err := util.GetCPUUsage(); err == nil {
		resp["cpu_percent"] = cpu
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		resp["memory"] = mem
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSessions(c *gin.Context) {
	if s.deps.Session == nil {
		unavailable(c, "session server")
		return
	}
	peers := s.deps.Session.Peers()
	c.JSON(http.StatusOK, gin.H{
		"peers": peers,
		"total": len(peers),
	})
}

func (s *Server) handleAlarms(c *gin.Context) {
	if s.deps.Alarms == nil {
		unavailable(c, "alarm queue")
		return
	}
	alarms := s.deps.Alarms.Pending()
	c.JSON(http.StatusOK, gin.H{
		"alarms": alarms,
		"total":  len(alarms),
	})
}

func (s *Server) handleAudit(c *gin.Context) {
	if s.deps.Audit == nil {
		unavailable(c, "audit log")
		return
	}

	limit := defaultAuditLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxAuditLimit)
	}

	entries, err := s.deps.Audit.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	counts, err := s.deps.Audit.OutcomeCounts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":  entries,
		"outcomes": counts,
	})
}

// handleConfig returns the runtime configuration sections. The admin token
// is never echoed back.
func (s *Server) handleConfig(c *gin.Context) {
	if s.deps.Config == nil {
		unavailable(c, "configuration")
		return
	}
	api := s.deps.Config.GetAPI()
	api.AdminToken = ""
	c.JSON(http.StatusOK, gin.H{
		"path":      s.deps.Config.Path(),
		"network":   s.deps.Config.GetNetwork(),
		"scheduler": s.deps.Config.GetScheduler(),
		"api":       api,
	})
}

type broadcastRequest struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) handleBroadcast(c *gin.Context) {
	if s.deps.Session == nil {
		unavailable(c, "session server")
		return
	}
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	n := s.deps.Session.Broadcast(req.Text)
	c.JSON(http.StatusOK, gin.H{"delivered": n})
}

func (s *Server) handleKick(c *gin.Context) {
	if s.deps.Session == nil {
		unavailable(c, "session server")
		return
	}
	name := c.Param("name")
	if err := s.deps.Session.Kick(name); err != nil {
		if errors.Is(err, session.ErrUnknownPeer) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"kicked": name})
}
