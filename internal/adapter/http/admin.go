package http

import (
	"net/http"
	"strings"

	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/gin-gonic/gin"
)

func (s *Server) adminRoutes(g *gin.RouterGroup) {
	g.GET("/login", s.redirectSignedIn(), s.loginPage(adminLogin))
	g.POST("/login", s.adminSignIn)

	p := g.Group("", s.requireAdmin())
	p.POST("/logout", s.adminSignOut)
	p.GET("/dashboard", s.adminDashboard)
	p.GET("/events", s.adminEvents)

	p.GET("/notifications", s.listNotifications)
	p.POST("/notifications", s.sendNotification)
	p.POST("/notifications/:id/read", s.markRead)
	p.POST("/notifications/read-all", s.markAllRead)
	p.DELETE("/notifications", s.clearNotifications)

	alerts := p.Group("/sos", requirePermission(domain.PermManageAlerts))
	alerts.GET("", s.adminAlerts)
	alerts.POST("/:id/respond", s.respondSOS)
	alerts.POST("/:id/resolve", s.resolveSOS)
	p.GET("/sos/stats", requirePermission(domain.PermViewReports), s.sosStats)

	p.GET("/announcements", s.announcements)
	p.POST("/announcements", requirePermission(domain.PermSystemConfig), s.createAnnouncement)
	p.DELETE("/announcements/:id", requirePermission(domain.PermSystemConfig), s.deleteAnnouncement)

	users := p.Group("/users/:id", requirePermission(domain.PermManageUsers))
	users.GET("/notifications/stats", s.notificationStatsFor)
	users.POST("/notifications/prune", s.pruneRead)
}

func (s *Server) adminDashboard(c *gin.Context) {
	ctx := c.Request.Context()
	a := adminFrom(c)

	syncer := s.synchronizer()
	defer syncer.Close()
	notes, err := syncer.FetchSnapshot(ctx, a.Addressee())
	if err != nil {
		s.writeError(c, err)
		return
	}
	tracker := s.tracker()
	defer tracker.Close()
	active, err := tracker.List(ctx, domain.SOSActive)
	if err != nil {
		s.writeError(c, err)
		return
	}
	stats, err := tracker.Stats(ctx)
	if err != nil {
		s.writeError(c, err)
		return
	}
	announcements, err := s.deps.Places.Announcements(ctx, 0)
	if err != nil {
		s.writeError(c, err)
		return
	}

	markDegraded(c, notes.Degraded, active.Degraded, stats.Degraded, announcements.Degraded)
	c.JSON(http.StatusOK, gin.H{
		"admin":         a,
		"notifications": notes.Value,
		"unread":        syncer.Unread(),
		"active_alerts": active.Value,
		"sos_stats":     stats.Value,
		"announcements": announcements.Value,
	})
}

func (s *Server) sendNotification(c *gin.Context) {
	var req struct {
		To      string                  `json:"to" binding:"required"`
		Title   string                  `json:"title" binding:"required"`
		Message string                  `json:"message"`
		Type    domain.NotificationType `json:"type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	n, err := s.deps.Broadcaster.Send(c.Request.Context(), domain.NotificationDraft{
		To:      domain.ParseAddressee(req.To),
		Title:   req.Title,
		Message: req.Message,
		Type:    req.Type,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, n)
}

func (s *Server) adminAlerts(c *gin.Context) {
	tracker := s.tracker()
	defer tracker.Close()
	list, err := tracker.List(c.Request.Context(), domain.SOSStatus(c.Query("status")))
	if err != nil {
		s.writeError(c, err)
		return
	}
	markDegraded(c, list.Degraded)
	c.JSON(http.StatusOK, list.Value)
}

func (s *Server) respondSOS(c *gin.Context) {
	var req struct {
		Response string `json:"response"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	tracker := s.tracker()
	defer tracker.Close()
	alert, err := tracker.Respond(c.Request.Context(), c.Param("id"), adminFrom(c).ID, req.Response)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (s *Server) resolveSOS(c *gin.Context) {
	tracker := s.tracker()
	defer tracker.Close()
	alert, err := tracker.Resolve(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (s *Server) sosStats(c *gin.Context) {
	tracker := s.tracker()
	defer tracker.Close()
	stats, err := tracker.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	markDegraded(c, stats.Degraded)
	c.JSON(http.StatusOK, stats.Value)
}

func (s *Server) createAnnouncement(c *gin.Context) {
	var a domain.Announcement
	if err := c.ShouldBindJSON(&a); err != nil {
		writeBindError(c, err)
		return
	}
	stored, sent, err := s.deps.Places.CreateAnnouncement(c.Request.Context(), a)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"announcement": stored, "recipients": sent})
}

func (s *Server) deleteAnnouncement(c *gin.Context) {
	if err := s.deps.Places.DeleteAnnouncement(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) notificationStatsFor(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	stats, err := s.deps.Broadcaster.Stats(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) pruneRead(c *gin.Context) {
	n, err := s.deps.Broadcaster.PruneRead(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pruned": n})
}
