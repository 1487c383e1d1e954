package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/couchcryptid/storm-alert-service/internal/backend"
	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/places"
	"github.com/gin-gonic/gin"
)

func (s *Server) userRoutes(g *gin.RouterGroup) {
	g.GET("/login", s.redirectSignedIn(), s.loginPage(userLogin))
	g.POST("/login", s.userSignIn)
	g.POST("/signup", s.userSignUp)
	g.POST("/refresh", s.userRefresh)

	p := g.Group("", s.requireUser())
	p.POST("/logout", s.userSignOut)
	p.GET("/dashboard", s.userDashboard)
	p.GET("/events", s.userEvents)

	p.GET("/notifications", s.listNotifications)
	p.GET("/notifications/stats", s.userNotificationStats)
	p.POST("/notifications/:id/read", s.markRead)
	p.POST("/notifications/read-all", s.markAllRead)
	p.DELETE("/notifications", s.clearNotifications)

	p.GET("/sos", s.userAlerts)
	p.POST("/sos", s.sendSOS)
	p.POST("/sos/reconcile", s.reconcileSOS)

	p.GET("/favorites", s.favorites)
	p.POST("/favorites", s.addFavorite)
	p.DELETE("/favorites/:id", s.removeFavorite)

	p.GET("/locations", s.markedLocations)
	p.POST("/locations", s.markLocation)
	p.GET("/locations/:id", s.markedLocation)
	p.DELETE("/locations/:id", s.deleteMarkedLocation)

	p.GET("/announcements", s.announcements)

	p.GET("/preferences", s.preferences)
	p.PUT("/preferences", s.savePreferences)
	p.POST("/preferences/test", s.sendTestNotification)

	p.GET("/weather", s.loadWeather)
	p.PUT("/weather", s.saveWeather)
	p.POST("/weather/alerts", s.sendWeatherAlert)
}

func (s *Server) userDashboard(c *gin.Context) {
	ctx := c.Request.Context()
	u := userFrom(c)

	syncer := s.synchronizer()
	defer syncer.Close()
	notes, err := syncer.FetchSnapshot(ctx, u.Addressee())
	if err != nil {
		s.writeError(c, err)
		return
	}
	tracker := s.tracker()
	defer tracker.Close()
	alerts, err := tracker.ListForUser(ctx, u.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	favorites, err := s.deps.Places.Favorites(ctx, u.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	announcements, err := s.deps.Places.Announcements(ctx, places.DefaultAnnouncementLimit)
	if err != nil {
		s.writeError(c, err)
		return
	}

	markDegraded(c, notes.Degraded, alerts.Degraded, favorites.Degraded, announcements.Degraded)
	c.JSON(http.StatusOK, gin.H{
		"user":          u,
		"notifications": notes.Value,
		"unread":        syncer.Unread(),
		"sos_alerts":    alerts.Value,
		"favorites":     favorites.Value,
		"announcements": announcements.Value,
	})
}

// principalAddressee returns the addressee of whoever is signed in.
func principalAddressee(c *gin.Context) domain.Addressee {
	return c.MustGet(ctxPrincipal).(domain.Principal).Addressee()
}

func (s *Server) listNotifications(c *gin.Context) {
	syncer := s.synchronizer()
	defer syncer.Close()
	res, err := syncer.FetchSnapshot(c.Request.Context(), principalAddressee(c))
	if err != nil {
		s.writeError(c, err)
		return
	}
	markDegraded(c, res.Degraded)
	c.JSON(http.StatusOK, gin.H{"notifications": res.Value, "unread": syncer.Unread()})
}

// visibleNotification loads a notification and checks the caller may see it.
func (s *Server) visibleNotification(ctx context.Context, id string, to domain.Addressee) error {
	rows, err := backend.SelectInto[domain.Notification](ctx, s.deps.Tables, backend.Query{
		Table:   backend.TableNotifications,
		Filters: []backend.Filter{backend.Eq("id", id)},
		Limit:   1,
	})
	if err != nil {
		return err
	}
	if len(rows) == 0 || !rows[0].VisibleTo(to) {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Server) markRead(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := s.visibleNotification(ctx, id, principalAddressee(c)); err != nil {
		s.writeError(c, err)
		return
	}
	syncer := s.synchronizer()
	defer syncer.Close()
	state, err := syncer.MarkRead(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "sync_state": state})
}

func (s *Server) markAllRead(c *gin.Context) {
	syncer := s.synchronizer()
	defer syncer.Close()
	if err := syncer.MarkAllRead(c.Request.Context(), principalAddressee(c)); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) clearNotifications(c *gin.Context) {
	syncer := s.synchronizer()
	defer syncer.Close()
	if err := syncer.Clear(c.Request.Context(), principalAddressee(c)); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) userNotificationStats(c *gin.Context) {
	stats, err := s.deps.Broadcaster.Stats(c.Request.Context(), userFrom(c).ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) userAlerts(c *gin.Context) {
	tracker := s.tracker()
	defer tracker.Close()
	res, err := tracker.ListForUser(c.Request.Context(), userFrom(c).ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	markDegraded(c, res.Degraded)
	c.JSON(http.StatusOK, res.Value)
}

type sosRequest struct {
	Latitude         *float64 `json:"latitude"`
	Longitude        *float64 `json:"longitude"`
	MarkedLocationID string   `json:"marked_location_id"`
}

// sendSOS raises an alert at the given coordinates or at a marked location.
// A failed backend insert still answers 202 with sync_state "failed".
func (s *Server) sendSOS(c *gin.Context) {
	ctx := c.Request.Context()
	u := userFrom(c)
	var req sosRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	coords := domain.Coordinates{Latitude: req.Latitude, Longitude: req.Longitude}
	var marked *domain.MarkedLocation
	if req.MarkedLocationID != "" {
		loc, err := s.deps.Places.MarkedLocation(ctx, u.ID, req.MarkedLocationID)
		if err != nil {
			s.writeError(c, err)
			return
		}
		marked = &loc
		if coords.Latitude == nil && coords.Longitude == nil {
			coords = domain.Coords(loc.Latitude, loc.Longitude)
		}
	}

	tracker := s.tracker()
	defer tracker.Close()
	alert, err := tracker.Send(ctx, u, coords, marked)
	if err != nil {
		s.writeError(c, err)
		return
	}
	status := http.StatusCreated
	if alert.SyncState == domain.SyncFailed {
		status = http.StatusAccepted
		markDegraded(c, true)
	}
	c.JSON(status, alert)
}

func (s *Server) reconcileSOS(c *gin.Context) {
	tracker := s.tracker()
	defer tracker.Close()
	n, err := tracker.Reconcile(c.Request.Context(), userFrom(c).ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciled": n})
}

func (s *Server) favorites(c *gin.Context) {
	res, err := s.deps.Places.Favorites(c.Request.Context(), userFrom(c).ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	markDegraded(c, res.Degraded)
	c.JSON(http.StatusOK, res.Value)
}

func (s *Server) addFavorite(c *gin.Context) {
	var fav domain.FavoriteLocation
	if err := c.ShouldBindJSON(&fav); err != nil {
		writeBindError(c, err)
		return
	}
	res, err := s.deps.Places.AddFavorite(c.Request.Context(), userFrom(c).ID, fav)
	if err != nil {
		s.writeError(c, err)
		return
	}
	markDegraded(c, res.Degraded)
	c.JSON(http.StatusCreated, res.Value)
}

func (s *Server) removeFavorite(c *gin.Context) {
	if err := s.deps.Places.RemoveFavorite(c.Request.Context(), userFrom(c).ID, c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) markedLocations(c *gin.Context) {
	list, err := s.deps.Places.MarkedLocations(c.Request.Context(), userFrom(c).ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) markLocation(c *gin.Context) {
	var req struct {
		domain.Coordinates
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	loc, err := s.deps.Places.Mark(c.Request.Context(), userFrom(c).ID, req.Coordinates, req.Name, req.Description)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, loc)
}

func (s *Server) markedLocation(c *gin.Context) {
	loc, err := s.deps.Places.MarkedLocation(c.Request.Context(), userFrom(c).ID, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loc)
}

func (s *Server) deleteMarkedLocation(c *gin.Context) {
	if err := s.deps.Places.DeleteMarkedLocation(c.Request.Context(), userFrom(c).ID, c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) announcements(c *gin.Context) {
	res, err := s.deps.Places.Announcements(c.Request.Context(), 0)
	if err != nil {
		s.writeError(c, err)
		return
	}
	markDegraded(c, res.Degraded)
	c.JSON(http.StatusOK, res.Value)
}

func (s *Server) preferences(c *gin.Context) {
	res, err := s.deps.Preferences.Get(c.Request.Context(), userFrom(c).ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	markDegraded(c, res.Degraded)
	c.JSON(http.StatusOK, res.Value)
}

func (s *Server) savePreferences(c *gin.Context) {
	var p domain.NotificationPreferences
	if err := c.ShouldBindJSON(&p); err != nil {
		writeBindError(c, err)
		return
	}
	res, err := s.deps.Preferences.Save(c.Request.Context(), userFrom(c).ID, p)
	if err != nil {
		s.writeError(c, err)
		return
	}
	markDegraded(c, res.Degraded)
	c.JSON(http.StatusOK, res.Value)
}

func (s *Server) sendTestNotification(c *gin.Context) {
	n, err := s.deps.Preferences.SendTest(c.Request.Context(), userFrom(c).ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, n)
}

func (s *Server) loadWeather(c *gin.Context) {
	snap, found, err := s.deps.Places.LoadWeather(c.Request.Context(), userFrom(c).ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !found {
		s.writeError(c, domain.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) saveWeather(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		writeBindError(c, err)
		return
	}
	snap, err := s.deps.Places.SaveWeather(c.Request.Context(), userFrom(c).ID, json.RawMessage(data))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) sendWeatherAlert(c *gin.Context) {
	var req struct {
		Title       string `json:"title" binding:"required"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	n, err := s.deps.Broadcaster.SendWeatherAlert(c.Request.Context(), userFrom(c).ID, req.Title, req.Description)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, n)
}
