package http

import (
	"fmt"
	"io"
	"net/http"

	"github.com/couchcryptid/storm-alert-service/internal/domain"
	"github.com/couchcryptid/storm-alert-service/internal/fallback"
	"github.com/gin-gonic/gin"
)

// streamBuffer is the number of events a slow client may fall behind by
// before further events are dropped.
const streamBuffer = 64

type streamEvent struct {
	name string
	data any
}

// eventQueue hands realtime callbacks to the stream writer. Callbacks run on
// the hub dispatch goroutine so the send never blocks.
type eventQueue struct {
	ch     chan streamEvent
	server *Server
	owner  string
}

func (s *Server) newEventQueue(owner domain.Addressee) *eventQueue {
	return &eventQueue{ch: make(chan streamEvent, streamBuffer), server: s, owner: owner.Key()}
}

func (q *eventQueue) push(name string, data any) {
	select {
	case q.ch <- streamEvent{name: name, data: data}:
	default:
		q.server.logger.Warn("event stream full, dropping event", "addressee", q.owner, "event", name)
	}
}

func (q *eventQueue) sosChange(typ domain.ChangeType, alert domain.SOSAlert) {
	q.push("sos", gin.H{"type": typ, "alert": alert})
}

func (q *eventQueue) announcements(res fallback.Result[[]domain.Announcement]) {
	q.push("announcements", res.Value)
}

// Both streams subscribe before taking the snapshot. A change committed in
// between then arrives on the feed and in the snapshot; ids dedupe it.
func (s *Server) userEvents(c *gin.Context) {
	ctx := c.Request.Context()
	u := userFrom(c)
	q := s.newEventQueue(u.Addressee())

	syncer := s.synchronizer()
	defer syncer.Close()
	if err := syncer.Subscribe(ctx, u.Addressee(), func(n domain.Notification) { q.push("notification", n) }); err != nil {
		s.writeError(c, err)
		return
	}
	notes, err := syncer.FetchSnapshot(ctx, u.Addressee())
	if err != nil {
		s.writeError(c, err)
		return
	}

	tracker := s.tracker()
	defer tracker.Close()
	if err := tracker.SubscribeForUser(ctx, u.ID, q.sosChange); err != nil {
		s.writeError(c, err)
		return
	}
	alerts, err := tracker.ListForUser(ctx, u.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	unsubscribe, err := s.deps.Places.SubscribeAnnouncements(ctx, 0, q.announcements)
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer unsubscribe()

	s.stream(c, gin.H{
		"notifications": notes.Value,
		"unread":        syncer.Unread(),
		"sos_alerts":    alerts.Value,
		"degraded":      notes.Degraded || alerts.Degraded,
	}, q.ch)
}

func (s *Server) adminEvents(c *gin.Context) {
	ctx := c.Request.Context()
	a := adminFrom(c)
	q := s.newEventQueue(a.Addressee())

	syncer := s.synchronizer()
	defer syncer.Close()
	if err := syncer.Subscribe(ctx, a.Addressee(), func(n domain.Notification) { q.push("notification", n) }); err != nil {
		s.writeError(c, err)
		return
	}
	notes, err := syncer.FetchSnapshot(ctx, a.Addressee())
	if err != nil {
		s.writeError(c, err)
		return
	}

	initial := gin.H{
		"notifications": notes.Value,
		"unread":        syncer.Unread(),
		"degraded":      notes.Degraded,
	}

	tracker := s.tracker()
	defer tracker.Close()
	if a.HasPermission(domain.PermManageAlerts) {
		if err := tracker.SubscribeAll(ctx, q.sosChange); err != nil {
			s.writeError(c, err)
			return
		}
		alerts, err := tracker.List(ctx, "")
		if err != nil {
			s.writeError(c, err)
			return
		}
		initial["sos_alerts"] = alerts.Value
		initial["degraded"] = notes.Degraded || alerts.Degraded
	}

	unsubscribe, err := s.deps.Places.SubscribeAnnouncements(ctx, 0, q.announcements)
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer unsubscribe()

	s.stream(c, initial, q.ch)
}

// stream writes the snapshot event, then relays queued events and keepalive
// comments until the client goes away.
func (s *Server) stream(c *gin.Context, snapshot gin.H, events <-chan streamEvent) {
	s.deps.Metrics.ActiveStreams.Inc()
	defer s.deps.Metrics.ActiveStreams.Dec()

	ticker := s.deps.Clock.NewTicker(s.deps.KeepAlive)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent("snapshot", snapshot)
	c.Writer.Flush()

	done := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-done:
			return false
		case ev := <-events:
			c.SSEvent(ev.name, ev.data)
			return true
		case <-ticker.Chan():
			_, err := fmt.Fprint(w, ": keepalive\n\n")
			return err == nil
		}
	})
}
