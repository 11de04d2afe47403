package server

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/studiogen/livestudio/internal/livesession"
	"github.com/studiogen/livestudio/internal/observe"
)

const feedWriteTimeout = 5 * time.Second

// feedMessage is one frame on the live feed.
type feedMessage struct {
	// Type is "snapshot" for the first frame and "update" afterwards.
	Type     string                `json:"type"`
	Snapshot *livesession.Snapshot `json:"snapshot,omitempty"`
	Update   *livesession.Update   `json:"update,omitempty"`
}

// handleFeed upgrades to a websocket and streams a snapshot followed by every
// [livesession.Update] until the client goes away. The feed is read-only;
// inbound data messages close the connection.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	// Origin policy is enforced above.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		// Accept has already written the HTTP error.
		observe.Logger(r.Context()).Debug("feed upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()
	log := observe.Logger(r.Context()).With("remote", r.RemoteAddr)

	// Subscribe before the snapshot so no update falls in between.
	updates, cancel := s.sessions.Subscribe()
	defer cancel()

	// CloseRead answers pings and close frames; ctx ends when the client goes.
	ctx := conn.CloseRead(r.Context())

	snap := s.sessions.Snapshot()
	if err := send(ctx, conn, feedMessage{Type: "snapshot", Snapshot: &snap}); err != nil {
		return
	}
	log.Debug("feed connected")

	ping := time.NewTicker(s.feedPing)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug("feed disconnected")
			return
		case u, ok := <-updates:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "session manager stopped")
				return
			}
			if err := send(ctx, conn, feedMessage{Type: "update", Update: &u}); err != nil {
				log.Debug("feed write failed", "err", err)
				return
			}
		case <-ping.C:
			pctx, pcancel := context.WithTimeout(ctx, feedWriteTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				log.Debug("feed ping failed", "err", err)
				return
			}
		}
	}
}

func send(ctx context.Context, conn *websocket.Conn, msg feedMessage) error {
	ctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

// checkOrigin accepts requests without an Origin header, same-host origins
// and the configured allow list.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(s.origins, "*") || slices.Contains(s.origins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
