package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/containerd/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/nkasozi/svc-task-details-repository-manager/internal/recontasks"
)

const eventWriteTimeout = 5 * time.Second

// handleEvents streams task events over a websocket until the client goes
// away. An optional taskId query parameter narrows the stream to one task.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, string(recontasks.KindNotFound), "event stream disabled", correlationID)
		return
	}
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		writeError(w, http.StatusBadRequest, string(recontasks.KindBadClientRequest), "websocket upgrade required", correlationID)
		return
	}
	taskFilter := strings.TrimSpace(r.URL.Query().Get("taskId"))

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.G(r.Context()).WithError(err).Warn("websocket accept failed")
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := s.events.Subscribe()
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "event stream closed")
				return
			}
			if taskFilter != "" && event.TaskID != taskFilter {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				log.G(ctx).WithError(err).Debug("event stream write failed")
				return
			}
		}
	}
}
