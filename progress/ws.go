package progress

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/types"
)

// ServeWS upgrades the request to a WebSocket and streams a job's
// progress events as JSON frames. The current snapshot is sent first:
// the hub replays its retained last event, and when it has none
// (pending jobs, or any job after a restart) one is synthesized from
// the job record. Write failures end the stream; they are logged,
// never propagated into job execution.
func ServeWS(w http.ResponseWriter, r *http.Request, hub *Hub, job *types.Job, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "ws_progress"), zap.String("job_id", job.ID))

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	events, cancel := hub.Subscribe(job.ID)
	defer cancel()

	ctx := r.Context()

	// Drain client frames so pings and close frames are processed.
	readCtx, stopRead := context.WithCancel(ctx)
	defer stopRead()
	go func() {
		for {
			if _, _, err := conn.Read(readCtx); err != nil {
				return
			}
		}
	}()

	if _, ok := hub.Snapshot(job.ID); !ok {
		ev := SnapshotEvent(job)
		if err := wsjson.Write(ctx, conn, ev); err != nil {
			logger.Debug("websocket write failed", zap.Error(err))
			return
		}
		if ev.Type == EventComplete || ev.Type == EventError {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				logger.Debug("websocket write failed", zap.Error(err))
				return
			}
			if ev.Type == EventComplete || ev.Type == EventError {
				return
			}
		}
	}
}
