package progress

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/types"
)

// ServeSSE streams a job's progress events as Server-Sent Events
// until the client disconnects. The current snapshot is sent first,
// then live deltas: the hub replays its retained last event, and when
// it has none (pending jobs, or any job after a restart) one is
// synthesized from the job record.
func ServeSSE(w http.ResponseWriter, r *http.Request, hub *Hub, job *types.Job, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := hub.Subscribe(job.ID)
	defer cancel()

	if _, ok := hub.Snapshot(job.ID); !ok {
		if err := writeSSE(w, SnapshotEvent(job), logger); err != nil {
			return
		}
		flusher.Flush()
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, ev, logger); err != nil {
				// Best-effort delivery: a broken pipe ends the stream.
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev Event, logger *zap.Logger) error {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Warn("failed to encode progress event", zap.Error(err))
		return nil
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
