package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jordanhubbard/tokenrelay/internal/events"
)

// sseKeepAlive is the interval of comment lines that keep idle proxies
// from closing the stream.
var sseKeepAlive = 25 * time.Second

// SSEHandler streams bus events as Server-Sent Events. An optional
// ?types=a,b query restricts the stream to those event types.
func SSEHandler(bus *events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		var only map[events.EventType]bool
		if q := r.URL.Query().Get("types"); q != "" {
			only = make(map[events.EventType]bool)
			for _, t := range strings.Split(q, ",") {
				only[events.EventType(strings.TrimSpace(t))] = true
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		sub := bus.Subscribe(64)
		defer bus.Unsubscribe(sub)

		_, _ = fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		ticker := time.NewTicker(sseKeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-sub.Done():
				return
			case <-ticker.C:
				_, _ = fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case e := <-sub.C:
				if only != nil && !only[e.Type] {
					continue
				}
				_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, e.JSON())
				flusher.Flush()
			}
		}
	}
}
