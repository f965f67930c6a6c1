package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// notifier wraps a pq.Listener subscribed to the durableflow_runnable
// channel (see migrations/0002_notify.sql), letting WaitForChange block
// on an actual notification instead of pure polling.
type notifier struct {
	listener *pq.Listener
}

func newNotifier(dsn string) *notifier {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			slog.Warn("postgres listener event", "event", ev, "error", err)
		}
	}
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen("durableflow_runnable"); err != nil {
		slog.Warn("failed to subscribe to durableflow_runnable, falling back to polling", "error", err)
	}
	return &notifier{listener: listener}
}

// wait blocks until a notification arrives, the context is cancelled, or
// timeout elapses, whichever comes first.
func (n *notifier) wait(ctx context.Context, namespaceID string, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case note, ok := <-n.listener.Notify:
			if !ok {
				return
			}
			if note == nil || note.Extra == namespaceID {
				return
			}
			// Notification for a different namespace: keep waiting out the
			// remaining budget.
		}
	}
}

func (n *notifier) close() error {
	return n.listener.Close()
}
