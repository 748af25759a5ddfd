package queue

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ChannelViewChanges carries view deploy/delete notifications so caches can
// refresh without polling.
const ChannelViewChanges = "view_changes"

// NotifyHandler receives the channel name and payload of a notification.
type NotifyHandler func(channel, payload string)

// Listener holds a dedicated connection on LISTEN for the queue and view
// channels and fans notifications out to a handler. Workers treat wakeups as
// advisory; a dropped connection only delays them until the next poll tick.
type Listener struct {
	pool    *pgxpool.Pool
	handler NotifyHandler
}

func NewListener(pool *pgxpool.Pool, handler NotifyHandler) *Listener {
	return &Listener{pool: pool, handler: handler}
}

// Run listens until ctx is cancelled, reconnecting with backoff on error.
func (l *Listener) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("[queue] listener connection lost: %v (reconnecting in %s)", err, backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	for _, ch := range []string{ChannelNewJob, ChannelViewChanges} {
		if _, err := conn.Exec(ctx, "LISTEN "+ch); err != nil {
			return err
		}
	}
	log.Printf("[queue] listening on %s, %s", ChannelNewJob, ChannelViewChanges)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.handler(n.Channel, n.Payload)
	}
}
