package push

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"collabtext/notesync/protocol"
)

// Channel keeps at most one live subscription.
type Channel interface {
	// Subscribe starts delivering events for docID. Subscribing to another
	// document first tears down the current subscription. The returned
	// channel is closed when the subscription ends.
	Subscribe(docID string) <-chan RemoteEvent
	// Unsubscribe stops the current subscription, if any, and waits for its
	// stream to be closed.
	Unsubscribe()
}

// WSChannel is a Channel over the authority's WebSocket endpoint. A dropped
// connection is re-dialed with exponential backoff.
type WSChannel struct {
	baseURL    *url.URL
	dialer     *websocket.Dialer
	logger     *slog.Logger
	newBackOff func() backoff.BackOff

	mu  sync.Mutex
	sub *subscription
}

type subscription struct {
	docID  string
	events chan RemoteEvent
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWSChannel returns a channel for the authority at baseURL; http and https
// URLs are mapped to ws and wss.
func NewWSChannel(baseURL string, logger *slog.Logger) (*WSChannel, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse authority url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("authority url %q: unsupported scheme", baseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WSChannel{
		baseURL: u,
		dialer:  websocket.DefaultDialer,
		logger:  logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}, nil
}

func (c *WSChannel) Subscribe(docID string) <-chan RemoteEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		if c.sub.docID == docID {
			return c.sub.events
		}
		c.stopLocked()
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		docID:  docID,
		events: make(chan RemoteEvent, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.sub = sub
	go c.run(ctx, sub)
	c.logger.Info("subscribed", "doc_id", docID)
	return sub.events
}

func (c *WSChannel) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *WSChannel) stopLocked() {
	if c.sub == nil {
		return
	}
	sub := c.sub
	c.sub = nil
	sub.cancel()
	<-sub.done
	c.logger.Info("unsubscribed", "doc_id", sub.docID)
}

func (c *WSChannel) run(ctx context.Context, sub *subscription) {
	defer close(sub.done)
	defer close(sub.events)

	target := c.baseURL.String() + protocol.SocketPath(sub.docID)
	b := backoff.WithContext(c.newBackOff(), ctx)
	connected := false
	op := func() error {
		conn, _, err := c.dialer.DialContext(ctx, target, nil)
		if err != nil {
			return fmt.Errorf("dial %s: %w", target, err)
		}
		b.Reset()
		if connected {
			select {
			case sub.events <- Reconnected{}:
			case <-ctx.Done():
				conn.Close()
				return nil
			}
		}
		connected = true
		return c.pump(ctx, conn, sub)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("push connection lost", "doc_id", sub.docID, "err", err, "retry_in", wait)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil && ctx.Err() == nil {
		c.logger.Error("push subscription gave up", "doc_id", sub.docID, "err", err)
	}
}

// pump forwards decoded messages until the connection breaks or ctx ends.
// It returns nil only when ctx ended.
func (c *WSChannel) pump(ctx context.Context, conn *websocket.Conn, sub *subscription) error {
	stop := make(chan struct{})
	defer close(stop)
	defer conn.Close()
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		noteID, ev, err := Decode(msg)
		if err != nil {
			c.logger.Warn("dropping push message", "doc_id", sub.docID, "err", err)
			continue
		}
		if noteID != "" && noteID != sub.docID {
			c.logger.Warn("dropping push message for other document", "doc_id", sub.docID, "note_id", noteID)
			continue
		}
		select {
		case sub.events <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}
