package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/WebFirstLanguage/meshwire/internal/logging"
)

// FrameHandler receives every non-empty inbound frame with the link it
// arrived on
type FrameHandler func(frame []byte, from string)

// Hub fans outbound frames to every attached link and hands inbound frames
// to a FrameHandler. Zero-length frames are hellos and are not delivered.
type Hub struct {
	onFrame  FrameHandler
	maxFrame int
	log      logrus.FieldLogger

	mu     sync.Mutex
	links  map[string]*hubLink
	closed bool
}

type hubLink struct {
	name   string
	conn   Conn
	frames *FrameConn
}

// NewHub creates a hub. maxFrame <= 0 selects the default relay limit.
func NewHub(onFrame FrameHandler, maxFrame int, logger logrus.FieldLogger) *Hub {
	return &Hub{
		onFrame:  onFrame,
		maxFrame: maxFrame,
		log:      logging.Component(logger, "transport"),
		links:    make(map[string]*hubLink),
	}
}

// Serve accepts connections until ctx is done or the listener fails
func (h *Hub) Serve(ctx context.Context, ln Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			h.log.WithError(err).Debug("accept failed")
			continue
		}
		h.attach(ctx, conn)
	}
}

// Dial connects to addr, attaches the link and sends a hello frame so the
// remote side sees the stream immediately
func (h *Hub) Dial(ctx context.Context, t Transport, addr string, tlsConfig *tls.Config) error {
	conn, err := t.Dial(ctx, addr, tlsConfig)
	if err != nil {
		return err
	}
	link := h.attach(ctx, conn)
	if link == nil {
		return fmt.Errorf("hub is closed")
	}
	if err := link.frames.WriteFrame(nil); err != nil {
		h.drop(link)
		return fmt.Errorf("failed to send hello to %s: %w", addr, err)
	}
	return nil
}

// Attach starts reading frames from conn. The link is closed when ctx is
// done or the stream fails.
func (h *Hub) Attach(ctx context.Context, conn Conn) {
	h.attach(ctx, conn)
}

func (h *Hub) attach(ctx context.Context, conn Conn) *hubLink {
	link := &hubLink{
		name:   conn.RemoteAddr().String(),
		conn:   conn,
		frames: NewFrameConn(conn, h.maxFrame),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	if old, ok := h.links[link.name]; ok {
		_ = old.conn.Close()
	}
	h.links[link.name] = link
	h.mu.Unlock()

	h.log.WithField("link", link.name).Info("link attached")
	go h.readLoop(ctx, link)
	return link
}

func (h *Hub) readLoop(ctx context.Context, link *hubLink) {
	stop := context.AfterFunc(ctx, func() { _ = link.conn.Close() })
	defer stop()
	defer h.drop(link)

	for {
		frame, err := link.frames.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				h.log.WithError(err).WithField("link", link.name).Debug("link read failed")
			}
			return
		}
		if len(frame) == 0 {
			continue
		}
		h.onFrame(frame, link.name)
	}
}

func (h *Hub) drop(link *hubLink) {
	h.mu.Lock()
	current, ok := h.links[link.name]
	if ok && current == link {
		delete(h.links, link.name)
	}
	h.mu.Unlock()

	if ok && current == link {
		_ = link.conn.Close()
		h.log.WithField("link", link.name).Info("link detached")
	}
}

// Broadcast writes frame to every link. Links that fail are dropped and
// their errors joined.
func (h *Hub) Broadcast(frame []byte) error {
	h.mu.Lock()
	links := make([]*hubLink, 0, len(h.links))
	for _, l := range h.links {
		links = append(links, l)
	}
	h.mu.Unlock()

	var errs []error
	for _, l := range links {
		if err := l.frames.WriteFrame(frame); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.name, err))
			h.drop(l)
		}
	}
	return errors.Join(errs...)
}

// Links returns the number of attached links
func (h *Hub) Links() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.links)
}

// Close closes every link and refuses new ones
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	links := h.links
	h.links = make(map[string]*hubLink)
	h.mu.Unlock()

	var errs []error
	for _, l := range links {
		if err := l.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
