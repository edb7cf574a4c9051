// Package control implements the local control API of a running node: one
// JSON request per line in, one JSON response per line out.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/WebFirstLanguage/meshwire/internal/logging"
	"github.com/WebFirstLanguage/meshwire/pkg/mesh"
	"github.com/WebFirstLanguage/meshwire/pkg/noise"
	"github.com/WebFirstLanguage/meshwire/pkg/peers"
)

// Request represents a control API request
type Request struct {
	Method string            `json:"method"`
	ID     string            `json:"id"`
	Params map[string]string `json:"params,omitempty"`
}

// Response represents a control API response
type Response struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Node is the part of a mesh node the control API drives
type Node interface {
	PeerID() string
	State() mesh.State
	Peers() *peers.Manager
	SessionState(peerID string) noise.State
	Fingerprint(peerID string) string
	PendingCount(peerID string) int
	SendMessage(text string) error
	SendPrivateMessage(peerID, content string) (string, error)
	InitiateHandshake(peerID string) error
}

// PeerInfo is one row of the peers result
type PeerInfo struct {
	ID          string `json:"id"`
	Nickname    string `json:"nickname"`
	State       string `json:"state"`
	Session     string `json:"session"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Pending     int    `json:"pending,omitempty"`
	LastSeen    string `json:"last_seen"`
}

// Server implements the control API server
type Server struct {
	node  Node
	links func() int
	log   logrus.FieldLogger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer creates a control server for node. links, when set, reports the
// number of attached relay links.
func NewServer(node Node, links func() int, logger logrus.FieldLogger) *Server {
	return &Server{
		node:  node,
		links: links,
		log:   logging.Component(logger, "control"),
		conns: make(map[net.Conn]struct{}),
	}
}

// Serve accepts control connections until ctx is done or the listener fails
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = listener.Close()
		s.closeConns()
	})
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.WithError(err).Debug("accept failed")
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConnection(conn)
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		var request Request
		if err := decoder.Decode(&request); err != nil {
			return
		}
		if err := encoder.Encode(s.HandleRequest(request)); err != nil {
			return
		}
	}
}

// HandleRequest processes a single API request
func (s *Server) HandleRequest(request Request) Response {
	var result any
	var err error

	switch request.Method {
	case "GetInfo":
		result = s.getInfo()
	case "peers":
		result = map[string]any{"peers": s.listPeers()}
	case "SendMessage":
		err = s.sendMessage(request.Params)
	case "SendPrivateMessage":
		result, err = s.sendPrivateMessage(request.Params)
	case "Handshake":
		err = s.handshake(request.Params)
	default:
		err = fmt.Errorf("unknown method: %s", request.Method)
	}

	if err != nil {
		return Response{ID: request.ID, Error: err.Error()}
	}
	if result == nil {
		result = map[string]any{"success": true}
	}
	return Response{ID: request.ID, Result: result}
}

func (s *Server) getInfo() map[string]any {
	info := map[string]any{
		"peer_id": s.node.PeerID(),
		"state":   s.node.State().String(),
		"peers":   len(s.node.Peers().ActivePeers()),
	}
	if s.links != nil {
		info["links"] = s.links()
	}
	return info
}

func (s *Server) listPeers() []PeerInfo {
	self := s.node.PeerID()
	all := s.node.Peers().GetAllPeers()
	out := make([]PeerInfo, 0, len(all))
	for _, p := range all {
		if p.ID == self {
			continue
		}
		out = append(out, PeerInfo{
			ID:          p.ID,
			Nickname:    p.Nickname,
			State:       s.node.Peers().State(p.ID).String(),
			Session:     s.node.SessionState(p.ID).String(),
			Fingerprint: s.node.Fingerprint(p.ID),
			Pending:     s.node.PendingCount(p.ID),
			LastSeen:    p.LastSeen.UTC().Format(time.RFC3339),
		})
	}
	return out
}

func param(params map[string]string, name string) (string, error) {
	v := params[name]
	if v == "" {
		return "", fmt.Errorf("%s parameter is required", name)
	}
	return v, nil
}

func (s *Server) sendMessage(params map[string]string) error {
	text, err := param(params, "text")
	if err != nil {
		return err
	}
	return s.node.SendMessage(text)
}

func (s *Server) sendPrivateMessage(params map[string]string) (any, error) {
	peerID, err := param(params, "peer_id")
	if err != nil {
		return nil, err
	}
	text, err := param(params, "text")
	if err != nil {
		return nil, err
	}
	id, err := s.node.SendPrivateMessage(peerID, text)
	if err != nil {
		return nil, err
	}
	return map[string]any{"message_id": id}, nil
}

func (s *Server) handshake(params map[string]string) error {
	peerID, err := param(params, "peer_id")
	if err != nil {
		return err
	}
	return s.node.InitiateHandshake(peerID)
}
