package commands

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/WebFirstLanguage/meshwire/internal/config"
	"github.com/WebFirstLanguage/meshwire/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/meshwire/pkg/control"
	"github.com/WebFirstLanguage/meshwire/pkg/filepacket"
	"github.com/WebFirstLanguage/meshwire/pkg/handler"
	"github.com/WebFirstLanguage/meshwire/pkg/identity"
	"github.com/WebFirstLanguage/meshwire/pkg/mesh"
	"github.com/WebFirstLanguage/meshwire/pkg/transport"
	"github.com/WebFirstLanguage/meshwire/pkg/transport/quic"
	"github.com/WebFirstLanguage/meshwire/pkg/transport/tcp"
	"github.com/WebFirstLanguage/meshwire/pkg/wire"
)

const (
	redialInterval = 10 * time.Second
	stopTimeout    = 5 * time.Second
)

func runCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a mesh node and chat from the terminal",
		Long: `Run a mesh node. Lines typed on stdin are broadcast; commands:

  /peers                     list known peers
  /handshake <peer>          start a Noise session
  /msg <peer> <text>         send a private message
  /send <path> [peer]        send a file (broadcast without a peer)
  /quit                      leave the mesh and exit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.run(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func (a *app) run(ctx context.Context, in io.Reader, out io.Writer) error {
	cfg, log := a.cfg, a.logger

	id, created, err := identity.LoadOrGenerate(cfg.Identity.Path)
	if err != nil {
		return err
	}
	if created || (cfg.Identity.Nickname != "" && cfg.Identity.Nickname != id.Nickname) {
		if cfg.Identity.Nickname != "" {
			id.Nickname = cfg.Identity.Nickname
		}
		if err := id.SaveToFile(cfg.Identity.Path); err != nil {
			return err
		}
	}

	registry := transport.NewRegistry()
	registry.Register(quic.New())
	registry.Register(tcp.New())
	tr, ok := registry.Get(cfg.Relay.Transport)
	if !ok {
		return fmt.Errorf("unknown transport %q (available: %s)", cfg.Relay.Transport, strings.Join(registry.List(), ", "))
	}
	tlsConfig, err := transport.SelfSignedTLSConfig()
	if err != nil {
		return err
	}

	var svc *mesh.Service
	hub := transport.NewHub(func(frame []byte, from string) {
		if err := svc.Receive(frame, from); err != nil {
			log.WithError(err).Debug("frame not accepted")
		}
	}, 0, log)
	defer hub.Close()

	con := &console{out: out}
	svc, err = mesh.New(meshConfig(cfg, id, hub, con, log))
	if err != nil {
		return err
	}

	peersFile := filepath.Join(filepath.Dir(cfg.Identity.Path), "peers.cbor")
	restorePeers(svc, peersFile, log)

	if err := svc.Start(ctx); err != nil {
		return err
	}
	con.printf("peer %s (%s) on %s", id.PeerID(), id.ShortCode(), tr.Name())

	// Links outlive ctx so the leave announcement can still go out
	linkCtx, cancelLinks := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelLinks()

	var links errgroup.Group
	if cfg.Relay.Listen != "" {
		ln, err := tr.Listen(ctx, cfg.Relay.Listen, tlsConfig)
		if err != nil {
			_ = svc.Stop(context.Background())
			return err
		}
		log.WithField("addr", ln.Addr().String()).Info("relay listening")
		links.Go(func() error { return hub.Serve(linkCtx, ln) })
	}
	if cfg.Control.Listen != "" {
		ln, err := net.Listen("tcp", cfg.Control.Listen)
		if err != nil {
			cancelLinks()
			_ = links.Wait()
			_ = svc.Stop(context.Background())
			return fmt.Errorf("failed to start control API: %w", err)
		}
		log.WithField("addr", ln.Addr().String()).Info("control API listening")
		api := control.NewServer(svc, hub.Links, log)
		links.Go(func() error { return api.Serve(linkCtx, ln) })
	}
	for _, peer := range cfg.Relay.Peers {
		addr := transport.WithDefaultPort(peer, tr)
		links.Go(func() error { return dialUntilLinked(ctx, linkCtx, hub, tr, addr, tlsConfig, log) })
	}

	chat(ctx, in, svc, con)

	if err := svc.SendLeave(); err != nil {
		log.WithError(err).Debug("leave not sent")
	}
	savePeers(svc, peersFile, log)

	cancelLinks()
	err = links.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if serr := svc.Stop(stopCtx); serr != nil {
		err = errors.Join(err, serr)
	}
	return err
}

func meshConfig(cfg *config.Config, id *identity.Identity, out mesh.Outbound, d handler.Delegate, log logrus.FieldLogger) mesh.Config {
	m := cfg.Mesh
	return mesh.Config{
		Identity:               id,
		Outbound:               out,
		Delegate:               d,
		ProtocolVersion:        uint8(m.ProtocolVersion),
		DefaultTTL:             uint8(m.DefaultTTL),
		Workers:                m.Workers,
		InboxSize:              m.InboxSize,
		MaxInboxes:             m.MaxInboxes,
		InboxIdleTimeout:       m.InboxIdleTimeout,
		AnnounceInterval:       m.AnnounceInterval,
		RekeyCheckInterval:     m.RekeyCheckInterval,
		PeerSweepInterval:      m.PeerSweepInterval,
		StalePeerTimeout:       m.StalePeerTimeout,
		FragmentTimeout:        m.FragmentTimeout,
		MessageCleanupInterval: m.MessageCleanupInterval,
		Logger:                 log,
	}
}

// dialUntilLinked retries addr until one link is up. Retries stop with ctx;
// the link itself lives until linkCtx is done.
func dialUntilLinked(ctx, linkCtx context.Context, hub *transport.Hub, tr transport.Transport, addr string, tlsConfig *tls.Config, log logrus.FieldLogger) error {
	ticker := time.NewTicker(redialInterval)
	defer ticker.Stop()

	for {
		err := hub.Dial(linkCtx, tr, addr, tlsConfig)
		if err == nil {
			return nil
		}
		log.WithError(err).WithField("addr", addr).Warn("relay dial failed")

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// chat feeds console lines to the service until ctx is done or /quit.
// A closed input leaves the node running headless.
func chat(ctx context.Context, in io.Reader, svc *mesh.Service, con *console) {
	lines := make(chan string)
	go readLines(in, lines)

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if !handleLine(svc, con, line) {
				return
			}
		}
	}
}

func readLines(in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

// handleLine runs one console line and reports whether to keep going
func handleLine(svc *mesh.Service, con *console, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		if err := svc.SendMessage(line); err != nil {
			con.printf("send failed: %v", err)
		}
		return true
	}

	fields := strings.Fields(line)
	var err error
	switch fields[0] {
	case "/quit":
		return false
	case "/peers":
		for _, p := range svc.Peers().GetAllPeers() {
			if p.ID == svc.PeerID() {
				continue
			}
			con.printf("%s %-16s %-9s session=%s", p.ID, p.Nickname, svc.Peers().State(p.ID), svc.SessionState(p.ID))
		}
	case "/handshake":
		if len(fields) != 2 {
			con.printf("usage: /handshake <peer>")
			return true
		}
		err = svc.InitiateHandshake(fields[1])
	case "/msg":
		if len(fields) < 3 {
			con.printf("usage: /msg <peer> <text>")
			return true
		}
		text := strings.TrimSpace(line[strings.Index(line, fields[1])+len(fields[1]):])
		_, err = svc.SendPrivateMessage(fields[1], text)
	case "/send":
		if len(fields) < 2 || len(fields) > 3 {
			con.printf("usage: /send <path> [peer]")
			return true
		}
		peerID := ""
		if len(fields) == 3 {
			peerID = fields[2]
		}
		err = sendFile(svc, fields[1], peerID)
	default:
		con.printf("unknown command %s", fields[0])
	}
	if err != nil {
		con.printf("%s failed: %v", fields[0], err)
	}
	return true
}

func sendFile(svc *mesh.Service, path, peerID string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return svc.SendFile(peerID, filepacket.New(filepath.Base(path), mimeType, content))
}

func restorePeers(svc *mesh.Service, path string, log logrus.FieldLogger) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.WithError(err).Warn("failed to read peer snapshot")
		}
		return
	}
	n, err := svc.Peers().Restore(data)
	if err != nil {
		log.WithError(err).Warn("failed to restore peer snapshot")
		return
	}
	log.WithField("peers", n).Info("restored peer snapshot")
}

func savePeers(svc *mesh.Service, path string, log logrus.FieldLogger) {
	data, err := svc.Peers().Snapshot()
	if err == nil {
		err = cborcanon.WriteFile(path, data)
	}
	if err != nil {
		log.WithError(err).Warn("failed to save peer snapshot")
	}
}

// console prints protocol events as chat lines
type console struct {
	handler.NopDelegate

	mu  sync.Mutex
	out io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *console) OnPeerAnnounced(peerID, nickname string) {
	c.printf("* %s joined as %s", peerID, nickname)
}

func (c *console) OnMessageReceived(peerID, text string, broadcast bool) {
	if broadcast {
		c.printf("<%s> %s", peerID, text)
		return
	}
	c.printf("<%s> (direct) %s", peerID, text)
}

func (c *console) OnEncryptedMessageReceived(peerID string, msg *wire.PrivateMessage) {
	c.printf("<%s> (private) %s", peerID, msg.Content)
}

func (c *console) OnReadReceipt(peerID, messageID string) {
	c.printf("* %s read %s", peerID, messageID)
}

func (c *console) OnSessionEstablished(peerID, fingerprint string) {
	c.printf("* secure session with %s, fingerprint %s", peerID, fingerprint)
}

func (c *console) OnPeerLeft(peerID string) {
	c.printf("* %s left", peerID)
}

func (c *console) OnFileReceived(peerID string, file *filepacket.Packet, broadcast bool) {
	c.printf("* %s sent %s (%s, %d bytes)", peerID, file.FileName, file.MimeType, len(file.Content))
}
