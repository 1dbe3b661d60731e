package signal

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/ipv4"
)

// MeshOptions configures a MeshBus.
type MeshOptions struct {
	Port      int
	Interface string
	Group     string
	// DisableMulticast limits delivery to Peers and peers learnt from
	// heartbeats.
	DisableMulticast bool
	Peers            []string      // static seeds for unicast delivery
	AdvertiseAddr    string        // address announced to peers, e.g. "10.0.0.1:7946"
	Heartbeat        time.Duration // default 5s
	BatchInterval    time.Duration // default 5ms
	BatchSize        int           // default 20
}

// MeshBus implements Bus between hosts of a LAN with UDP multicast and
// unicast gossip. Delivery is fire and forget; waiters fall back to their
// idle timeout when a datagram is lost.
type MeshBus struct {
	opts      MeshOptions
	nodeID    [16]byte
	conn      net.PacketConn
	groupAddr *net.UDPAddr

	out fanout

	peersMu      sync.RWMutex
	knownPeers   map[string]time.Time
	resolvedAddr map[string]*net.UDPAddr

	pendingMu sync.Mutex
	pending   map[string]struct{}
	publishCh chan string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMeshBus joins the mesh described by opts.
func NewMeshBus(opts MeshOptions) (*MeshBus, error) {
	if opts.Port == 0 {
		opts.Port = 7946
	}
	if opts.Group == "" {
		opts.Group = "239.0.0.1"
	}
	if opts.BatchInterval == 0 {
		opts.BatchInterval = 5 * time.Millisecond
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 20
	}

	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", opts.Group, opts.Port))
	if err != nil {
		return nil, fmt.Errorf("mesh: failed to resolve multicast address: %w", err)
	}

	// several nodes of one host share the port
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, 15, 1) // SO_REUSEPORT
			})
		},
	}
	listenAddr := fmt.Sprintf("0.0.0.0:%d", opts.Port)
	if opts.DisableMulticast {
		listenAddr = fmt.Sprintf("127.0.0.1:%d", opts.Port)
		if opts.AdvertiseAddr != "" {
			listenAddr = opts.AdvertiseAddr
		}
	}
	c, err := lc.ListenPacket(context.Background(), "udp4", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("mesh: failed to listen on port %d: %w", opts.Port, err)
	}

	if !opts.DisableMulticast {
		if err := joinGroup(c, opts.Interface, addr); err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &MeshBus{
		opts:         opts,
		nodeID:       uuid.New(),
		conn:         c,
		groupAddr:    addr,
		knownPeers:   make(map[string]time.Time),
		resolvedAddr: make(map[string]*net.UDPAddr),
		pending:      make(map[string]struct{}),
		publishCh:    make(chan string, 256),
		ctx:          ctx,
		cancel:       cancel,
	}

	go b.listen()
	go b.heartbeatLoop()
	go b.cleanupPeers()
	go b.runBatcher()
	return b, nil
}

func joinGroup(c net.PacketConn, ifname string, group *net.UDPAddr) error {
	pconn := ipv4.NewPacketConn(c)
	var iface *net.Interface
	if ifname != "" {
		var err error
		iface, err = net.InterfaceByName(ifname)
		if err != nil {
			return fmt.Errorf("mesh: failed to find interface %s: %w", ifname, err)
		}
	}
	if err := pconn.JoinGroup(iface, group); err != nil {
		return fmt.Errorf("mesh: failed to join group %s: %w", group.IP, err)
	}
	if iface != nil {
		if err := pconn.SetMulticastInterface(iface); err != nil {
			return fmt.Errorf("mesh: failed to set multicast interface: %w", err)
		}
	}
	// nodes on the same host must hear each other
	_ = pconn.SetMulticastLoopback(true)
	return nil
}

// Publish implements Bus.Publish. Local subscribers are woken at once;
// changes of one origin are coalesced until the next batch leaves.
func (b *MeshBus) Publish(ctx context.Context, origin string) error {
	if err := b.ctx.Err(); err != nil {
		return net.ErrClosed
	}
	b.out.deliver(origin)

	b.pendingMu.Lock()
	if _, ok := b.pending[origin]; ok {
		b.pendingMu.Unlock()
		return nil
	}
	b.pending[origin] = struct{}{}
	b.pendingMu.Unlock()

	select {
	case b.publishCh <- origin:
		return nil
	case <-ctx.Done():
		b.pendingMu.Lock()
		delete(b.pending, origin)
		b.pendingMu.Unlock()
		return ctx.Err()
	case <-b.ctx.Done():
		return net.ErrClosed
	}
}

// Subscribe implements Bus.Subscribe.
func (b *MeshBus) Subscribe(ctx context.Context, origin string) (chan struct{}, error) {
	if err := b.ctx.Err(); err != nil {
		return nil, net.ErrClosed
	}
	ch, _ := b.out.add(origin)
	unsubscribeOnDone(ctx, b, ch)
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *MeshBus) Unsubscribe(ctx context.Context, ch chan struct{}) error {
	b.out.remove(ch)
	return nil
}

// broadcast sends payload to the multicast group and every known peer.
func (b *MeshBus) broadcast(payload []byte) error {
	var err error
	if !b.opts.DisableMulticast {
		_, err = b.conn.WriteTo(payload, b.groupAddr)
	}

	b.peersMu.RLock()
	addrs := make([]*net.UDPAddr, 0, len(b.resolvedAddr))
	for _, addr := range b.resolvedAddr {
		addrs = append(addrs, addr)
	}
	b.peersMu.RUnlock()
	for _, addr := range addrs {
		_, _ = b.conn.WriteTo(payload, addr)
	}

	// seeds not yet confirmed by a heartbeat
	for _, peer := range b.opts.Peers {
		b.peersMu.RLock()
		_, known := b.resolvedAddr[peer]
		b.peersMu.RUnlock()
		if known {
			continue
		}
		addr, rerr := net.ResolveUDPAddr("udp4", peer)
		if rerr != nil {
			continue
		}
		if _, werr := b.conn.WriteTo(payload, addr); werr != nil && err == nil && b.opts.DisableMulticast {
			err = werr
		}
	}
	return err
}

func (b *MeshBus) listen() {
	buf := make([]byte, 1500)
	for {
		n, _, err := b.conn.ReadFrom(buf)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			continue
		}
		var p meshPacket
		if err := p.unmarshal(buf[:n]); err != nil || p.NodeID == b.nodeID {
			continue
		}
		switch p.Type {
		case meshHeartbeat:
			b.learnPeer(p.Values[0])
		case meshChange, meshBatch:
			for _, origin := range p.Values {
				b.out.deliver(origin)
			}
		}
	}
}

func (b *MeshBus) learnPeer(addr string) {
	b.peersMu.Lock()
	defer b.peersMu.Unlock()
	b.knownPeers[addr] = time.Now()
	if _, ok := b.resolvedAddr[addr]; !ok {
		if r, err := net.ResolveUDPAddr("udp4", addr); err == nil {
			b.resolvedAddr[addr] = r
		}
	}
}

func (b *MeshBus) send(p meshPacket) {
	buf := meshBuffers.Get().([]byte)
	defer meshBuffers.Put(buf)
	n, err := p.marshal(buf)
	if err != nil {
		return
	}
	if b.broadcast(buf[:n]) == nil && p.Type != meshHeartbeat {
		b.out.published.Add(1)
	}
}

func (b *MeshBus) heartbeatLoop() {
	interval := b.opts.Heartbeat
	if interval == 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			addr := b.opts.AdvertiseAddr
			if addr == "" {
				addr = b.conn.LocalAddr().String()
			}
			b.send(meshPacket{Type: meshHeartbeat, NodeID: b.nodeID, Values: []string{addr}})
		}
	}
}

func (b *MeshBus) cleanupPeers() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.peersMu.Lock()
			now := time.Now()
			for addr, lastSeen := range b.knownPeers {
				if now.Sub(lastSeen) > 60*time.Second {
					delete(b.knownPeers, addr)
					delete(b.resolvedAddr, addr)
				}
			}
			b.peersMu.Unlock()
		}
	}
}

func (b *MeshBus) runBatcher() {
	ticker := time.NewTicker(b.opts.BatchInterval)
	defer ticker.Stop()

	var batch []string
	flush := func() {
		if len(batch) == 0 {
			return
		}
		b.send(meshPacket{Type: meshBatch, NodeID: b.nodeID, Values: batch})
		b.pendingMu.Lock()
		for _, o := range batch {
			delete(b.pending, o)
		}
		b.pendingMu.Unlock()
		batch = nil
	}

	for {
		select {
		case <-b.ctx.Done():
			return
		case origin := <-b.publishCh:
			batch = append(batch, origin)
			if len(batch) >= b.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Metrics returns the published and delivered counts.
func (b *MeshBus) Metrics() Metrics { return b.out.metrics() }

// Peers returns the peers heard from recently.
func (b *MeshBus) Peers() []string {
	b.peersMu.RLock()
	defer b.peersMu.RUnlock()
	peers := make([]string, 0, len(b.knownPeers))
	for addr := range b.knownPeers {
		peers = append(peers, addr)
	}
	return peers
}

// Close leaves the mesh and drops every subscription.
func (b *MeshBus) Close() error {
	b.cancel()
	b.out.closeAll()
	return b.conn.Close()
}
