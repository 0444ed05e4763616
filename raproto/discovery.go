package raproto

import (
	"fmt"
	"net"
	"sync"

	"github.com/maxpoletaev/dendy/internal/binario"
)

// DiscoveredHost is a host found via LAN discovery (spec.md §3
// "Discovered host record").
type DiscoveredHost struct {
	HostIP     string
	Port       uint16
	ContentCRC uint32
	Nick       string
	Core       string
	CoreVer    string
	Content    string
}

// PacketConn is the subset of net.PacketConn the discovery helpers need.
type PacketConn interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
	ReadFrom(b []byte) (int, net.Addr, error)
}

// SendDiscoveryQuery broadcasts the 4-byte query magic to the fixed RA
// discovery port. conn must already have broadcast permission enabled.
func SendDiscoveryQuery(conn PacketConn) error {
	query := binario.NewWriter(nil).Uint32(DiscoveryQueryMagic).Bytes()

	addr := &net.UDPAddr{
		IP:   net.IPv4bcast,
		Port: DiscoveryPort,
	}

	n, err := conn.WriteTo(query, addr)
	if err != nil {
		return fmt.Errorf("raproto: discovery query: %w", err)
	}

	if n != len(query) {
		return ErrShortWrite
	}

	return nil
}

// ReceiveDiscoveryResponses drains every datagram currently queued on conn,
// parses the ones carrying the discovery response magic, and appends
// previously-unseen hosts (deduplicated by IP) to hosts. It is meant to be
// called non-blockingly — the caller sets a short read deadline, or conn
// is itself non-blocking.
func ReceiveDiscoveryResponses(conn PacketConn, hosts []DiscoveredHost) []DiscoveredHost {
	buf := make([]byte, discoveryPktSize)

	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			return hosts
		}

		if n < discoveryPktSize {
			continue
		}

		r := binario.NewReader(buf[:n])

		if r.Uint32() != DiscoveryResponseMagic {
			continue
		}

		host := parseDiscoveryPacket(r, addr)

		if containsHost(hosts, host.HostIP) {
			continue
		}

		hosts = append(hosts, host)
	}
}

func parseDiscoveryPacket(r *binario.Reader, addr net.Addr) DiscoveredHost {
	contentCRC := uint32(r.Int32())
	port := uint16(r.Int32()) // RA sends port as a signed big-endian word
	_ = r.Uint32()            // has_password — unused by this client

	nick := r.FixedString(NickLen)
	_ = r.FixedString(HostStrLen) // frontend
	core := r.FixedString(HostStrLen)
	coreVer := r.FixedString(HostStrLen)
	_ = r.FixedString(HostStrLen) // retroarch_version
	content := r.FixedString(HostLongStrLen)

	return DiscoveredHost{
		HostIP:     hostIP(addr),
		Port:       port,
		ContentCRC: contentCRC,
		Nick:       nick,
		Core:       core,
		CoreVer:    coreVer,
		Content:    content,
	}
}

func hostIP(addr net.Addr) string {
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		return udpAddr.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func containsHost(hosts []DiscoveredHost, ip string) bool {
	for _, h := range hosts {
		if h.HostIP == ip {
			return true
		}
	}
	return false
}

// HostRegistry is an append-only set of discovered hosts keyed by IP,
// polled by the caller's UI (spec.md §3 "Discovered host record").
type HostRegistry struct {
	mu    sync.Mutex
	hosts []DiscoveredHost
}

// Poll drains pending discovery responses from conn and merges any new
// hosts into the registry.
func (r *HostRegistry) Poll(conn PacketConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosts = ReceiveDiscoveryResponses(conn, r.hosts)
}

// Snapshot returns a copy of the currently known hosts, safe to range
// over from a UI goroutine.
func (r *HostRegistry) Snapshot() []DiscoveredHost {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DiscoveredHost, len(r.hosts))
	copy(out, r.hosts)
	return out
}
