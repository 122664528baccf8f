package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"lightwatch/internal/models"
)

const (
	defaultTarget       = "www.google.com"
	defaultProbeTimeout = 4 * time.Second

	protocolICMP   = 1
	protocolICMPv6 = 58
)

// Resolver is the subset of *net.Resolver the prober needs.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Pinger sends a single echo request and waits for its reply.
type Pinger interface {
	Ping(ctx context.Context, ip net.IP) error
}

// ReachabilityProber resolves a fixed host and pings one of its addresses,
// the first IPv4 one when there is any.
type ReachabilityProber struct {
	target   string
	timeout  time.Duration
	resolver Resolver
	pinger   Pinger
	logger   *slog.Logger
}

// NewReachabilityProber configures a prober with an ICMP pinger and the default resolver.
func NewReachabilityProber(target string, timeout time.Duration, logger *slog.Logger) *ReachabilityProber {
	if target == "" {
		target = defaultTarget
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReachabilityProber{
		target:   target,
		timeout:  timeout,
		resolver: net.DefaultResolver,
		pinger:   &ICMPPinger{},
		logger:   logger.With("component", "prober"),
	}
}

// Probe performs one check. Resolution failures, timeouts and transport
// errors all map to Unreachable.
func (p *ReachabilityProber) Probe() models.Reachability {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	addrs, err := p.resolver.LookupIPAddr(ctx, p.target)
	if err != nil {
		p.logger.Debug("resolve failed", "target", p.target, "error", err)
		return models.Unreachable
	}
	if len(addrs) == 0 {
		p.logger.Debug("resolve returned no addresses", "target", p.target)
		return models.Unreachable
	}

	ip := pickAddress(addrs)
	if err := p.pinger.Ping(ctx, ip); err != nil {
		p.logger.Debug("ping failed", "target", p.target, "ip", ip.String(), "error", err)
		return models.Unreachable
	}
	return models.Reachable
}

// pickAddress prefers IPv4 so hosts without an IPv6 route still get answers.
func pickAddress(addrs []net.IPAddr) net.IP {
	for _, addr := range addrs {
		if addr.IP.To4() != nil {
			return addr.IP
		}
	}
	return addrs[0].IP
}

// ICMPPinger sends ICMP echo requests, preferring unprivileged datagram
// sockets and falling back to raw sockets.
type ICMPPinger struct {
	seq atomic.Uint32
}

type icmpFamily struct {
	datagram string
	raw      string
	protocol int
	request  icmp.Type
	reply    icmp.Type
}

var (
	familyV4 = icmpFamily{"udp4", "ip4:icmp", protocolICMP, ipv4.ICMPTypeEcho, ipv4.ICMPTypeEchoReply}
	familyV6 = icmpFamily{"udp6", "ip6:ipv6-icmp", protocolICMPv6, ipv6.ICMPTypeEchoRequest, ipv6.ICMPTypeEchoReply}
)

// Ping blocks until a matching echo reply arrives or ctx expires.
func (p *ICMPPinger) Ping(ctx context.Context, ip net.IP) error {
	family := familyV4
	if ip.To4() == nil {
		family = familyV6
	}

	conn, datagram, err := listenICMP(family)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("set icmp deadline: %w", err)
		}
	}

	seq := int(p.seq.Add(1) & 0xffff)
	id := os.Getpid() & 0xffff
	msg := icmp.Message{
		Type: family.request,
		Body: &icmp.Echo{
			ID:   id,
			Seq:  seq,
			Data: []byte("lightwatch"),
		},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		return fmt.Errorf("encode echo request: %w", err)
	}

	var dst net.Addr = &net.IPAddr{IP: ip}
	if datagram {
		dst = &net.UDPAddr{IP: ip}
	}
	if _, err := conn.WriteTo(payload, dst); err != nil {
		return fmt.Errorf("send echo request: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return fmt.Errorf("read echo reply: %w", err)
		}
		reply, err := icmp.ParseMessage(family.protocol, buf[:n])
		if err != nil {
			continue
		}
		if isEchoReply(reply, family, id, seq, datagram) {
			return nil
		}
	}
}

// isEchoReply reports whether msg answers the request identified by id and
// seq. Datagram sockets rewrite the identifier and the kernel only delivers
// our own replies, so the identifier is checked on raw sockets only, which
// see every echo reply reaching the host.
func isEchoReply(msg *icmp.Message, family icmpFamily, id, seq int, datagram bool) bool {
	if msg.Type != family.reply {
		return false
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok || echo.Seq != seq {
		return false
	}
	return datagram || echo.ID == id
}

func listenICMP(family icmpFamily) (*icmp.PacketConn, bool, error) {
	conn, err := icmp.ListenPacket(family.datagram, "")
	if err == nil {
		return conn, true, nil
	}
	rawConn, rawErr := icmp.ListenPacket(family.raw, "")
	if rawErr == nil {
		return rawConn, false, nil
	}
	return nil, false, fmt.Errorf("open icmp socket: %w", errors.Join(err, rawErr))
}
