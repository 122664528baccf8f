package monitor

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"lightwatch/internal/models"
)

type fakeResolver struct {
	addrs []net.IPAddr
	err   error
}

func (r fakeResolver) LookupIPAddr(context.Context, string) ([]net.IPAddr, error) {
	return r.addrs, r.err
}

type fakePinger struct {
	err    error
	called []net.IP
	block  bool
}

func (p *fakePinger) Ping(ctx context.Context, ip net.IP) error {
	p.called = append(p.called, ip)
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.err
}

func newTestProber(r Resolver, p Pinger) *ReachabilityProber {
	prober := NewReachabilityProber("example.test", 50*time.Millisecond, nil)
	prober.resolver = r
	prober.pinger = p
	return prober
}

func TestProbe_Reachable(t *testing.T) {
	pinger := &fakePinger{}
	addrs := []net.IPAddr{{IP: net.ParseIP("192.0.2.1")}, {IP: net.ParseIP("192.0.2.2")}}
	p := newTestProber(fakeResolver{addrs: addrs}, pinger)

	assert.Equal(t, models.Reachable, p.Probe())
	assert.Equal(t, []net.IP{addrs[0].IP}, pinger.called, "only the first address is pinged")
}

func TestProbe_FailsClosed(t *testing.T) {
	ip := []net.IPAddr{{IP: net.ParseIP("192.0.2.1")}}
	cases := map[string]struct {
		resolver Resolver
		pinger   *fakePinger
	}{
		"resolve error":  {fakeResolver{err: errors.New("no such host")}, &fakePinger{}},
		"no addresses":   {fakeResolver{}, &fakePinger{}},
		"ping error":     {fakeResolver{addrs: ip}, &fakePinger{err: errors.New("host unreachable")}},
		"ping times out": {fakeResolver{addrs: ip}, &fakePinger{block: true}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, models.Unreachable, newTestProber(tc.resolver, tc.pinger).Probe())
		})
	}
}

func TestNewReachabilityProber_Defaults(t *testing.T) {
	p := NewReachabilityProber("", 0, nil)
	assert.Equal(t, defaultTarget, p.target)
	assert.Equal(t, defaultProbeTimeout, p.timeout)
}

func TestProbe_PrefersIPv4(t *testing.T) {
	pinger := &fakePinger{}
	addrs := []net.IPAddr{
		{IP: net.ParseIP("2001:db8::1")},
		{IP: net.ParseIP("192.0.2.7")},
		{IP: net.ParseIP("192.0.2.8")},
	}
	p := newTestProber(fakeResolver{addrs: addrs}, pinger)

	assert.Equal(t, models.Reachable, p.Probe())
	require.Len(t, pinger.called, 1)
	assert.True(t, pinger.called[0].Equal(net.ParseIP("192.0.2.7")))
}

func TestProbe_IPv6OnlyHost(t *testing.T) {
	pinger := &fakePinger{}
	addrs := []net.IPAddr{{IP: net.ParseIP("2001:db8::1")}}
	p := newTestProber(fakeResolver{addrs: addrs}, pinger)

	assert.Equal(t, models.Reachable, p.Probe())
	assert.Equal(t, []net.IP{addrs[0].IP}, pinger.called)
}

func TestIsEchoReply(t *testing.T) {
	id := os.Getpid() & 0xffff
	reply := func(id, seq int) *icmp.Message {
		return &icmp.Message{Type: ipv4.ICMPTypeEchoReply, Body: &icmp.Echo{ID: id, Seq: seq}}
	}

	cases := map[string]struct {
		msg      *icmp.Message
		datagram bool
		want     bool
	}{
		"raw own reply":             {reply(id, 7), false, true},
		"raw foreign identifier":    {reply(id^0x1, 7), false, false},
		"raw wrong sequence":        {reply(id, 8), false, false},
		"datagram rewritten id":     {reply(id^0x1, 7), true, true},
		"datagram wrong sequence":   {reply(id, 8), true, false},
		"echo request is not reply": {&icmp.Message{Type: ipv4.ICMPTypeEcho, Body: &icmp.Echo{ID: id, Seq: 7}}, false, false},
		"unreachable is not reply":  {&icmp.Message{Type: ipv4.ICMPTypeDestinationUnreachable, Body: &icmp.DstUnreach{}}, true, false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, isEchoReply(tc.msg, familyV4, id, 7, tc.datagram))
		})
	}
}

func requireICMP(t *testing.T) {
	t.Helper()
	conn, _, err := listenICMP(familyV4)
	if err != nil {
		t.Skipf("icmp sockets unavailable: %v", err)
	}
	_ = conn.Close()
}

func TestICMPPinger_Loopback(t *testing.T) {
	requireICMP(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pinger := &ICMPPinger{}
	require.NoError(t, pinger.Ping(ctx, net.ParseIP("127.0.0.1")))
	require.NoError(t, pinger.Ping(ctx, net.ParseIP("127.0.0.1")), "sequence numbers advance between pings")
}

func TestICMPPinger_UnroutableTimesOut(t *testing.T) {
	requireICMP(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := (&ICMPPinger{}).Ping(ctx, net.ParseIP("192.0.2.1"))
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
