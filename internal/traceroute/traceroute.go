// Package traceroute walks the hop path to a destination. It prefers a raw
// ICMP walk and falls back to the platform traceroute binary when raw
// sockets are unavailable.
package traceroute

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/NodePath81/edgeprobe/internal/model"
)

const (
	probesPerHop = 3
	probeTimeout = 2 * time.Second
	payloadSize  = 56
)

// Run resolves host and walks the path up to maxHops, calling emit for every
// hop as it is discovered. emit may be nil.
func Run(ctx context.Context, host string, maxHops int, emit func(model.TracerouteHop)) (model.TracerouteSummary, error) {
	addr, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return model.TracerouteSummary{}, fmt.Errorf("resolve %s: %w", host, err)
	}

	sum, err := runRaw(ctx, addr, maxHops, emit)
	if err == nil {
		return sum, nil
	}
	// Raw sockets typically need elevated privileges; hand off to the
	// platform binary instead of failing the run.
	return runSystem(ctx, addr, maxHops, emit)
}

func runRaw(ctx context.Context, dst *net.IPAddr, maxHops int, emit func(model.TracerouteHop)) (model.TracerouteSummary, error) {
	conn, err := icmp.ListenPacket("ip4:icmp", "")
	if err != nil {
		return model.TracerouteSummary{}, fmt.Errorf("open icmp socket: %w", err)
	}
	defer conn.Close()

	pc := conn.IPv4PacketConn()
	if pc == nil {
		return model.TracerouteSummary{}, fmt.Errorf("no ipv4 packet conn")
	}

	id := os.Getpid() & 0xffff
	summary := model.TracerouteSummary{Destination: dst.IP.String()}

	for ttl := 1; ttl <= maxHops; ttl++ {
		if ctx.Err() != nil {
			return summary, nil
		}
		if err := pc.SetTTL(ttl); err != nil {
			return summary, fmt.Errorf("set ttl %d: %w", ttl, err)
		}

		hop := model.TracerouteHop{Hop: ttl}
		reachedDst := false
		for probe := 0; probe < probesPerHop; probe++ {
			seq := ttl<<8 | probe
			reply, ok := sendHopProbe(conn, dst, id, seq)
			if !ok {
				continue
			}
			hop.RTTMs = append(hop.RTTMs, float64(reply.rtt.Microseconds())/1000.0)
			if hop.Address == "" {
				hop.Address = reply.from.String()
			}
			if reply.reachedDestination(dst.IP) {
				reachedDst = true
			}
		}
		hop.Timeout = len(hop.RTTMs) == 0

		summary.Hops = append(summary.Hops, hop)
		if emit != nil {
			emit(hop)
		}
		if reachedDst {
			summary.Completed = true
			break
		}
	}
	return summary, nil
}

// hopReply is one answered probe. echoReply distinguishes the destination
// answering from an intermediate router's time-exceeded.
type hopReply struct {
	from      net.IP
	rtt       time.Duration
	echoReply bool
}

// reachedDestination reports whether the walk is done. Any echo reply ends
// it; a multi-homed destination may answer from an address other than the
// one probed, so the source match alone is not enough.
func (r hopReply) reachedDestination(dst net.IP) bool {
	return r.echoReply || r.from.Equal(dst)
}

// sendHopProbe sends one echo request and waits for either a time-exceeded
// from an intermediate router or an echo reply from the destination. Both
// are matched back to this probe by id and sequence.
func sendHopProbe(conn *icmp.PacketConn, dst *net.IPAddr, id, seq int) (hopReply, bool) {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   id,
			Seq:  seq,
			Data: make([]byte, payloadSize),
		},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		return hopReply{}, false
	}

	start := time.Now()
	if _, err := conn.WriteTo(payload, dst); err != nil {
		return hopReply{}, false
	}
	if err := conn.SetReadDeadline(start.Add(probeTimeout)); err != nil {
		return hopReply{}, false
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return hopReply{}, false
		}
		parsed, err := icmp.ParseMessage(1, buf[:n])
		if err != nil {
			continue
		}

		peerIP := peerAddr(peer)
		switch parsed.Type {
		case ipv4.ICMPTypeEchoReply:
			echo, ok := parsed.Body.(*icmp.Echo)
			if !ok || echo.ID != id || echo.Seq != seq {
				continue
			}
			return hopReply{from: peerIP, rtt: time.Since(start), echoReply: true}, true
		case ipv4.ICMPTypeTimeExceeded:
			te, ok := parsed.Body.(*icmp.TimeExceeded)
			if !ok || !innerEchoMatches(te.Data, id, seq) {
				continue
			}
			return hopReply{from: peerIP, rtt: time.Since(start)}, true
		default:
			continue
		}
	}
}

// innerEchoMatches digs the original echo request out of a time-exceeded
// payload (IP header plus the first bytes of our packet) and checks it was
// ours.
func innerEchoMatches(data []byte, id, seq int) bool {
	if len(data) < 1 {
		return false
	}
	hl := int(data[0]&0x0f) * 4
	if hl < 20 || len(data) < hl+8 {
		return false
	}
	inner, err := icmp.ParseMessage(1, data[hl:])
	if err != nil {
		return false
	}
	echo, ok := inner.Body.(*icmp.Echo)
	if !ok {
		return false
	}
	return echo.ID == id && echo.Seq == seq
}

func peerAddr(peer net.Addr) net.IP {
	switch a := peer.(type) {
	case *net.IPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	default:
		return nil
	}
}
