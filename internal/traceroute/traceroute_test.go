package traceroute

import (
	"net"
	"testing"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/NodePath81/edgeprobe/internal/model"
)

func TestReachedDestination(t *testing.T) {
	dst := net.ParseIP("192.0.2.1")
	cases := []struct {
		name  string
		reply hopReply
		want  bool
	}{
		{"echo reply from the probed address", hopReply{from: dst, echoReply: true}, true},
		{"echo reply from another interface", hopReply{from: net.ParseIP("192.0.2.99"), echoReply: true}, true},
		{"time exceeded from the probed address", hopReply{from: dst}, true},
		{"time exceeded from a router", hopReply{from: net.ParseIP("10.0.0.1")}, false},
	}
	for _, tc := range cases {
		if got := tc.reply.reachedDestination(dst); got != tc.want {
			t.Errorf("%s: reachedDestination = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestInnerEchoMatches(t *testing.T) {
	inner := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: 0x1234, Seq: 0x0502, Data: make([]byte, payloadSize)},
	}
	payload, err := inner.Marshal(nil)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	// Time-exceeded payloads carry the original IP header in front.
	header := make([]byte, 20)
	header[0] = 0x45
	data := append(header, payload...)

	if !innerEchoMatches(data, 0x1234, 0x0502) {
		t.Fatal("expected a match for our id and seq")
	}
	if innerEchoMatches(data, 0x1234, 0x0503) {
		t.Fatal("matched a foreign sequence")
	}
	if innerEchoMatches(data, 0x9999, 0x0502) {
		t.Fatal("matched a foreign id")
	}
	if innerEchoMatches(data[:10], 0x1234, 0x0502) {
		t.Fatal("matched a truncated payload")
	}
}

// foldSum is the RFC 1071 internet checksum: 16-bit ones' complement sum
// with carries folded back in.
func foldSum(b []byte) uint32 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return sum
}

func TestEchoPacketChecksum(t *testing.T) {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: 77, Seq: 259, Data: make([]byte, payloadSize)},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(payload) != 8+payloadSize {
		t.Fatalf("packet length = %d, want %d", len(payload), 8+payloadSize)
	}
	if sum := foldSum(payload); sum != 0xffff {
		t.Fatalf("checksum fold = %#x, want 0xffff", sum)
	}
}

func TestParseHopLineUnix(t *testing.T) {
	hop, ok := parseHopLine(" 2  10.10.0.1  1.234 ms  1.100 ms  0.987 ms")
	if !ok {
		t.Fatal("line not recognized")
	}
	if hop.Hop != 2 || hop.Address != "10.10.0.1" {
		t.Fatalf("hop = %+v", hop)
	}
	if len(hop.RTTMs) != 3 || hop.RTTMs[0] != 1.234 {
		t.Fatalf("rtts = %v", hop.RTTMs)
	}
	if hop.Timeout {
		t.Fatal("hop with readings marked as timeout")
	}
}

func TestParseHopLineWindows(t *testing.T) {
	hop, ok := parseHopLine("  1    <1 ms    <1 ms     2 ms  192.168.1.1")
	if !ok {
		t.Fatal("line not recognized")
	}
	if hop.Hop != 1 || hop.Address != "192.168.1.1" {
		t.Fatalf("hop = %+v", hop)
	}
	want := []float64{1, 1, 2}
	if len(hop.RTTMs) != len(want) {
		t.Fatalf("rtts = %v", hop.RTTMs)
	}
	for i := range want {
		if hop.RTTMs[i] != want[i] {
			t.Fatalf("rtt %d = %v, want %v", i, hop.RTTMs[i], want[i])
		}
	}
}

func TestParseHopLineTimeouts(t *testing.T) {
	hop, ok := parseHopLine(" 3  * * *")
	if !ok {
		t.Fatal("line not recognized")
	}
	if !hop.Timeout || hop.Address != "" || len(hop.RTTMs) != 0 {
		t.Fatalf("hop = %+v", hop)
	}

	if _, ok := parseHopLine("traceroute to 1.1.1.1 (1.1.1.1), 30 hops max"); ok {
		t.Fatal("header line recognized as hop")
	}
	if _, ok := parseHopLine(""); ok {
		t.Fatal("empty line recognized as hop")
	}
}

func TestParseSystemOutputStopsAtDestination(t *testing.T) {
	out := []byte(`traceroute to 203.0.113.1 (203.0.113.1), 30 hops max, 60 byte packets
 1  192.168.1.1  0.512 ms  0.488 ms  0.471 ms
 2  * * *
 3  203.0.113.1  9.120 ms  9.050 ms  8.990 ms
 4  203.0.113.99  9.500 ms  9.400 ms  9.300 ms
`)
	var emitted []int
	sum := parseSystemOutput(out, "203.0.113.1", func(h model.TracerouteHop) {
		emitted = append(emitted, h.Hop)
	})
	if !sum.Completed {
		t.Fatal("walk reaching the destination not marked completed")
	}
	if len(sum.Hops) != 3 {
		t.Fatalf("hops = %d, parsing must stop at the destination", len(sum.Hops))
	}
	if !sum.Hops[1].Timeout {
		t.Fatal("all-star hop not marked as timeout")
	}
	if len(emitted) != 3 {
		t.Fatalf("emitted = %v", emitted)
	}
}
