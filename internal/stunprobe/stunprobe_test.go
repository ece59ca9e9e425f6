package stunprobe

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/stun"

	"github.com/NodePath81/edgeprobe/internal/model"
)

// startResponder runs a loopback STUN server whose behavior per request is
// decided by respond. Returning nil drops the request.
func startResponder(t *testing.T, respond func(req *stun.Message) *stun.Message) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { pc.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			req := new(stun.Message)
			req.Raw = append(req.Raw[:0], buf[:n]...)
			if err := req.Decode(); err != nil {
				continue
			}
			if res := respond(req); res != nil {
				pc.WriteTo(res.Raw, from)
			}
		}
	}()
	return pc.LocalAddr().String()
}

func runTrain(t *testing.T, addr string, p trainParams) model.LatencySummary {
	t.Helper()
	conn, err := net.Dial("udp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sum, err := lossTrain(context.Background(), conn, p)
	if err != nil {
		t.Fatalf("lossTrain: %v", err)
	}
	return sum
}

func fastTrain(count int) trainParams {
	return trainParams{
		count:        count,
		sendInterval: 10 * time.Millisecond,
		replyTimeout: 200 * time.Millisecond,
	}
}

func TestLossTrainAllAnswered(t *testing.T) {
	addr := startResponder(t, func(req *stun.Message) *stun.Message {
		return stun.MustBuild(stun.NewTransactionIDSetter(req.TransactionID), stun.BindingSuccess)
	})

	sum := runTrain(t, addr, fastTrain(10))
	if sum.Sent != 10 || sum.Received != 10 {
		t.Fatalf("sent=%d received=%d, want 10/10", sum.Sent, sum.Received)
	}
	if sum.Loss != 0 {
		t.Fatalf("loss = %v, want 0", sum.Loss)
	}
	if sum.MedianMs == nil || *sum.MedianMs <= 0 {
		t.Fatalf("median = %v", sum.MedianMs)
	}
}

func TestLossTrainCountsDrops(t *testing.T) {
	var seen int
	addr := startResponder(t, func(req *stun.Message) *stun.Message {
		seen++
		if seen%2 == 0 {
			return nil
		}
		return stun.MustBuild(stun.NewTransactionIDSetter(req.TransactionID), stun.BindingSuccess)
	})

	sum := runTrain(t, addr, fastTrain(10))
	if sum.Sent != 10 {
		t.Fatalf("sent = %d", sum.Sent)
	}
	if sum.Received != 5 {
		t.Fatalf("received = %d, want 5", sum.Received)
	}
	if sum.Loss != 0.5 {
		t.Fatalf("loss = %v, want 0.5", sum.Loss)
	}
}

func TestLossTrainIgnoresForeignTransactions(t *testing.T) {
	addr := startResponder(t, func(req *stun.Message) *stun.Message {
		var other [stun.TransactionIDSize]byte
		copy(other[:], req.TransactionID[:])
		other[0] ^= 0xff
		return stun.MustBuild(stun.NewTransactionIDSetter(other), stun.BindingSuccess)
	})

	sum := runTrain(t, addr, fastTrain(4))
	if sum.Received != 0 {
		t.Fatalf("received = %d, mismatched transaction ids must not count", sum.Received)
	}
	if sum.Loss != 1 {
		t.Fatalf("loss = %v, want 1", sum.Loss)
	}
}

func TestLossTrainCountsSendFailuresAsLoss(t *testing.T) {
	conn, err := net.Dial("udp", "127.0.0.1:9")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	sum, err := lossTrain(context.Background(), conn, fastTrain(4))
	if err != nil {
		t.Fatalf("lossTrain: %v", err)
	}
	if sum.Sent != 4 || sum.Received != 0 {
		t.Fatalf("sent=%d received=%d, want 4/0", sum.Sent, sum.Received)
	}
	if sum.Loss != 1 {
		t.Fatalf("loss = %v, want 1", sum.Loss)
	}
}

func TestTargetAddr(t *testing.T) {
	cases := []struct {
		name string
		urls []string
		want string
		err  bool
	}{
		{
			name: "prefers stun over turn",
			urls: []string{"turn:turn.example.com:50000?transport=udp", "stun:stun.example.com:3478"},
			want: "stun.example.com:3478",
		},
		{
			name: "default port applied",
			urls: []string{"stun:stun.example.com"},
			want: "stun.example.com:3478",
		},
		{
			name: "turn fallback strips transport query",
			urls: []string{"turn:turn.example.com:50000?transport=udp"},
			want: "turn.example.com:50000",
		},
		{
			name: "nothing usable",
			urls: []string{"https://example.com"},
			err:  true,
		},
	}
	for _, tc := range cases {
		got, err := targetAddr(model.TurnInfo{URLs: tc.urls})
		if tc.err {
			if err == nil {
				t.Fatalf("%s: expected error, got %q", tc.name, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}
