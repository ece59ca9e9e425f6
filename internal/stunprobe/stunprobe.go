// Package stunprobe measures UDP packet loss against a STUN server by
// sending a fixed train of binding requests and counting the answers.
package stunprobe

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pion/stun"

	"github.com/NodePath81/edgeprobe/internal/model"
	"github.com/NodePath81/edgeprobe/internal/stats"
)

const defaultPort = "3478"

// trainParams controls the shape of one loss train.
type trainParams struct {
	count        int
	sendInterval time.Duration
	replyTimeout time.Duration
}

func defaultTrain() trainParams {
	return trainParams{
		count:        50,
		sendInterval: 80 * time.Millisecond,
		replyTimeout: 600 * time.Millisecond,
	}
}

// Probe picks a UDP target from the ICE server list and runs the loss train
// against it.
func Probe(ctx context.Context, turn model.TurnInfo) (model.UDPLossSummary, error) {
	addr, err := targetAddr(turn)
	if err != nil {
		return model.UDPLossSummary{}, err
	}
	return ProbeAddr(ctx, addr)
}

// ProbeAddr sends binding requests to addr, one per cadence tick, each with
// a fresh transaction id. A reply only counts when its transaction id
// matches the request it answers; anything else on the socket is discarded.
// Lost replies show up as sent-minus-received in the summary.
func ProbeAddr(ctx context.Context, addr string) (model.UDPLossSummary, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return model.UDPLossSummary{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	latency, err := lossTrain(ctx, conn, defaultTrain())
	if err != nil {
		return model.UDPLossSummary{}, err
	}
	return model.UDPLossSummary{Target: addr, Latency: latency}, nil
}

func lossTrain(ctx context.Context, conn net.Conn, p trainParams) (model.LatencySummary, error) {
	var (
		sent, received uint64
		samples        []float64
		online         stats.OnlineStats
		buf            = make([]byte, 1500)
	)

	for i := 0; i < p.count; i++ {
		if ctx.Err() != nil {
			break
		}

		msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
		if err != nil {
			return model.LatencySummary{}, fmt.Errorf("build binding request: %w", err)
		}

		start := time.Now()
		if _, err := conn.Write(msg.Raw); err != nil {
			if ctx.Err() != nil {
				break
			}
			// A failed send is still an attempt; it counts as loss.
			sent++
		} else {
			sent++
			if ms, ok := awaitReply(conn, msg.TransactionID, start, p.replyTimeout, buf); ok {
				received++
				samples = append(samples, ms)
				online.Push(ms)
			}
		}

		if i < p.count-1 {
			if rem := p.sendInterval - time.Since(start); rem > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(rem):
				}
			}
		}
	}

	var jitter *float64
	if stddev, ok := online.StdDev(); ok {
		jitter = &stddev
	}
	return stats.LatencySummaryFromSamples(sent, received, samples, jitter), nil
}

// awaitReply reads from conn until a binding success matching txID arrives
// or the reply window closes. Replies for other transactions are skipped,
// not counted.
func awaitReply(conn net.Conn, txID [stun.TransactionIDSize]byte, start time.Time, timeout time.Duration, buf []byte) (float64, bool) {
	deadline := start.Add(timeout)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return 0, false
		}
		n, err := conn.Read(buf)
		if err != nil {
			return 0, false
		}

		res := new(stun.Message)
		res.Raw = append(res.Raw[:0], buf[:n]...)
		if err := res.Decode(); err != nil {
			continue
		}
		if res.Type != stun.BindingSuccess || res.TransactionID != txID {
			continue
		}
		return float64(time.Since(start)) / float64(time.Millisecond), true
	}
}

// targetAddr selects the probe destination from the ICE server urls,
// preferring a stun: entry over turn: and defaulting the port.
func targetAddr(turn model.TurnInfo) (string, error) {
	var fallback string
	for _, raw := range turn.URLs {
		scheme, rest, ok := splitScheme(raw)
		if !ok {
			continue
		}
		switch scheme {
		case "stun", "stuns":
			return hostPort(rest), nil
		case "turn", "turns":
			if fallback == "" {
				fallback = hostPort(rest)
			}
		}
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("no usable stun or turn url in %v", turn.URLs)
}

func splitScheme(raw string) (scheme, rest string, ok bool) {
	i := strings.Index(raw, ":")
	if i <= 0 {
		return "", "", false
	}
	return strings.ToLower(raw[:i]), raw[i+1:], true
}

// hostPort strips any transport query and applies the default STUN port.
func hostPort(rest string) string {
	rest = strings.TrimPrefix(rest, "//")
	if i := strings.Index(rest, "?"); i >= 0 {
		rest = rest[:i]
	}
	if _, _, err := net.SplitHostPort(rest); err != nil {
		return net.JoinHostPort(rest, defaultPort)
	}
	return rest
}
