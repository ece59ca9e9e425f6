package traceroute

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/NodePath81/edgeprobe/internal/model"
)

// runSystem shells out to the platform traceroute binary and parses its
// numeric output into the same summary shape as the raw walk.
func runSystem(ctx context.Context, dst *net.IPAddr, maxHops int, emit func(model.TracerouteHop)) (model.TracerouteSummary, error) {
	name, args := systemCommand(dst.IP.String(), maxHops)
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		// tracert exits nonzero on unreachable targets but still prints
		// the hops it saw; only a missing binary is fatal.
		if len(out) == 0 {
			return model.TracerouteSummary{}, fmt.Errorf("run %s: %w", name, err)
		}
	}

	summary := parseSystemOutput(out, dst.IP.String(), emit)
	return summary, nil
}

func systemCommand(target string, maxHops int) (string, []string) {
	hops := strconv.Itoa(maxHops)
	if runtime.GOOS == "windows" {
		return "tracert", []string{"-h", hops, "-d", target}
	}
	return "traceroute", []string{"-m", hops, "-n", "-q", "3", target}
}

// parseSystemOutput handles both the unix and windows line formats. Hops are
// identified by a leading integer; "*" marks a lost probe and "<1 ms" style
// sub-millisecond readings round up to one.
func parseSystemOutput(out []byte, destination string, emit func(model.TracerouteHop)) model.TracerouteSummary {
	summary := model.TracerouteSummary{Destination: destination}

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		hop, ok := parseHopLine(sc.Text())
		if !ok {
			continue
		}
		summary.Hops = append(summary.Hops, hop)
		if emit != nil {
			emit(hop)
		}
		if hop.Address == destination {
			summary.Completed = true
			break
		}
	}
	return summary
}

func parseHopLine(line string) (model.TracerouteHop, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return model.TracerouteHop{}, false
	}
	num, err := strconv.Atoi(fields[0])
	if err != nil || num < 1 {
		return model.TracerouteHop{}, false
	}

	hop := model.TracerouteHop{Hop: num}
	timeouts := 0
	for _, f := range fields[1:] {
		switch {
		case f == "*":
			timeouts++
		case f == "ms":
			// unit token following a reading
		case net.ParseIP(f) != nil:
			if hop.Address == "" {
				hop.Address = f
			}
		default:
			raw := strings.TrimPrefix(f, "<")
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				hop.RTTMs = append(hop.RTTMs, v)
			}
		}
	}
	hop.Timeout = len(hop.RTTMs) == 0 && timeouts > 0
	if hop.Address == "" && len(hop.RTTMs) == 0 && timeouts == 0 {
		return model.TracerouteHop{}, false
	}
	return hop, true
}
