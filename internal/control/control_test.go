package control

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NodePath81/edgeprobe/internal/model"
	"github.com/NodePath81/edgeprobe/internal/util"
)

func dialTestServer(t *testing.T) (*Server, *websocket.Conn, chan model.EngineControl) {
	t.Helper()
	controlCh := make(chan model.EngineControl, 8)
	s := NewServer("", controlCh, util.NewQuietLogger())

	srv := httptest.NewServer(http.HandlerFunc(s.HandleEvents))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return s, conn, controlCh
}

func TestOpsForwardToControlChannel(t *testing.T) {
	_, conn, controlCh := dialTestServer(t)

	cases := []struct {
		op   string
		want model.EngineControl
	}{
		{"pause", model.EngineControl{Kind: model.ControlPause, Paused: true}},
		{"resume", model.EngineControl{Kind: model.ControlPause, Paused: false}},
		{"cancel", model.EngineControl{Kind: model.ControlCancel}},
	}
	for _, tc := range cases {
		if err := conn.WriteJSON(opMessage{Op: tc.op}); err != nil {
			t.Fatalf("write %q: %v", tc.op, err)
		}
		select {
		case got := <-controlCh:
			if got != tc.want {
				t.Fatalf("op %q forwarded as %+v, want %+v", tc.op, got, tc.want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("op %q never reached the control channel", tc.op)
		}
	}
}

func TestUnknownOpIsIgnored(t *testing.T) {
	_, conn, controlCh := dialTestServer(t)

	if err := conn.WriteJSON(opMessage{Op: "explode"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case got := <-controlCh:
		t.Fatalf("unknown op forwarded: %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBroadcastReachesSubscriber(t *testing.T) {
	s, conn, _ := dialTestServer(t)

	// The subscriber registers asynchronously after the upgrade; keep
	// broadcasting until the event arrives.
	got := make(chan model.TestEvent, 1)
	go func() {
		var ev model.TestEvent
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := conn.ReadJSON(&ev); err == nil {
			got <- ev
		}
	}()

	deadline := time.After(3 * time.Second)
	for {
		s.Broadcast(model.TestEvent{Kind: model.EventPhaseStarted, Phase: model.PhaseDownload})
		select {
		case ev := <-got:
			if ev.Kind != model.EventPhaseStarted || ev.Phase != model.PhaseDownload {
				t.Fatalf("event = %+v", ev)
			}
			return
		case <-deadline:
			t.Fatal("broadcast never reached the subscriber")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
