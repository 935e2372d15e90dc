package backend

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/cirrusfs/cirrusfs/pkg/errors"
)

// A port we own but never listen on gives instant connection refusals.
func deadServerURL(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return "http://" + addr
}

func TestRunnerSuspendsDeadServer(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewHTTPRunner(deadServerURL(t), time.Second, log)

	in := Input{App: "files", Action: "getfolder"}
	for i := 0; i < 5; i++ {
		_, err := r.RunAction(context.Background(), in)
		if !errors.Is(err, errors.ErrConnection) {
			t.Fatalf("RunAction() error = %v, want connection error", err)
		}
	}

	// Tripped now: requests fail without touching the network.
	_, err := r.RunAction(context.Background(), in)
	if !errors.Is(err, errors.ErrConnection) {
		t.Fatalf("RunAction() after trip error = %v, want connection error", err)
	}
	if !strings.Contains(err.Error(), "suspended") {
		t.Errorf("RunAction() after trip = %v, want suspended-connection error", err)
	}
}
