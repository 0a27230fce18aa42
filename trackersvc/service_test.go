package trackersvc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"diarization/tracker"
)

func startTestServer(t *testing.T) (addr string, stop func()) {
	t.Helper()

	socket := filepath.Join(t.TempDir(), "tracker-test.sock")
	svc := NewService(tracker.NewDatabase())

	errCh := make(chan error, 1)
	go func() { errCh <- Serve("unix://"+socket, svc) }()
	time.Sleep(200 * time.Millisecond)

	return "unix:" + socket, func() { _ = os.Remove(socket) }
}

func unitVector(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1.0
	return v
}

func TestTrackerServiceAssignAndFind(t *testing.T) {
	addr, cleanup := startTestServer(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	client, err := Dial(ctx, addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	resp, err := client.Call(Request{
		Op:        "assign_speaker",
		Embedding: unitVector(256, 0),
		DurationS: 2.0,
	}, 2*time.Second)
	if err != nil {
		t.Fatalf("assign_speaker: %v", err)
	}
	if resp.Error != "" {
		t.Fatalf("assign_speaker error: %s", resp.Error)
	}
	if resp.Speaker == nil || resp.Speaker.ID != "1" {
		t.Fatalf("expected speaker 1, got %+v", resp.Speaker)
	}

	resp, err = client.Call(Request{
		Op:        "find_speaker",
		Embedding: unitVector(256, 0),
		Threshold: tracker.DefaultSpeakerThreshold,
	}, 2*time.Second)
	if err != nil {
		t.Fatalf("find_speaker: %v", err)
	}
	if resp.Speaker == nil || resp.Speaker.ID != "1" {
		t.Fatalf("expected to find speaker 1, got %+v", resp.Speaker)
	}
}

func TestTrackerServiceUnknownOp(t *testing.T) {
	addr, cleanup := startTestServer(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	client, err := Dial(ctx, addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	resp, err := client.Call(Request{Op: "does_not_exist"}, 2*time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Error == "" {
		t.Fatal("expected an error response for unknown op")
	}
}
