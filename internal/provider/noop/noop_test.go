package noop

import (
	"context"
	"testing"
	"time"

	"github.com/scoutflo/wasm-kubelet/internal/provider"
)

func TestProviderValidateAlwaysAccepts(t *testing.T) {
	p := New()
	result, err := p.Validate(context.Background(), "default", "web-0")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !result.Accepted {
		t.Fatal("expected noop provider to accept every pod")
	}
}

func TestStartContainerRequiresModuleBytes(t *testing.T) {
	p := New()
	_, err := p.StartContainer(context.Background(), provider.StartRequest{Namespace: "default", PodName: "web-0", ContainerName: "app"})
	if err == nil {
		t.Fatal("expected error when module bytes are empty")
	}
}

func TestHandleRunsUntilStop(t *testing.T) {
	p := New()
	h, err := p.StartContainer(context.Background(), provider.StartRequest{
		Namespace: "default", PodName: "web-0", ContainerName: "app",
		ModuleBytes: []byte("wasm-bytes"),
	})
	if err != nil {
		t.Fatalf("StartContainer: %v", err)
	}

	select {
	case status := <-h.StatusChannel():
		if !status.Running {
			t.Fatal("expected initial status Running")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial status")
	}

	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	final, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if final.Running {
		t.Fatal("expected Running=false after Stop")
	}
}
