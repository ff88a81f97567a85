package reflector

import (
	"encoding/json"
	"testing"

	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/scoutflo/wasm-kubelet/internal/objectstate"
)

var configMapGVK = schema.GroupVersionKind{Version: "v1", Kind: "ConfigMap"}

func TestRegistryMissingKindIsNotTrackedNotEmpty(t *testing.T) {
	r := New()
	if r.Tracks(configMapGVK) {
		t.Fatal("fresh registry should not track any kind yet")
	}
	if _, ok := r.Get(configMapGVK, objectstate.Key{Name: "a"}); ok {
		t.Fatal("expected miss for untracked kind")
	}
}

func TestRegistryUpsertGetDelete(t *testing.T) {
	r := New()
	key := objectstate.Key{Namespace: "default", Name: "cm-1"}
	r.Upsert(configMapGVK, key, json.RawMessage(`{"data":{"k":"v"}}`))

	if !r.Tracks(configMapGVK) {
		t.Fatal("expected kind to be tracked after upsert")
	}
	raw, ok := r.Get(configMapGVK, key)
	if !ok {
		t.Fatal("expected object to be present")
	}
	var decoded struct {
		Data map[string]string `json:"data"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Data["k"] != "v" {
		t.Fatalf("data = %v", decoded.Data)
	}

	r.Delete(configMapGVK, key)
	if _, ok := r.Get(configMapGVK, key); ok {
		t.Fatal("expected object to be gone after delete")
	}
	if !r.Tracks(configMapGVK) {
		t.Fatal("kind should still be tracked (empty, not untracked) after delete")
	}
}

func TestRegistryRestartClearsKind(t *testing.T) {
	r := New()
	key := objectstate.Key{Name: "cm-1"}
	r.Upsert(configMapGVK, key, json.RawMessage(`{}`))
	r.Restart(configMapGVK)
	if _, ok := r.Get(configMapGVK, key); ok {
		t.Fatal("expected restart to clear previously mirrored objects")
	}
	r.Upsert(configMapGVK, objectstate.Key{Name: "cm-2"}, json.RawMessage(`{}`))
	if _, ok := r.Get(configMapGVK, objectstate.Key{Name: "cm-2"}); !ok {
		t.Fatal("expected reinsert after restart to succeed")
	}
}
