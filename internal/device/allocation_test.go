package device

import "testing"

func TestAllocationRecordRoundTrip(t *testing.T) {
	rec := NewAllocationRecord()
	resp := AllocateResponse{Envs: map[string]string{"DEVICE": "d1"}}
	rec.Record("pod-uid-1", "app", "example.com/dongle", []string{"d1"}, resp)

	got, ids, ok := rec.Get("pod-uid-1", "app", "example.com/dongle")
	if !ok {
		t.Fatal("expected allocation to be recorded")
	}
	if len(ids) != 1 || ids[0] != "d1" {
		t.Errorf("device ids = %v", ids)
	}
	if got.Envs["DEVICE"] != "d1" {
		t.Errorf("envs = %v", got.Envs)
	}
}

func TestAllocationRecordForgetPod(t *testing.T) {
	rec := NewAllocationRecord()
	rec.Record("pod-uid-1", "app", "example.com/dongle", []string{"d1"}, AllocateResponse{})
	rec.ForgetPod("pod-uid-1")

	if _, _, ok := rec.Get("pod-uid-1", "app", "example.com/dongle"); ok {
		t.Fatal("expected allocation to be forgotten after ForgetPod")
	}
}
