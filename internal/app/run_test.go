package app

import "testing"

func TestRunRecord(t *testing.T) {
	r := NewRunRecord("upload", "source=/data drive=D")

	if r.RunID == "" {
		t.Error("RunID should be generated")
	}
	if r.Status != "success" {
		t.Errorf("Status = %q, want success", r.Status)
	}
	if r.Persisted() {
		t.Error("fresh run record should not be persisted")
	}

	r.ID = 7
	if !r.Persisted() {
		t.Error("run record with an ID should be persisted")
	}

	other := NewRunRecord("upload", "")
	if other.RunID == r.RunID {
		t.Error("run IDs should be unique")
	}
}
