package types //nolint:revive // types is a valid package name

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

func TestJobStatus_CanAdvance(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusAccepted, JobStatusRunning, true},
		{JobStatusAccepted, JobStatusDone, true},
		{JobStatusRunning, JobStatusDone, true},
		{JobStatusRunning, JobStatusFailed, true},
		{JobStatusRunning, JobStatusAccepted, false},
		{JobStatusRunning, JobStatusRunning, false},
		{JobStatusDone, JobStatusFailed, false},
		{JobStatusFailed, JobStatusDone, false},
		{JobStatusAccepted, JobStatus("PAUSED"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanAdvance(tt.to); got != tt.want {
				t.Errorf("CanAdvance = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJobStatus_HTTPStatus(t *testing.T) {
	tests := map[JobStatus]int{
		JobStatusAccepted: 202,
		JobStatusRunning:  202,
		JobStatusDone:     201,
		JobStatusFailed:   201,
	}
	for status, want := range tests {
		if got := status.HTTPStatus(); got != want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", status, got, want)
		}
	}
}

func TestEnvelope_Advance(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	env := Envelope{UUID: "j1", Status: JobStatusAccepted, CreatedAt: created, UpdatedAt: created}

	later := created.Add(time.Second)
	if err := env.Advance(JobStatusRunning, later); err != nil {
		t.Fatalf("Advance(RUNNING): %v", err)
	}
	if env.UpdatedAt != later {
		t.Errorf("UpdatedAt = %v, want %v", env.UpdatedAt, later)
	}
	if err := env.Advance(JobStatusAccepted, later); err == nil {
		t.Error("regression to ACCEPTED should fail")
	}
	if env.Status != JobStatusRunning {
		t.Errorf("failed Advance changed status to %s", env.Status)
	}
}

func TestEnvelope_JSONOmitsEmpty(t *testing.T) {
	data, err := json.Marshal(Envelope{UUID: "j1", Status: JobStatusAccepted})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, absent := range []string{"result", "error", "owner", "ttl"} {
		if _, ok := fields[absent]; ok {
			t.Errorf("envelope JSON should not contain %q: %s", absent, data)
		}
	}
}

func TestJobRecord_MsgpackKeepsPrivateFields(t *testing.T) {
	rec := JobRecord{
		Envelope: Envelope{
			UUID:   "j1",
			Status: JobStatusFailed,
			Error:  &ErrorObject{Code: "compute_failed", Message: "boom"},
		},
		Service: "echo",
		Version: "1",
		Owner:   "alice",
		TTL:     TTLShared,
	}
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got JobRecord
	if err := msgpack.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Owner != "alice" || got.TTL != TTLShared || got.UUID != "j1" {
		t.Errorf("record = %+v", got)
	}
	if got.Error == nil || got.Error.Code != "compute_failed" {
		t.Errorf("error = %+v", got.Error)
	}
	if view := got.View(); view.Status != JobStatusFailed {
		t.Errorf("View().Status = %s", view.Status)
	}
}
