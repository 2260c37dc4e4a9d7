package queue

import (
	"encoding/json"
	"testing"
)

func TestJobPayloadSchema(t *testing.T) {
	reg, err := NewSchemaRegistry()
	if err != nil {
		t.Fatalf("NewSchemaRegistry: %v", err)
	}

	good, _ := json.Marshal(JobPayload{JobID: "job-1", OwnerID: "owner-1", Trigger: TriggerManual})
	if err := reg.Validate(EventJobEnqueued, PayloadVersion, good); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	bad := []byte(`{"job_id":"job-1","trigger":"manual"}`)
	if err := reg.Validate(EventJobEnqueued, PayloadVersion, bad); err == nil {
		t.Fatalf("payload without owner_id accepted")
	}

	unknown := []byte(`{"job_id":"j","owner_id":"o","trigger":"poke"}`)
	if err := reg.Validate(EventJobEnqueued, PayloadVersion, unknown); err == nil {
		t.Fatalf("payload with unknown trigger accepted")
	}
}

func TestUnmarshalEnvelope(t *testing.T) {
	raw := []byte(`{"event_id":"e1","event_type":"plan.job.enqueued","attempt":0,"payload_version":"v1","data":{"job_id":"j","owner_id":"o","trigger":"manual"}}`)
	env, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	if env.EventType != EventJobEnqueued {
		t.Fatalf("unexpected event type %q", env.EventType)
	}

	if _, err := UnmarshalEnvelope([]byte(`{"event_type":"plan.job.enqueued"}`)); err == nil {
		t.Fatalf("envelope without event_id accepted")
	}
}
