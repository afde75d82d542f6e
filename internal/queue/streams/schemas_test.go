package streams

import (
	"encoding/json"
	"testing"
)

func TestJobEnqueuedSchemaValidates(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		t.Fatalf("register base schemas: %v", err)
	}

	payload := map[string]interface{}{
		"problemStatement": "How might we reduce onboarding drop-off for new users?",
		"metadata":         map[string]interface{}{"source": "cli"},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := reg.Validate("job.enqueued", "v1", data); err != nil {
		t.Fatalf("expected job.enqueued payload to validate: %v", err)
	}
}

func TestJobEnqueuedSchemaRejectsMissingProblemStatement(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		t.Fatalf("register base schemas: %v", err)
	}

	payload := map[string]interface{}{"metadata": map[string]interface{}{}}
	data, _ := json.Marshal(payload)
	if err := reg.Validate("job.enqueued", "v1", data); err == nil {
		t.Fatalf("expected validation to fail without problemStatement")
	}
}
