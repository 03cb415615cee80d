package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	createSchema := compile("create_job.schema.json")
	eventSchema := compile("event.schema.json")

	var create any
	_ = json.Unmarshal([]byte(`{
	  "server_id":"smp-eu-1",
	  "snapshot_path":"/var/lib/hotimportd/staged/2026-08-30",
	  "dest_world_path":"/srv/minecraft/smp-eu-1/world",
	  "force":false
	}`), &create)
	validate(createSchema, create)

	var state any
	_ = json.Unmarshal([]byte(`{
	  "type":"JOB_STATE",
	  "job_id":"8cbdfa0e-2f0a-4c1d-9f9f-0b6a7f6c1e55",
	  "server_id":"smp-eu-1",
	  "status":"importing",
	  "at":"2026-08-30T12:00:00.000000Z"
	}`), &state)
	validate(eventSchema, state)

	var regionDone any
	_ = json.Unmarshal([]byte(`{
	  "type":"REGION_COMPLETED",
	  "job_id":"8cbdfa0e-2f0a-4c1d-9f9f-0b6a7f6c1e55",
	  "server_id":"smp-eu-1",
	  "dim":"overworld",
	  "region":"r.-3.12",
	  "outcome":"written",
	  "regions_completed":17,
	  "regions_total":256,
	  "at":"2026-08-30T12:00:05.000000Z"
	}`), &regionDone)
	validate(eventSchema, regionDone)

	var throttled any
	_ = json.Unmarshal([]byte(`{
	  "type":"BATCH_THROTTLED",
	  "job_id":"8cbdfa0e-2f0a-4c1d-9f9f-0b6a7f6c1e55",
	  "server_id":"smp-eu-1",
	  "tps":14.5,
	  "batch_size":6,
	  "delay_ms":145,
	  "sample":"degraded",
	  "at":"2026-08-30T12:00:06.000000Z"
	}`), &throttled)
	validate(eventSchema, throttled)

	var invalid any
	_ = json.Unmarshal([]byte(`{"server_id":"","snapshot_path":"x","dest_world_path":"y"}`), &invalid)
	if err := createSchema.Validate(invalid); err == nil {
		t.Fatalf("empty server_id passed create_job schema")
	}
}
