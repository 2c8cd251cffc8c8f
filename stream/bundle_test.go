package stream

import (
	"context"
	"strings"
	"testing"
)

func TestReader_Bundle(t *testing.T) {
	reader := NewReader()

	bundle := `{
		"resourceType": "Bundle",
		"type": "collection",
		"entry": [
			{
				"fullUrl": "urn:uuid:patient-1",
				"resource": {
					"resourceType": "Patient",
					"id": "1",
					"gender": "female"
				}
			},
			{
				"fullUrl": "urn:uuid:patient-2",
				"resource": {
					"resourceType": "Patient",
					"id": "2"
				}
			}
		]
	}`

	count := 0
	for entry := range reader.Bundle(context.Background(), strings.NewReader(bundle)) {
		if entry.Error != nil {
			t.Errorf("Entry %d error: %v", entry.Index, entry.Error)
			continue
		}
		if entry.Index != count {
			t.Errorf("Index = %d; want %d", entry.Index, count)
		}
		if entry.ResourceType != "Patient" {
			t.Errorf("ResourceType = %q; want Patient", entry.ResourceType)
		}
		count++
	}

	if count != 2 {
		t.Errorf("Read %d entries; want 2", count)
	}
}

func TestReader_EmptyBundle(t *testing.T) {
	entries := NewReader().Bundle(context.Background(), strings.NewReader(`{"resourceType": "Bundle", "type": "collection"}`))

	count := 0
	for range entries {
		count++
	}

	if count != 0 {
		t.Errorf("Expected 0 entries for empty bundle, got %d", count)
	}
}

func TestReader_InvalidJSON(t *testing.T) {
	entries := NewReader().Bundle(context.Background(), strings.NewReader(`not valid json`))

	var errorFound bool
	for entry := range entries {
		if entry.Error != nil {
			errorFound = true
		}
	}

	if !errorFound {
		t.Error("Expected error for invalid JSON")
	}
}

func TestReader_ContextCancellation(t *testing.T) {
	lines := make([]string, 1000)
	for i := range lines {
		lines[i] = `{"resourceType": "Patient", "id": "` + string(rune('0'+i%10)) + `"}`
	}

	ctx, cancel := context.WithCancel(context.Background())
	entries := NewReader().WithBufferSize(1).NDJSON(ctx, strings.NewReader(strings.Join(lines, "\n")))

	count := 0
	for range entries {
		count++
		if count == 1 {
			cancel()
		}
	}

	if count >= 1000 {
		t.Errorf("Expected early termination, read %d entries", count)
	}
}

func TestReader_EntryWithoutResource(t *testing.T) {
	bundle := `{"resourceType": "Bundle", "entry": [{"fullUrl": "urn:uuid:1"}]}`

	for entry := range NewReader().Bundle(context.Background(), strings.NewReader(bundle)) {
		if entry.Error != nil {
			t.Errorf("Unexpected error: %v", entry.Error)
		}
		if entry.FullURL != "urn:uuid:1" {
			t.Errorf("FullURL = %q; want urn:uuid:1", entry.FullURL)
		}
		if entry.Resource != nil {
			t.Errorf("Resource = %v; want nil", entry.Resource)
		}
	}
}

func TestReader_NDJSON(t *testing.T) {
	ndjson := strings.Join([]string{
		`{"resourceType": "Encounter", "id": "e1", "status": "completed"}`,
		``,
		`{"resourceType": "Encounter", "id": "e2"`,
		`{"resourceType": "Encounter", "id": "e3"}`,
	}, "\n")

	c := Collect(NewReader().NDJSON(context.Background(), strings.NewReader(ndjson)))

	if len(c.Resources) != 2 {
		t.Fatalf("Resources = %d; want 2", len(c.Resources))
	}
	if c.Indexes[0] != 0 || c.Indexes[1] != 2 {
		t.Errorf("Indexes = %v; want [0 2]", c.Indexes)
	}
	if len(c.Failures) != 1 || c.Failures[0].Index != 1 {
		t.Errorf("Failures = %v; want one failure at index 1", c.Failures)
	}
	if !c.HasErrors() {
		t.Error("HasErrors() should return true")
	}
}

func TestReader_Read(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ids   []string
	}{
		{
			name:  "ndjson",
			input: "{\"resourceType\": \"Patient\", \"id\": \"a\"}\n{\"resourceType\": \"Patient\", \"id\": \"b\"}\n",
			ids:   []string{"a", "b"},
		},
		{
			name:  "single line bundle",
			input: `{"resourceType": "Bundle", "entry": [{"resource": {"resourceType": "Patient", "id": "a"}}]}`,
			ids:   []string{"a"},
		},
		{
			name:  "pretty bundle",
			input: "{\n  \"resourceType\": \"Bundle\",\n  \"entry\": [\n    {\"resource\": {\"resourceType\": \"Patient\", \"id\": \"c\"}}\n  ]\n}",
			ids:   []string{"c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ids []string
			for entry := range NewReader().Read(context.Background(), strings.NewReader(tt.input)) {
				if entry.Error != nil {
					t.Fatalf("Unexpected error: %v", entry.Error)
				}
				ids = append(ids, entry.ResourceID)
			}
			if strings.Join(ids, ",") != strings.Join(tt.ids, ",") {
				t.Errorf("ids = %v; want %v", ids, tt.ids)
			}
		})
	}
}

func TestCollect_Summary(t *testing.T) {
	bundle := `{"resourceType": "Bundle", "entry": [
		{"resource": {"resourceType": "Patient", "id": "1"}},
		{"fullUrl": "urn:uuid:empty"}
	]}`

	c := Collect(NewReader().Bundle(context.Background(), strings.NewReader(bundle)))

	if c.HasErrors() {
		t.Error("HasErrors() should return false")
	}
	if c.Skipped != 1 {
		t.Errorf("Skipped = %d; want 1", c.Skipped)
	}
	if got := c.Summary(); got != "Read 1 resources: 0 failed, 1 entries without a resource" {
		t.Errorf("Summary() = %q", got)
	}
}

func TestReader_InvalidOptions(t *testing.T) {
	reader := NewReader().WithBufferSize(0)

	if reader.bufferSize != 100 {
		t.Errorf("bufferSize = %d; want 100 (default)", reader.bufferSize)
	}
}

func BenchmarkReader_NDJSON(b *testing.B) {
	lines := make([]string, 100)
	for i := range lines {
		lines[i] = `{"resourceType": "Patient", "id": "` + string(rune('0'+i%10)) + `"}`
	}
	input := strings.Join(lines, "\n")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for range NewReader().NDJSON(context.Background(), strings.NewReader(input)) {
		}
	}
}
