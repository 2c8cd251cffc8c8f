package constraint

import (
	"testing"

	"github.com/globaldothealth/fhirflat"
	"github.com/globaldothealth/fhirflat/pkg/registry"
)

func TestEvaluate_ExtensionCardinality(t *testing.T) {
	reg, err := registry.NewEmbedded("R5")
	if err != nil {
		t.Fatal(err)
	}
	sd := reg.GetByType("Encounter")
	e := New(10)

	phase := map[string]any{"url": "timingPhase", "valueCodeableConcept": map[string]any{"text": "admission"}}
	ok := map[string]any{"resourceType": "Encounter", "status": "completed", "extension": []any{phase}}
	if issues := e.Evaluate(ok, sd, "Encounter"); len(issues) != 0 {
		t.Errorf("unexpected issues: %v", issues)
	}

	twice := map[string]any{"resourceType": "Encounter", "status": "completed", "extension": []any{phase, phase}}
	issues := e.Evaluate(twice, sd, "Encounter")
	if len(issues) != 1 {
		t.Fatalf("issues = %v; want one violation", issues)
	}
	if issues[0].Code != fhirflat.IssueTypeInvariant || !issues[0].IsError() || issues[0].ConstraintKey != "gh-enc-1" {
		t.Errorf("issue = %+v", issues[0])
	}

	// second evaluation hits the expression cache
	e.Evaluate(ok, sd, "Encounter")
	if e.CacheStats().Hits == 0 {
		t.Error("expected an expression cache hit")
	}
}

func TestEvaluate_NoConstraints(t *testing.T) {
	reg, err := registry.NewEmbedded("R5")
	if err != nil {
		t.Fatal(err)
	}
	e := New(10)
	if issues := e.Evaluate(map[string]any{"start": "2020-01-01"}, reg.GetByType("Period"), "Encounter.actualPeriod"); issues != nil {
		t.Errorf("issues = %v", issues)
	}
}
