// Package constraint evaluates FHIRPath invariants declared on the root
// element of a StructureDefinition.
package constraint

import (
	"encoding/json"
	"fmt"

	"github.com/gofhir/fhirpath"
	"github.com/gofhir/fhirpath/funcs"

	"github.com/globaldothealth/fhirflat"
	"github.com/globaldothealth/fhirflat/cache"
	"github.com/globaldothealth/fhirflat/pkg/registry"
)

func init() {
	// trace() in invariants must not write to stdout
	funcs.SetTraceLogger(funcs.NullTraceLogger{})
}

// Evaluator evaluates invariants. Compiled expressions are cached.
type Evaluator struct {
	exprCache *cache.Cache[string, *fhirpath.Expression]
}

// New creates an Evaluator caching up to cacheSize compiled expressions.
func New(cacheSize int) *Evaluator {
	return &Evaluator{
		exprCache: cache.New[string, *fhirpath.Expression](cacheSize),
	}
}

// Evaluate runs the root-element invariants of sd against data and returns
// one issue per violated or unevaluable invariant. fhirPath locates data in
// the enclosing resource.
func (e *Evaluator) Evaluate(data map[string]any, sd *registry.StructureDefinition, fhirPath string) []fhirflat.Issue {
	root := sd.Root()
	if root == nil || len(root.Constraint) == 0 {
		return nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return []fhirflat.Issue{
			fhirflat.Error(fhirflat.IssueTypeProcessing).
				Diagnostics("cannot encode element for invariant evaluation: " + err.Error()).
				At(fhirPath).Build(),
		}
	}

	var issues []fhirflat.Issue
	for _, c := range root.Constraint {
		if c.Expression == "" {
			continue
		}
		if is, failed := e.evaluate(raw, c, fhirPath); failed {
			issues = append(issues, is)
		}
	}
	return issues
}

func (e *Evaluator) evaluate(raw []byte, c registry.Constraint, fhirPath string) (fhirflat.Issue, bool) {
	expr, err := e.compiled(c.Expression)
	if err != nil {
		return fhirflat.Warning(fhirflat.IssueTypeProcessing).
			Diagnostics(fmt.Sprintf("invariant %s does not compile: %v", c.Key, err)).
			At(fhirPath).Constraint(c.Key).Build(), true
	}

	result, err := expr.Evaluate(raw)
	if err != nil {
		return fhirflat.Warning(fhirflat.IssueTypeProcessing).
			Diagnostics(fmt.Sprintf("invariant %s could not be evaluated: %v", c.Key, err)).
			At(fhirPath).Constraint(c.Key).Build(), true
	}
	if passed(result) {
		return fhirflat.Issue{}, false
	}

	b := fhirflat.Warning(fhirflat.IssueTypeInvariant)
	if c.Severity == "error" {
		b = fhirflat.Error(fhirflat.IssueTypeInvariant)
	}
	return b.Diagnostics(fmt.Sprintf("Constraint failed: %s: '%s'", c.Key, c.Human)).
		At(fhirPath).Constraint(c.Key).Build(), true
}

func (e *Evaluator) compiled(expr string) (*fhirpath.Expression, error) {
	return e.exprCache.GetOrLoad(expr, func() (*fhirpath.Expression, error) {
		return fhirpath.Compile(expr)
	})
}

// passed treats an empty result as not applicable and a non-boolean result
// as truthy.
func passed(result fhirpath.Collection) bool {
	if result.Empty() {
		return true
	}
	b, err := result.ToBoolean()
	if err != nil {
		return true
	}
	return b
}

// CacheStats returns the statistics of the expression cache.
func (e *Evaluator) CacheStats() cache.Stats {
	return e.exprCache.Stats()
}
