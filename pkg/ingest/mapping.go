package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cast"
)

// Column names of a mapping file.
const (
	VariableColumn = "raw_variable"
	ResponseColumn = "raw_response"
)

// Wildcard is the response key of a rule that applies to any response.
const Wildcard = ""

// Target is one "FHIRflat path = expression" cell of a mapping rule.
type Target struct {
	Path string
	Expr string
}

// Rule is the set of targets filled for one raw variable and response.
type Rule struct {
	Variable string
	Response string
	Targets  []Target
}

// MappingTable indexes rules by raw variable and normalised response. It is
// read-only after loading and safe to share between goroutines.
type MappingTable struct {
	targets   []string
	variables []string
	rules     map[string]map[string]*Rule
}

// LoadMappingTable reads a mapping CSV. The file has a raw_variable column,
// a raw_response column and one column per target path. A blank
// raw_variable continues the previous row's variable. A blank raw_response
// makes the rule apply to any response; otherwise only the text before the
// first comma is kept. Blank target cells are not applicable.
func LoadMappingTable(r io.Reader) (*MappingTable, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("mapping file is empty")
		}
		return nil, fmt.Errorf("read mapping header: %w", err)
	}
	varIdx, respIdx := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(h) {
		case VariableColumn:
			varIdx = i
		case ResponseColumn:
			respIdx = i
		}
	}
	if varIdx < 0 || respIdx < 0 {
		return nil, fmt.Errorf("mapping file must have %s and %s columns", VariableColumn, ResponseColumn)
	}

	m := &MappingTable{rules: make(map[string]map[string]*Rule)}
	targetIdx := make([]int, 0, len(header))
	for i, h := range header {
		if i != varIdx && i != respIdx {
			m.targets = append(m.targets, strings.TrimSpace(h))
			targetIdx = append(targetIdx, i)
		}
	}

	variable := ""
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read mapping line %d: %w", line, err)
		}
		if v := strings.TrimSpace(cell(rec, varIdx)); v != "" {
			variable = v
		}
		if variable == "" {
			return nil, fmt.Errorf("mapping line %d: no %s", line, VariableColumn)
		}

		var targets []Target
		for j, idx := range targetIdx {
			if expr := strings.TrimSpace(cell(rec, idx)); expr != "" {
				targets = append(targets, Target{Path: m.targets[j], Expr: expr})
			}
		}
		if err := m.add(variable, NormalizeResponse(cell(rec, respIdx)), targets); err != nil {
			return nil, fmt.Errorf("mapping line %d: %w", line, err)
		}
	}
	return m, nil
}

func cell(rec []string, i int) string {
	if i < len(rec) {
		return rec[i]
	}
	return ""
}

func (m *MappingTable) add(variable, response string, targets []Target) error {
	byResponse, ok := m.rules[variable]
	if !ok {
		byResponse = make(map[string]*Rule)
		m.rules[variable] = byResponse
		m.variables = append(m.variables, variable)
	}
	rule, ok := byResponse[response]
	if !ok {
		byResponse[response] = &Rule{Variable: variable, Response: response, Targets: targets}
		return nil
	}
	for _, t := range targets {
		if prev, found := rule.target(t.Path); found {
			if prev != t.Expr {
				return fmt.Errorf("conflicting rules for %s response %q at %s", variable, response, t.Path)
			}
			continue
		}
		rule.Targets = append(rule.Targets, t)
	}
	return nil
}

func (r *Rule) target(path string) (string, bool) {
	for _, t := range r.Targets {
		if t.Path == path {
			return t.Expr, true
		}
	}
	return "", false
}

// NormalizeResponse returns the rule key of a response: the text before the
// first comma, trimmed, with integral numbers written without a decimal part.
func NormalizeResponse(s string) string {
	s, _, _ = strings.Cut(s, ",")
	s = strings.TrimSpace(s)
	if f, err := cast.ToFloat64E(s); err == nil && s != "" {
		return cast.ToString(f)
	}
	return s
}

// ResponseKey returns the rule key of a raw data value.
func ResponseKey(v any) string {
	return NormalizeResponse(cast.ToString(v))
}

// Targets returns the target paths in file order.
func (m *MappingTable) Targets() []string {
	return m.targets
}

// Variables returns the raw variables in file order.
func (m *MappingTable) Variables() []string {
	return m.variables
}

// HasVariable reports whether column has any rule.
func (m *MappingTable) HasVariable(column string) bool {
	_, ok := m.rules[column]
	return ok
}

// Lookup returns the rule for column and a raw response. A response-specific
// rule wins over the wildcard rule.
func (m *MappingTable) Lookup(column string, response any) (*Rule, bool) {
	byResponse, ok := m.rules[column]
	if !ok {
		return nil, false
	}
	if rule, ok := byResponse[ResponseKey(response)]; ok {
		return rule, true
	}
	rule, ok := byResponse[Wildcard]
	return rule, ok
}
