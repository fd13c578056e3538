package catalog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MappingKind discriminates the parsed forms of a parameter-mapping
// expression.
type MappingKind string

const (
	MappingLiteral       MappingKind = "literal"
	MappingPlaybookParam MappingKind = "playbook_param"
	MappingStepOutput    MappingKind = "step_output"
	MappingEstateField   MappingKind = "estate_field"
)

// Mapping is a parameter-mapping expression parsed into a closed set of
// variants at load time, so substitution never re-parses strings.
type Mapping struct {
	Kind    MappingKind
	Raw     string
	Literal string // MappingLiteral
	Param   string // MappingPlaybookParam
	Step    int    // MappingStepOutput, 1-based declared step number
	Output  string // MappingStepOutput
	Field   string // MappingEstateField, dotted path under estate
}

var stepOutputExpr = regexp.MustCompile(`^\$\{step(\d+)\.output\.([A-Za-z0-9_.-]+)\}$`)
var playbookParamExpr = regexp.MustCompile(`^\$\{playbook\.([A-Za-z0-9_.-]+)\}$`)
var estateFieldExpr = regexp.MustCompile(`^\$\{estate\.([A-Za-z0-9_.-]+)\}$`)

// ParseMapping classifies a raw mapping value. Values that are not a
// recognized ${...} expression are literals; a malformed ${...} value is
// an error rather than a silent literal.
func ParseMapping(raw string) (Mapping, error) {
	trimmed := strings.TrimSpace(raw)
	if m := playbookParamExpr.FindStringSubmatch(trimmed); m != nil {
		return Mapping{Kind: MappingPlaybookParam, Raw: raw, Param: m[1]}, nil
	}
	if m := stepOutputExpr.FindStringSubmatch(trimmed); m != nil {
		step, err := strconv.Atoi(m[1])
		if err != nil || step < 1 {
			return Mapping{}, fmt.Errorf("invalid step number in %q", raw)
		}
		return Mapping{Kind: MappingStepOutput, Raw: raw, Step: step, Output: m[2]}, nil
	}
	if m := estateFieldExpr.FindStringSubmatch(trimmed); m != nil {
		return Mapping{Kind: MappingEstateField, Raw: raw, Field: m[1]}, nil
	}
	if strings.HasPrefix(trimmed, "${") {
		return Mapping{}, fmt.Errorf("unrecognized mapping expression %q", raw)
	}
	return Mapping{Kind: MappingLiteral, Raw: raw, Literal: raw}, nil
}

// ParseMappings parses every value of a step's param mapping, keyed by
// target parameter name.
func ParseMappings(raw map[string]string) (map[string]Mapping, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]Mapping, len(raw))
	for target, value := range raw {
		m, err := ParseMapping(value)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", target, err)
		}
		out[target] = m
	}
	return out, nil
}
