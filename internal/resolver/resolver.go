package resolver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"opspilot/internal/catalog"
	"opspilot/internal/metrics"
)

// MaxDepth bounds nested playbook expansion. A reference chain deeper
// than this is rejected at publish time; hitting it here means a
// corrupt or stale graph.
const MaxDepth = 3

var (
	ErrDepthExceeded = errors.New("reference depth exceeded")
	ErrCycleDetected = errors.New("cyclic reference detected")
)

// Lookup fetches canonical definitions from the reference store.
type Lookup interface {
	GetPlaybook(ctx context.Context, id, version string) (catalog.Playbook, error)
	GetScript(ctx context.Context, id, version string) (catalog.Script, error)
}

// Inputs carries caller-supplied values available at resolve time:
// already-extracted parameter values and estate/context fields from the
// search intent.
type Inputs struct {
	Params  map[string]any
	Estate  map[string]any
	Context map[string]any
}

// ResolvedValue is one substituted step parameter. Values that can only
// exist at execution time (a prior step's output) stay unresolved and
// keep their expression for the executor.
type ResolvedValue struct {
	Value    any    `json:"value,omitempty"`
	Resolved bool   `json:"resolved"`
	Expr     string `json:"expr,omitempty"`
}

// ResolvedStep is one leaf script step in the flattened execution plan.
// Number is hierarchical ("2.1" is the first sub-step spliced in from
// step 2's nested playbook).
type ResolvedStep struct {
	Number             string                   `json:"number"`
	Name               string                   `json:"name"`
	ScriptID           string                   `json:"script_id"`
	ScriptVersion      string                   `json:"script_version"`
	Implementation     string                   `json:"implementation"`
	Source             string                   `json:"source"`
	SourceRef          string                   `json:"source_ref,omitempty"`
	EntryPoint         string                   `json:"entry_point"`
	Params             map[string]ResolvedValue `json:"params,omitempty"`
	FailureAction      string                   `json:"failure_action,omitempty"`
	Importance         string                   `json:"importance,omitempty"`
	PreValidation      []catalog.Check          `json:"pre_validation,omitempty"`
	PostValidation     []catalog.Check          `json:"post_validation,omitempty"`
	TimeoutS           int                      `json:"timeout_s,omitempty"`
	EstimatedDurationS int                      `json:"estimated_duration_s"`
}

// ExplainNode mirrors the step structure as a tree for human review.
type ExplainNode struct {
	Number             string        `json:"number"`
	Name               string        `json:"name"`
	Description        string        `json:"description,omitempty"`
	Rationale          string        `json:"rationale,omitempty"`
	Risks              []string      `json:"risks,omitempty"`
	EstimatedDurationS int           `json:"estimated_duration_s"`
	Children           []ExplainNode `json:"children,omitempty"`
}

// ParamSlot is one playbook parameter with its hint-resolved value, or
// an empty placeholder for the caller to complete.
type ParamSlot struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Value    any    `json:"value,omitempty"`
	Filled   bool   `json:"filled"`
	Source   string `json:"source,omitempty"`
}

// Plan is a fully expanded playbook: the ordered leaf steps, the
// nested explain tree, and the parameter slots.
type Plan struct {
	PlaybookID              string         `json:"playbook_id"`
	Version                 string         `json:"version"`
	Name                    string         `json:"name"`
	Steps                   []ResolvedStep `json:"steps"`
	Explain                 ExplainNode    `json:"explain_plan"`
	Parameters              []ParamSlot    `json:"parameters,omitempty"`
	TotalEstimatedDurationS int            `json:"total_estimated_duration_s"`
}

// BlobFetcher retrieves implementation sources that were offloaded to
// object storage at publish time.
type BlobFetcher interface {
	FetchScriptSource(ctx context.Context, ref string) ([]byte, error)
}

// Resolver expands playbook reference graphs into execution plans.
// Blobs is optional: without it, offloaded sources stay empty in the
// plan and the executor fetches by SourceRef.
type Resolver struct {
	Lookup Lookup
	Blobs  BlobFetcher
}

// Resolve expands a playbook into a flattened, ordered execution plan
// and a nested explain tree, bounded to MaxDepth levels of nesting.
// Depth and cycle violations are hard errors here; they are normally
// caught at publish time, so hitting one means the stored graph changed
// underneath us.
func (r *Resolver) Resolve(ctx context.Context, id, version string, in Inputs) (*Plan, error) {
	pb, err := r.Lookup.GetPlaybook(ctx, id, version)
	if err != nil {
		return nil, err
	}
	plan := &Plan{
		PlaybookID: pb.PlaybookID,
		Version:    pb.Version,
		Name:       pb.Name,
	}
	visiting := map[string]bool{refKey(id, version): true}
	node, steps, total, err := r.expand(ctx, pb, in, "", 0, visiting)
	if err != nil {
		return nil, err
	}
	plan.Steps = steps
	plan.Explain = node
	plan.TotalEstimatedDurationS = total
	plan.Parameters = fillParams(pb.Params, in)
	metrics.ResolveDepth.Observe(float64(maxNumberDepth(steps)))
	return plan, nil
}

// expand walks one playbook level. prefix is the parent step number
// ("2" when expanding step 2's nested playbook); depth counts playbook
// nesting levels consumed so far.
func (r *Resolver) expand(ctx context.Context, pb catalog.Playbook, in Inputs, prefix string, depth int, visiting map[string]bool) (ExplainNode, []ResolvedStep, int, error) {
	node := ExplainNode{
		Number:      prefix,
		Name:        pb.Name,
		Description: pb.Description,
		Rationale:   pb.ExplainPlan.Rationale,
		Risks:       pb.ExplainPlan.Risks,
	}
	var flat []ResolvedStep
	total := 0

	for i, step := range pb.Steps {
		number := strconv.Itoa(i + 1)
		if prefix != "" {
			number = prefix + "." + number
		}

		switch {
		case step.ScriptRef != nil:
			resolved, err := r.resolveScriptStep(ctx, step, number, in)
			if err != nil {
				return ExplainNode{}, nil, 0, fmt.Errorf("step %s: %w", number, err)
			}
			flat = append(flat, resolved)
			total += resolved.EstimatedDurationS
			node.Children = append(node.Children, ExplainNode{
				Number:             number,
				Name:               resolved.Name,
				EstimatedDurationS: resolved.EstimatedDurationS,
			})

		case step.PlaybookRef != nil:
			if depth+1 > MaxDepth {
				return ExplainNode{}, nil, 0, fmt.Errorf("step %s references %s@%s: %w",
					number, step.PlaybookRef.PlaybookID, step.PlaybookRef.Version, ErrDepthExceeded)
			}
			key := refKey(step.PlaybookRef.PlaybookID, step.PlaybookRef.Version)
			if visiting[key] {
				return ExplainNode{}, nil, 0, fmt.Errorf("step %s references %s: %w", number, key, ErrCycleDetected)
			}
			child, err := r.Lookup.GetPlaybook(ctx, step.PlaybookRef.PlaybookID, step.PlaybookRef.Version)
			if err != nil {
				return ExplainNode{}, nil, 0, fmt.Errorf("step %s: %w", number, err)
			}
			visiting[key] = true
			childNode, childSteps, childTotal, err := r.expand(ctx, child, in, number, depth+1, visiting)
			delete(visiting, key)
			if err != nil {
				return ExplainNode{}, nil, 0, err
			}
			if step.Name != "" {
				childNode.Name = step.Name
			}
			flat = append(flat, childSteps...)
			total += childTotal
			node.Children = append(node.Children, childNode)

		default:
			return ExplainNode{}, nil, 0, fmt.Errorf("step %s: no script_ref or playbook_ref", number)
		}
	}

	node.EstimatedDurationS = total
	return node, flat, total, nil
}

func (r *Resolver) resolveScriptStep(ctx context.Context, step catalog.Step, number string, in Inputs) (ResolvedStep, error) {
	script := step.EmbeddedScript
	if script == nil {
		fetched, err := r.Lookup.GetScript(ctx, step.ScriptRef.ScriptID, step.ScriptRef.Version)
		if err != nil {
			return ResolvedStep{}, err
		}
		script = &fetched
	}
	impl, ok := script.Implementations[step.ScriptRef.Implementation]
	if !ok {
		return ResolvedStep{}, fmt.Errorf("script %s@%s has no implementation %q",
			script.ScriptID, script.Version, step.ScriptRef.Implementation)
	}

	mappings, err := catalog.ParseMappings(step.ParamMapping)
	if err != nil {
		return ResolvedStep{}, err
	}
	var params map[string]ResolvedValue
	if len(mappings) > 0 {
		params = make(map[string]ResolvedValue, len(mappings))
		for target, m := range mappings {
			params[target] = substitute(m, in)
		}
	}

	name := step.Name
	if name == "" {
		name = script.Name
	}
	source := impl.Source
	if source == "" && impl.SourceRef != "" && r.Blobs != nil {
		data, err := r.Blobs.FetchScriptSource(ctx, impl.SourceRef)
		if err != nil {
			return ResolvedStep{}, fmt.Errorf("step %s: fetch source %s: %w", number, impl.SourceRef, err)
		}
		source = string(data)
	}
	return ResolvedStep{
		Number:             number,
		Name:               name,
		ScriptID:           script.ScriptID,
		ScriptVersion:      script.Version,
		Implementation:     step.ScriptRef.Implementation,
		Source:             source,
		SourceRef:          impl.SourceRef,
		EntryPoint:         impl.EntryPoint,
		Params:             params,
		FailureAction:      step.FailureAction,
		Importance:         step.Importance,
		PreValidation:      step.PreValidation,
		PostValidation:     step.PostValidation,
		TimeoutS:           step.TimeoutS,
		EstimatedDurationS: script.EstimatedDurationS,
	}, nil
}

// substitute applies one parsed mapping against the resolve-time
// inputs. Step outputs only exist at execution time and always stay
// unresolved.
func substitute(m catalog.Mapping, in Inputs) ResolvedValue {
	switch m.Kind {
	case catalog.MappingLiteral:
		return ResolvedValue{Value: m.Literal, Resolved: true}
	case catalog.MappingPlaybookParam:
		if v, ok := in.Params[m.Param]; ok {
			return ResolvedValue{Value: v, Resolved: true}
		}
		return ResolvedValue{Expr: m.Raw}
	case catalog.MappingEstateField:
		if v, ok := estateLookup(in.Estate, m.Field); ok {
			return ResolvedValue{Value: v, Resolved: true}
		}
		return ResolvedValue{Expr: m.Raw}
	case catalog.MappingStepOutput:
		return ResolvedValue{Expr: m.Raw}
	}
	return ResolvedValue{Expr: m.Raw}
}

// estateLookup resolves a dotted field path through nested estate maps.
// A flat key containing dots still wins so older documents keep working.
func estateLookup(estate map[string]any, field string) (any, bool) {
	if v, ok := estate[field]; ok {
		return v, true
	}
	parts := strings.Split(field, ".")
	if len(parts) < 2 {
		return nil, false
	}
	var cur any = estate
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// fillParams pre-fills parameter slots from extracted values and
// extraction hints; anything unresolvable stays an empty placeholder.
func fillParams(params []catalog.Param, in Inputs) []ParamSlot {
	if len(params) == 0 {
		return nil
	}
	slots := make([]ParamSlot, 0, len(params))
	for _, p := range params {
		slot := ParamSlot{Name: p.Name, Type: p.Type, Required: p.Required}
		if v, ok := in.Params[p.Name]; ok {
			slot.Value = v
			slot.Filled = true
			slot.Source = "extracted"
		} else if p.Hint != nil {
			switch p.Hint.Source {
			case "estate":
				if v, ok := estateLookup(in.Estate, p.Hint.Field); ok {
					slot.Value = v
					slot.Filled = true
					slot.Source = "estate"
				}
			case "context":
				if v, ok := in.Context[p.Hint.Field]; ok {
					slot.Value = v
					slot.Filled = true
					slot.Source = "context"
				}
			case "template":
				if p.Hint.Template != "" {
					slot.Value = p.Hint.Template
					slot.Filled = true
					slot.Source = "template"
				}
			case "static":
				if p.Hint.Default != "" {
					slot.Value = p.Hint.Default
					slot.Filled = true
					slot.Source = "static"
				}
			}
		}
		if !slot.Filled && p.Default != nil {
			slot.Value = p.Default
			slot.Filled = true
			slot.Source = "default"
		}
		slots = append(slots, slot)
	}
	return slots
}

func refKey(id, version string) string {
	return id + "@" + version
}

func maxNumberDepth(steps []ResolvedStep) int {
	max := 0
	for _, s := range steps {
		depth := 1
		for _, c := range s.Number {
			if c == '.' {
				depth++
			}
		}
		if depth > max {
			max = depth
		}
	}
	return max
}
