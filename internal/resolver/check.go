package resolver

import (
	"context"
	"fmt"

	"opspilot/internal/catalog"
)

// CheckReferences walks a draft's reference graph at publish time and
// rejects depth or cycle violations before they can reach the store,
// and flags required parameters of referenced scripts and playbooks
// that the parent's mapping cannot satisfy.
func (r *Resolver) CheckReferences(ctx context.Context, p catalog.Playbook) error {
	visiting := map[string]bool{refKey(p.PlaybookID, p.Version): true}
	return r.checkLevel(ctx, p, "", 0, visiting)
}

func (r *Resolver) checkLevel(ctx context.Context, pb catalog.Playbook, prefix string, depth int, visiting map[string]bool) error {
	for i, step := range pb.Steps {
		number := fmt.Sprintf("%d", i+1)
		if prefix != "" {
			number = prefix + "." + number
		}

		mappings, err := catalog.ParseMappings(step.ParamMapping)
		if err != nil {
			return fmt.Errorf("step %s: %w", number, err)
		}

		switch {
		case step.ScriptRef != nil:
			script, err := r.Lookup.GetScript(ctx, step.ScriptRef.ScriptID, step.ScriptRef.Version)
			if err != nil {
				return fmt.Errorf("step %s: script %s@%s: %w", number, step.ScriptRef.ScriptID, step.ScriptRef.Version, err)
			}
			if _, ok := script.Implementations[step.ScriptRef.Implementation]; !ok {
				return fmt.Errorf("step %s: script %s@%s has no implementation %q",
					number, script.ScriptID, script.Version, step.ScriptRef.Implementation)
			}
			if err := checkRequiredParams(pb, script.Params, mappings); err != nil {
				return fmt.Errorf("step %s: %w", number, err)
			}

		case step.PlaybookRef != nil:
			if depth+1 > MaxDepth {
				return fmt.Errorf("step %s references %s@%s: %w",
					number, step.PlaybookRef.PlaybookID, step.PlaybookRef.Version, ErrDepthExceeded)
			}
			key := refKey(step.PlaybookRef.PlaybookID, step.PlaybookRef.Version)
			if visiting[key] {
				return fmt.Errorf("step %s references %s: %w", number, key, ErrCycleDetected)
			}
			child, err := r.Lookup.GetPlaybook(ctx, step.PlaybookRef.PlaybookID, step.PlaybookRef.Version)
			if err != nil {
				return fmt.Errorf("step %s: playbook %s: %w", number, key, err)
			}
			if err := checkRequiredParams(pb, child.Params, mappings); err != nil {
				return fmt.Errorf("step %s: %w", number, err)
			}
			visiting[key] = true
			if err := r.checkLevel(ctx, child, number, depth+1, visiting); err != nil {
				return err
			}
			delete(visiting, key)

		default:
			return fmt.Errorf("step %s: no script_ref or playbook_ref", number)
		}
	}
	return nil
}

// checkRequiredParams verifies every required parameter of the
// referenced object is bound by the step's mapping or carries its own
// default or extraction hint. Mappings that reference a parent playbook
// parameter must name one that actually exists.
func checkRequiredParams(parent catalog.Playbook, params []catalog.Param, mappings map[string]catalog.Mapping) error {
	for _, m := range mappings {
		if m.Kind != catalog.MappingPlaybookParam {
			continue
		}
		if _, ok := parent.Param(m.Param); !ok {
			return fmt.Errorf("mapping %q references undeclared playbook parameter %q", m.Raw, m.Param)
		}
	}
	for _, p := range params {
		if !p.Required {
			continue
		}
		if _, ok := mappings[p.Name]; ok {
			continue
		}
		if p.Default != nil || p.Hint != nil {
			continue
		}
		return fmt.Errorf("required parameter %q is not satisfied by the step's param_mapping", p.Name)
	}
	return nil
}
