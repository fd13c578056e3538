package catalog

import "testing"

func TestParseMappingPlaybookParam(t *testing.T) {
	m, err := ParseMapping("${playbook.instance_id}")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if m.Kind != MappingPlaybookParam || m.Param != "instance_id" {
		t.Fatalf("mapping: %+v", m)
	}
}

func TestParseMappingStepOutput(t *testing.T) {
	m, err := ParseMapping("${step2.output.snapshot_id}")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if m.Kind != MappingStepOutput || m.Step != 2 || m.Output != "snapshot_id" {
		t.Fatalf("mapping: %+v", m)
	}
}

func TestParseMappingEstateField(t *testing.T) {
	m, err := ParseMapping("${estate.resource.region}")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if m.Kind != MappingEstateField || m.Field != "resource.region" {
		t.Fatalf("mapping: %+v", m)
	}
}

func TestParseMappingLiteral(t *testing.T) {
	m, err := ParseMapping("us-east-1")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if m.Kind != MappingLiteral || m.Literal != "us-east-1" {
		t.Fatalf("mapping: %+v", m)
	}
}

func TestParseMappingMalformed(t *testing.T) {
	for _, raw := range []string{"${bogus.thing}", "${step.output.x}", "${playbook.}"} {
		if _, err := ParseMapping(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestParseMappings(t *testing.T) {
	out, err := ParseMappings(map[string]string{
		"region":   "${estate.resource.region}",
		"instance": "${playbook.instance_id}",
		"label":    "static-value",
	})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("len: %d", len(out))
	}
	if out["region"].Kind != MappingEstateField {
		t.Fatalf("region: %+v", out["region"])
	}
}

func TestParseMappingsError(t *testing.T) {
	_, err := ParseMappings(map[string]string{"x": "${nope}"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestParseMappingsEmpty(t *testing.T) {
	out, err := ParseMappings(nil)
	if err != nil || out != nil {
		t.Fatalf("out: %v err: %v", out, err)
	}
}
