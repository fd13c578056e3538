package catalog

import (
	"strings"
	"testing"

	"opspilot/internal/lifecycle"
)

func validPlaybook() Playbook {
	return Playbook{
		PlaybookID:  "pb-restart",
		Version:     "1.0.0",
		Name:        "Restart service",
		Description: "Rolling restart of a deployment",
		AuthorClass: AuthorCurated,
		Status:      lifecycle.StatusDraft,
		Steps: []Step{
			{
				Name:          "restart",
				ScriptRef:     &ScriptRef{ScriptID: "scr-restart", Version: "1.0.0", Implementation: "shell"},
				FailureAction: "stop",
				Importance:    "critical",
				ParamMapping:  map[string]string{"deployment": "${playbook.deployment}"},
			},
		},
		Params: []Param{{Name: "deployment", Type: "string", Required: true}},
	}
}

func TestValidatePlaybookOK(t *testing.T) {
	if err := ValidatePlaybook(validPlaybook()); err != nil {
		t.Fatalf("err: %v", err)
	}
}

func TestValidatePlaybookNoSteps(t *testing.T) {
	p := validPlaybook()
	p.Steps = nil
	if err := ValidatePlaybook(p); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidatePlaybookBadVersion(t *testing.T) {
	p := validPlaybook()
	p.Version = "one"
	err := ValidatePlaybook(p)
	if err == nil || !strings.Contains(err.Error(), "version") {
		t.Fatalf("err: %v", err)
	}
}

func TestValidatePlaybookBothRefs(t *testing.T) {
	p := validPlaybook()
	p.Steps[0].PlaybookRef = &PlaybookRef{PlaybookID: "pb-other", Version: "1.0.0"}
	if err := ValidatePlaybook(p); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidatePlaybookBadMapping(t *testing.T) {
	p := validPlaybook()
	p.Steps[0].ParamMapping = map[string]string{"x": "${wat.wat}"}
	if err := ValidatePlaybook(p); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidateDocumentEmpty(t *testing.T) {
	if err := ValidateDocument(nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidateDocumentNotJSON(t *testing.T) {
	if err := ValidateDocument([]byte("{")); err == nil {
		t.Fatal("expected error")
	}
}
