package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestRegisterIsIdempotentByName(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoSpec()); err != nil {
		t.Fatal(err)
	}

	// Re-registering the same name replaces the entry instead of failing.
	updated := echoSpec()
	updated.Description = "updated"
	if err := reg.Register(updated); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	if names := reg.Names(); len(names) != 1 {
		t.Fatalf("names %v, want one entry", names)
	}
	spec, ok := reg.Get(updated.Name)
	if !ok || spec.Description != "updated" {
		t.Fatalf("got %+v, want the replacing spec", spec)
	}
}

func TestRegisterRequiresHandler(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(Spec{Name: "broken"})
	if err == nil || !strings.Contains(err.Error(), "handler") {
		t.Fatalf("got %v", err)
	}
}

func TestValidateArgsAppliesDefaults(t *testing.T) {
	reg := NewRegistry()
	spec := Spec{
		Name: "file_list",
		Params: []Param{
			{Name: "path", Type: "string", Required: true},
			{Name: "limit", Type: "integer", Default: float64(50)},
		},
		Handler: func(ctx context.Context, args map[string]any) Result { return Ok("") },
	}
	if err := reg.Register(spec); err != nil {
		t.Fatal(err)
	}

	args, err := reg.ValidateArgs("file_list", json.RawMessage(`{"path":"/tmp"}`))
	if err != nil {
		t.Fatalf("ValidateArgs: %v", err)
	}
	if got := args["limit"]; got != float64(50) {
		t.Errorf("got default %v", got)
	}

	if _, err := reg.ValidateArgs("file_list", json.RawMessage(`{}`)); err == nil {
		t.Error("missing required param should fail validation")
	}
	if _, err := reg.ValidateArgs("file_list", json.RawMessage(`{"path":7}`)); err == nil {
		t.Error("wrong type should fail validation")
	}
}

func TestValidateArgsEnum(t *testing.T) {
	reg := NewRegistry()
	spec := Spec{
		Name: "mode_switch",
		Params: []Param{
			{Name: "mode", Type: "string", Required: true, Enum: []string{"merge", "replace"}},
		},
		Handler: func(ctx context.Context, args map[string]any) Result { return Ok("") },
	}
	if err := reg.Register(spec); err != nil {
		t.Fatal(err)
	}

	if _, err := reg.ValidateArgs("mode_switch", json.RawMessage(`{"mode":"merge"}`)); err != nil {
		t.Errorf("valid enum value rejected: %v", err)
	}
	if _, err := reg.ValidateArgs("mode_switch", json.RawMessage(`{"mode":"wipe"}`)); err == nil {
		t.Error("out-of-enum value should fail validation")
	}
}

func TestDescriptorShapes(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoSpec()); err != nil {
		t.Fatal(err)
	}

	openAI := reg.DescribeOpenAI()
	if len(openAI) != 1 {
		t.Fatalf("got %d descriptors", len(openAI))
	}
	var shapeA struct {
		Type     string `json:"type"`
		Function struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			Parameters  json.RawMessage `json:"parameters"`
		} `json:"function"`
	}
	if err := json.Unmarshal(openAI[0], &shapeA); err != nil {
		t.Fatalf("unmarshal shape A: %v", err)
	}
	if shapeA.Type != "function" || shapeA.Function.Name != "echo" {
		t.Errorf("shape A: %+v", shapeA)
	}
	if !strings.Contains(string(shapeA.Function.Parameters), `"required"`) {
		t.Errorf("shape A parameters missing required list: %s", shapeA.Function.Parameters)
	}

	anthropic := reg.DescribeAnthropic()
	if len(anthropic) != 1 {
		t.Fatalf("got %d descriptors", len(anthropic))
	}
	var shapeB struct {
		Name        string          `json:"name"`
		InputSchema json.RawMessage `json:"input_schema"`
	}
	if err := json.Unmarshal(anthropic[0], &shapeB); err != nil {
		t.Fatalf("unmarshal shape B: %v", err)
	}
	if shapeB.Name != "echo" || len(shapeB.InputSchema) == 0 {
		t.Errorf("shape B: %+v", shapeB)
	}
}

func TestDescriptorMemoizationInvalidation(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoSpec()); err != nil {
		t.Fatal(err)
	}
	if got := len(reg.DescribeOpenAI()); got != 1 {
		t.Fatalf("got %d", got)
	}

	other := echoSpec()
	other.Name = "echo2"
	if err := reg.Register(other); err != nil {
		t.Fatal(err)
	}
	if got := len(reg.DescribeOpenAI()); got != 2 {
		t.Errorf("got %d descriptors after second registration, want 2", got)
	}
}

func TestSchemasSortedByName(t *testing.T) {
	reg := NewRegistry()
	b := echoSpec()
	b.Name = "bravo"
	a := echoSpec()
	a.Name = "alpha"
	for _, s := range []Spec{b, a} {
		if err := reg.Register(s); err != nil {
			t.Fatal(err)
		}
	}

	schemas := reg.Schemas()
	if len(schemas) != 2 || schemas[0].Name != "alpha" || schemas[1].Name != "bravo" {
		t.Errorf("got %+v", schemas)
	}
}
