package runtime

import "testing"

func TestRhizaStringReadsField(t *testing.T) {
	c := &Context{Job: &Job{Rhiza: map[string]any{"extraction_instructions": "focus on people"}}}
	if got := c.RhizaString("extraction_instructions"); got != "focus on people" {
		t.Fatalf("unexpected value: %q", got)
	}
}

func TestRhizaStringMissingOrWrongType(t *testing.T) {
	c := &Context{Job: &Job{Rhiza: map[string]any{"temperature_override": 0.5}}}
	if got := c.RhizaString("missing"); got != "" {
		t.Fatalf("expected empty string for missing key, got %q", got)
	}
	if got := c.RhizaString("temperature_override"); got != "" {
		t.Fatalf("expected empty string for non-string value, got %q", got)
	}
}

func TestRhizaFloat64ReadsField(t *testing.T) {
	c := &Context{Job: &Job{Rhiza: map[string]any{"temperature_override": 0.7}}}
	got := c.RhizaFloat64("temperature_override")
	if got == nil || *got != 0.7 {
		t.Fatalf("unexpected value: %v", got)
	}
}

func TestRhizaFloat64MissingOrWrongType(t *testing.T) {
	c := &Context{Job: &Job{Rhiza: map[string]any{"extraction_instructions": "text"}}}
	if got := c.RhizaFloat64("missing"); got != nil {
		t.Fatalf("expected nil for missing key, got %v", got)
	}
	if got := c.RhizaFloat64("extraction_instructions"); got != nil {
		t.Fatalf("expected nil for non-numeric value, got %v", got)
	}
}

func TestRhizaFloat64NilJobOrRhiza(t *testing.T) {
	var c *Context
	if got := c.RhizaFloat64("x"); got != nil {
		t.Fatalf("expected nil on nil Context, got %v", got)
	}
	c2 := &Context{Job: &Job{}}
	if got := c2.RhizaFloat64("x"); got != nil {
		t.Fatalf("expected nil on nil Rhiza map, got %v", got)
	}
}
