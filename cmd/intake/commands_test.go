package main

import (
	"testing"

	"reconomed-intake/internal/model"
)

func TestParseAssignments(t *testing.T) {
	raw, err := parseAssignments([]string{
		"patient_name=Ana Popescu",
		"cnp=1850101123456",
		"notes=",
		"expr=a=b",
	})
	if err != nil {
		t.Fatal(err)
	}
	if raw["cnp"] != "1850101123456" || raw["notes"] != "" || raw["expr"] != "a=b" {
		t.Errorf("raw = %#v", raw)
	}
	if _, err := parseAssignments([]string{"novalue"}); err == nil {
		t.Error("expected error for missing '='")
	}
}

func TestTypedFieldsFollowFormTypes(t *testing.T) {
	form := &model.ValidationForm{ValidationFields: []model.ValidationField{
		{Field: "patient_name", Type: "text"},
		{Field: "cnp", Type: "text"},
		{Field: "lab_id", Type: "text"},
		{Field: "test_date", Type: "date"},
		{Field: "notes", Type: "textarea"},
		{Field: "results", Type: "object"},
		{Field: "hemoglobin", Type: "number"},
	}}
	got, err := typedFields(form, map[string]string{
		"patient_name": "true",
		"cnp":          "1850101123456",
		"lab_id":       "123",
		"test_date":    "2026-05-01",
		"notes":        "null",
		"results":      `{"glucose":"95"}`,
		"hemoglobin":   "13.5",
		"extra":        "42",
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"patient_name", "cnp", "lab_id", "test_date", "notes", "extra"} {
		if _, ok := got[field].(string); !ok {
			t.Errorf("%s = %#v, want string", field, got[field])
		}
	}
	if got["cnp"] != "1850101123456" || got["patient_name"] != "true" {
		t.Errorf("text values changed: %#v %#v", got["cnp"], got["patient_name"])
	}
	if m, ok := got["results"].(map[string]any); !ok || m["glucose"] != "95" {
		t.Errorf("results = %#v", got["results"])
	}
	if got["hemoglobin"] != 13.5 {
		t.Errorf("hemoglobin = %#v", got["hemoglobin"])
	}

	if _, err := typedFields(form, map[string]string{"results": "not json"}); err == nil {
		t.Error("invalid JSON for an object field accepted")
	}
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"upload", "pending", "assign", "process", "validate", "queue", "patients", "compress"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}
