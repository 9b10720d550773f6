package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/strandcrm/strand/pkg/models"
)

func testTool(key, name string, destructive bool) *Tool {
	return &Tool{
		Key:         key,
		Name:        name,
		Description: "test tool",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
		Destructive: destructive,
		Handler: func(ctx context.Context, org models.OrgContext, args map[string]any) (string, error) {
			return fmt.Sprintf("org=%s query=%v", org.OrgID, args["query"]), nil
		},
	}
}

func TestRegistryRegister(t *testing.T) {
	tests := []struct {
		name    string
		tool    *Tool
		wantErr bool
	}{
		{"valid tool", testTool("crm.contacts.search", "search_contacts", false), false},
		{"nil tool", nil, true},
		{"missing key", &Tool{Name: "x", Handler: func(context.Context, models.OrgContext, map[string]any) (string, error) { return "", nil }}, true},
		{"missing handler", &Tool{Key: "a.b", Name: "ab"}, true},
		{
			"bad schema",
			&Tool{
				Key:        "a.bad",
				Name:       "bad",
				Parameters: json.RawMessage(`{broken`),
				Handler:    func(context.Context, models.OrgContext, map[string]any) (string, error) { return "", nil },
			},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			err := r.Register(tt.tool)
			if (err != nil) != tt.wantErr {
				t.Errorf("Register() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistryDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(testTool("crm.contacts.search", "search_contacts", false)); err != nil {
		t.Fatal(err)
	}

	if err := r.Register(testTool("crm.contacts.search", "other_name", false)); err == nil {
		t.Error("duplicate key should be rejected")
	}
	if err := r.Register(testTool("crm.other", "search_contacts", false)); err == nil {
		t.Error("duplicate name should be rejected")
	}
}

func TestRegistryFreeze(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(testTool("crm.contacts.search", "search_contacts", false)); err != nil {
		t.Fatal(err)
	}

	r.Freeze()

	if err := r.Register(testTool("crm.orders.list", "list_orders", false)); err == nil {
		t.Fatal("registration after Freeze should fail")
	}

	// Lookups keep working.
	if _, ok := r.ByKey("crm.contacts.search"); !ok {
		t.Error("ByKey failed after Freeze")
	}
}

func TestRegistryByName(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(testTool("crm.contacts.search", "search_contacts", false)); err != nil {
		t.Fatal(err)
	}

	tool, err := r.ByName("search_contacts")
	if err != nil {
		t.Fatalf("ByName() error: %v", err)
	}
	if tool.Key != "crm.contacts.search" {
		t.Errorf("key = %s", tool.Key)
	}

	_, err = r.ByName("made_up_tool")
	var unknown *UnknownToolError
	if !errors.As(err, &unknown) {
		t.Fatalf("ByName() error = %T, want *UnknownToolError", err)
	}
	if unknown.Name != "made_up_tool" {
		t.Errorf("unknown name = %s", unknown.Name)
	}
}

func TestRegistryDefinitionsFor(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(testTool("crm.contacts.search", "search_contacts", false)); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(testTool("crm.orders.create", "create_order", true)); err != nil {
		t.Fatal(err)
	}

	defs := r.DefinitionsFor([]string{"crm.contacts.search", "crm.missing", "crm.orders.create"})
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}
	if defs[0].Name != "search_contacts" || defs[1].Name != "create_order" {
		t.Errorf("definitions = %+v", defs)
	}
}

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(testTool("crm.contacts.search", "search_contacts", false)); err != nil {
		t.Fatal(err)
	}

	org := models.OrgContext{OrgID: "org_1", AgentID: "agent_1"}

	t.Run("valid arguments", func(t *testing.T) {
		out, err := r.Execute(context.Background(), "search_contacts", org, map[string]any{"query": "acme"})
		if err != nil {
			t.Fatalf("Execute() error: %v", err)
		}
		if out != "org=org_1 query=acme" {
			t.Errorf("output = %s", out)
		}
	})

	t.Run("missing required argument", func(t *testing.T) {
		_, err := r.Execute(context.Background(), "search_contacts", org, map[string]any{})
		var execErr *ToolExecutionError
		if !errors.As(err, &execErr) {
			t.Fatalf("error = %T, want *ToolExecutionError", err)
		}
	})

	t.Run("wrong argument type", func(t *testing.T) {
		_, err := r.Execute(context.Background(), "search_contacts", org, map[string]any{"query": float64(7)})
		var execErr *ToolExecutionError
		if !errors.As(err, &execErr) {
			t.Fatalf("error = %T, want *ToolExecutionError", err)
		}
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, err := r.Execute(context.Background(), "nonexistent", org, nil)
		var unknown *UnknownToolError
		if !errors.As(err, &unknown) {
			t.Fatalf("error = %T, want *UnknownToolError", err)
		}
	})
}

func TestRegistryExecuteHandlerError(t *testing.T) {
	r := NewRegistry()
	handlerErr := errors.New("db unavailable")
	err := r.Register(&Tool{
		Key:  "crm.orders.list",
		Name: "list_orders",
		Handler: func(context.Context, models.OrgContext, map[string]any) (string, error) {
			return "", handlerErr
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = r.Execute(context.Background(), "list_orders", models.OrgContext{OrgID: "org_1"}, nil)
	var execErr *ToolExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("error = %T, want *ToolExecutionError", err)
	}
	if !errors.Is(err, handlerErr) {
		t.Error("execution error should unwrap to the handler error")
	}
}

func TestRegistryKeys(t *testing.T) {
	r := NewRegistry()
	for _, kv := range [][2]string{
		{"crm.orders.list", "list_orders"},
		{"crm.contacts.search", "search_contacts"},
	} {
		if err := r.Register(testTool(kv[0], kv[1], false)); err != nil {
			t.Fatal(err)
		}
	}

	keys := r.Keys()
	if len(keys) != 2 || keys[0] != "crm.contacts.search" || keys[1] != "crm.orders.list" {
		t.Errorf("Keys() = %v, want sorted keys", keys)
	}
}
