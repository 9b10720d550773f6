package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/strandcrm/strand/internal/store"
	"github.com/strandcrm/strand/internal/tools"
	"github.com/strandcrm/strand/pkg/models"
)

// NewCreateOrderTool returns the order creation tool. Creating an order
// commits the organization to a transaction, so the tool is marked
// destructive and requires human approval before it executes.
func NewCreateOrderTool(st store.Store) *tools.Tool {
	return &tools.Tool{
		Key:         "create_order",
		Name:        "create_order",
		Description: "Create a new order for an existing contact. The order starts in draft status.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"contact_id": {
					"type": "string",
					"description": "ID of the contact the order belongs to"
				},
				"total_cents": {
					"type": "integer",
					"description": "Order total in the currency's minor unit (e.g. cents)",
					"minimum": 0
				},
				"currency": {
					"type": "string",
					"description": "ISO 4217 currency code (default USD)"
				},
				"notes": {
					"type": "string",
					"description": "Free-form notes on the order"
				}
			},
			"required": ["contact_id", "total_cents"]
		}`),
		RequiredPermission: "orders:write",
		Destructive:        true,
		Handler: func(ctx context.Context, org models.OrgContext, args map[string]any) (string, error) {
			var input struct {
				ContactID  string `json:"contact_id"`
				TotalCents int64  `json:"total_cents"`
				Currency   string `json:"currency"`
				Notes      string `json:"notes"`
			}
			if err := decodeArgs(args, &input); err != nil {
				return "", err
			}
			if input.TotalCents < 0 {
				return "", fmt.Errorf("order total must not be negative")
			}
			if input.Currency == "" {
				input.Currency = "USD"
			}

			// The contact must exist in this org before money is attached to it.
			contact, err := st.GetContact(ctx, org.OrgID, input.ContactID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return "", fmt.Errorf("contact %s not found", input.ContactID)
				}
				return "", fmt.Errorf("look up contact: %w", err)
			}

			order := &models.Order{
				OrgID:      org.OrgID,
				ContactID:  contact.ID,
				Status:     models.OrderDraft,
				TotalCents: input.TotalCents,
				Currency:   strings.ToUpper(input.Currency),
				Notes:      input.Notes,
			}
			if err := st.CreateOrder(ctx, order); err != nil {
				return "", fmt.Errorf("create order: %w", err)
			}
			return fmt.Sprintf("Created draft order %s for %s: %s %s.",
				order.ID, contact.Name, formatAmount(order.TotalCents), order.Currency), nil
		},
	}
}

// NewListOrdersTool returns the order listing tool.
func NewListOrdersTool(st store.Store) *tools.Tool {
	return &tools.Tool{
		Key:         "list_orders",
		Name:        "list_orders",
		Description: "List orders, optionally filtered to one contact.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"contact_id": {
					"type": "string",
					"description": "Only return orders for this contact"
				},
				"limit": {
					"type": "integer",
					"description": "Maximum number of orders to return (default 20)"
				}
			}
		}`),
		RequiredPermission: "orders:read",
		Handler: func(ctx context.Context, org models.OrgContext, args map[string]any) (string, error) {
			var input struct {
				ContactID string `json:"contact_id"`
				Limit     int    `json:"limit"`
			}
			if err := decodeArgs(args, &input); err != nil {
				return "", err
			}
			if input.Limit <= 0 {
				input.Limit = defaultSearchLimit
			}

			orders, err := st.ListOrders(ctx, org.OrgID, input.ContactID, input.Limit)
			if err != nil {
				return "", fmt.Errorf("list orders: %w", err)
			}
			if len(orders) == 0 {
				return "No orders found.", nil
			}

			var b strings.Builder
			fmt.Fprintf(&b, "Found %d order(s):\n", len(orders))
			for _, o := range orders {
				fmt.Fprintf(&b, "- %s: %s %s, status %s, contact %s\n",
					o.ID, formatAmount(o.TotalCents), o.Currency, o.Status, o.ContactID)
			}
			return b.String(), nil
		},
	}
}

func formatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// Register adds all CRM tools to the registry.
func Register(reg *tools.Registry, st store.Store) error {
	for _, tool := range []*tools.Tool{
		NewSearchContactsTool(st),
		NewCreateContactTool(st),
		NewCreateOrderTool(st),
		NewListOrdersTool(st),
	} {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
