// Package crm provides the built-in business tools agents use to read and
// write CRM records. Every handler scopes its data access to the calling
// organization.
package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/strandcrm/strand/internal/store"
	"github.com/strandcrm/strand/internal/tools"
	"github.com/strandcrm/strand/pkg/models"
)

const defaultSearchLimit = 20

// decodeArgs round-trips validated arguments into a typed input struct.
func decodeArgs(args map[string]any, dst any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("parse args: %w", err)
	}
	return nil
}

// NewSearchContactsTool returns the contact search tool.
func NewSearchContactsTool(st store.Store) *tools.Tool {
	return &tools.Tool{
		Key:         "search_contacts",
		Name:        "search_contacts",
		Description: "Search CRM contacts by name, email, or company. Returns matching contacts with their IDs.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {
					"type": "string",
					"description": "Substring to match against contact name, email, or company"
				},
				"limit": {
					"type": "integer",
					"description": "Maximum number of contacts to return (default 20)"
				}
			},
			"required": ["query"]
		}`),
		RequiredPermission: "contacts:read",
		Handler: func(ctx context.Context, org models.OrgContext, args map[string]any) (string, error) {
			var input struct {
				Query string `json:"query"`
				Limit int    `json:"limit"`
			}
			if err := decodeArgs(args, &input); err != nil {
				return "", err
			}
			if input.Limit <= 0 {
				input.Limit = defaultSearchLimit
			}

			contacts, err := st.SearchContacts(ctx, org.OrgID, input.Query, input.Limit)
			if err != nil {
				return "", fmt.Errorf("search contacts: %w", err)
			}
			if len(contacts) == 0 {
				return fmt.Sprintf("No contacts found matching %q.", input.Query), nil
			}

			var b strings.Builder
			fmt.Fprintf(&b, "Found %d contact(s):\n", len(contacts))
			for _, c := range contacts {
				fmt.Fprintf(&b, "- %s (id: %s", c.Name, c.ID)
				if c.Email != "" {
					fmt.Fprintf(&b, ", email: %s", c.Email)
				}
				if c.Company != "" {
					fmt.Fprintf(&b, ", company: %s", c.Company)
				}
				b.WriteString(")\n")
			}
			return b.String(), nil
		},
	}
}

// NewCreateContactTool returns the contact creation tool.
func NewCreateContactTool(st store.Store) *tools.Tool {
	return &tools.Tool{
		Key:         "create_contact",
		Name:        "create_contact",
		Description: "Create a new CRM contact. Returns the new contact's ID.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"name": {
					"type": "string",
					"description": "Full name of the contact"
				},
				"email": {
					"type": "string",
					"description": "Email address"
				},
				"company": {
					"type": "string",
					"description": "Company the contact belongs to"
				}
			},
			"required": ["name"]
		}`),
		RequiredPermission: "contacts:write",
		Handler: func(ctx context.Context, org models.OrgContext, args map[string]any) (string, error) {
			var input struct {
				Name    string `json:"name"`
				Email   string `json:"email"`
				Company string `json:"company"`
			}
			if err := decodeArgs(args, &input); err != nil {
				return "", err
			}
			if strings.TrimSpace(input.Name) == "" {
				return "", fmt.Errorf("contact name must not be empty")
			}

			contact := &models.Contact{
				OrgID:   org.OrgID,
				Name:    strings.TrimSpace(input.Name),
				Email:   strings.TrimSpace(input.Email),
				Company: strings.TrimSpace(input.Company),
			}
			if err := st.CreateContact(ctx, contact); err != nil {
				return "", fmt.Errorf("create contact: %w", err)
			}
			return fmt.Sprintf("Created contact %s (id: %s).", contact.Name, contact.ID), nil
		},
	}
}
