package schema

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StaticSource serves a fixed description, used when introspection is
// disabled or the database is unreachable.
type StaticSource struct {
	Description Description
}

func Static(desc Description) StaticSource {
	return StaticSource{Description: desc.Clone()}
}

func (s StaticSource) Describe(context.Context) (Description, error) {
	return s.Description.Clone(), nil
}

// Default is the sample shop schema that ships with the fixtures package.
func Default() Description {
	notNull := func(name, typ string) Column { return Column{Name: name, Type: typ} }
	return Description{
		Tables: []Table{
			{Name: "customers", Columns: []Column{
				notNull("customer_id", "integer"),
				notNull("name", "text"),
				notNull("email", "text"),
				notNull("created_at", "timestamp"),
			}},
			{Name: "products", Columns: []Column{
				notNull("product_id", "integer"),
				notNull("name", "text"),
				notNull("category", "text"),
				notNull("price_jpy", "integer"),
				notNull("is_active", "boolean"),
			}},
			{Name: "orders", Columns: []Column{
				notNull("order_id", "integer"),
				notNull("customer_id", "integer"),
				notNull("order_date", "date"),
				{Name: "status", Type: "text", Comment: "one of: placed, paid, shipped, cancelled"},
				notNull("total_jpy", "integer"),
			}},
			{Name: "order_items", Columns: []Column{
				notNull("order_item_id", "integer"),
				notNull("order_id", "integer"),
				notNull("product_id", "integer"),
				notNull("quantity", "integer"),
				notNull("unit_price_jpy", "integer"),
			}},
		},
		Notes: []string{
			"orders.total_jpy is the order total.",
			"order_items has line items; join order_items->orders and order_items->products when needed.",
		},
	}
}

// LoadFile reads a YAML (or JSON) schema description.
func LoadFile(path string) (Description, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Description{}, fmt.Errorf("read schema file: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (Description, error) {
	var desc Description
	if err := yaml.Unmarshal(raw, &desc); err != nil {
		return Description{}, fmt.Errorf("parse schema file: %w", err)
	}
	for i, table := range desc.Tables {
		if strings.TrimSpace(table.Name) == "" {
			return Description{}, fmt.Errorf("parse schema file: table %d has no name", i)
		}
		for j, column := range table.Columns {
			if strings.TrimSpace(column.Name) == "" {
				return Description{}, fmt.Errorf("parse schema file: table %q column %d has no name", table.Name, j)
			}
		}
	}
	return desc, nil
}
