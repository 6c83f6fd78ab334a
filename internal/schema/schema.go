// Package schema describes the tables and columns a question can be
// answered from, either introspected from the live database or supplied as
// a static description.
package schema

import (
	"context"
	"errors"
)

var (
	ErrConnectivity  = errors.New("schema: database unreachable")
	ErrIntrospection = errors.New("schema: introspection failed")
)

type Column struct {
	Name     string `json:"name" yaml:"name" msgpack:"name"`
	Type     string `json:"type" yaml:"type" msgpack:"type"`
	Nullable bool   `json:"nullable" yaml:"nullable" msgpack:"nullable"`
	Comment  string `json:"comment,omitempty" yaml:"comment,omitempty" msgpack:"comment,omitempty"`
}

type Table struct {
	Name    string   `json:"name" yaml:"name" msgpack:"name"`
	Columns []Column `json:"columns" yaml:"columns" msgpack:"columns"`
}

// Description is an ordered list of tables. Values handed out by this
// package are never mutated afterwards.
type Description struct {
	Tables []Table  `json:"tables" yaml:"tables" msgpack:"tables"`
	Notes  []string `json:"notes,omitempty" yaml:"notes,omitempty" msgpack:"notes,omitempty"`
}

type Describer interface {
	Describe(ctx context.Context) (Description, error)
}

func (d Description) TableNames() []string {
	names := make([]string, 0, len(d.Tables))
	for _, table := range d.Tables {
		names = append(names, table.Name)
	}
	return names
}

func (d Description) Clone() Description {
	out := Description{Tables: make([]Table, len(d.Tables))}
	for i, table := range d.Tables {
		out.Tables[i] = Table{Name: table.Name, Columns: append([]Column(nil), table.Columns...)}
	}
	if len(d.Notes) > 0 {
		out.Notes = append([]string(nil), d.Notes...)
	}
	return out
}
