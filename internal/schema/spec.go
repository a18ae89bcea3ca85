package schema

import "encoding/json"

// ColumnSpec is one column of a synced table.
type ColumnSpec struct {
	Name string `json:"name"`
	Type string `json:"type"` // TEXT, INTEGER, REAL
}

// IndexSpec is one secondary index on a synced table's view.
type IndexSpec struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

// IncludeOld is `include_old`: either a bare bool (all columns, or none)
// or an explicit list of column names.
type IncludeOld struct {
	All     bool
	Columns []string
}

func (i *IncludeOld) UnmarshalJSON(data []byte) error {
	var asBool bool
	if err := json.Unmarshal(data, &asBool); err == nil {
		i.All = asBool
		i.Columns = nil
		return nil
	}
	var asList []string
	if err := json.Unmarshal(data, &asList); err != nil {
		return err
	}
	i.All = false
	i.Columns = asList
	return nil
}

func (i IncludeOld) MarshalJSON() ([]byte, error) {
	if i.Columns != nil {
		return json.Marshal(i.Columns)
	}
	return json.Marshal(i.All)
}

// Enabled reports whether any old-value capture is configured.
func (i IncludeOld) Enabled() bool { return i.All || len(i.Columns) > 0 }

// Wants reports whether old-value capture should include col.
func (i IncludeOld) Wants(col string) bool {
	if i.All {
		return true
	}
	for _, c := range i.Columns {
		if c == col {
			return true
		}
	}
	return false
}

// TableSpec is one entry of the schema JSON's `tables` array.
type TableSpec struct {
	Name                      string       `json:"name"`
	ViewName                  string       `json:"view_name,omitempty"`
	LocalOnly                 bool         `json:"local_only,omitempty"`
	InsertOnly                bool         `json:"insert_only,omitempty"`
	IncludeMetadata           bool         `json:"include_metadata,omitempty"`
	IgnoreEmptyUpdate         bool         `json:"ignore_empty_update,omitempty"`
	IncludeOld                IncludeOld  `json:"include_old,omitempty"`
	IncludeOldOnlyWhenChanged bool         `json:"include_old_only_when_changed,omitempty"`
	Columns                   []ColumnSpec `json:"columns"`
	Indexes                   []IndexSpec  `json:"indexes,omitempty"`
}

// EffectiveViewName is the name the synced-table view is created under.
func (t TableSpec) EffectiveViewName() string {
	if t.ViewName != "" {
		return t.ViewName
	}
	return t.Name
}

// DataTableName is the backing data table's name.
func (t TableSpec) DataTableName() string {
	return "ps_data__" + t.Name
}

// ParamSource names where a raw-table trigger parameter's value comes
// from.
type ParamSource string

const (
	ParamColumn  ParamSource = "column"
	ParamID      ParamSource = "id"
	ParamLiteral ParamSource = "literal"
)

// RawTableParam is one positional parameter of a raw table's put/delete
// template SQL.
type RawTableParam struct {
	Source ParamSource
	Column string
	Value  any
}

func (p *RawTableParam) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil && asString == "Id" {
		p.Source = ParamID
		return nil
	}

	var asObj map[string]json.RawMessage
	if err := json.Unmarshal(data, &asObj); err == nil {
		if col, ok := asObj["Column"]; ok {
			var name string
			if err := json.Unmarshal(col, &name); err != nil {
				return err
			}
			p.Source = ParamColumn
			p.Column = name
			return nil
		}
	}

	var literal any
	if err := json.Unmarshal(data, &literal); err != nil {
		return err
	}
	p.Source = ParamLiteral
	p.Value = literal
	return nil
}

// MarshalJSON writes p in the shapes UnmarshalJSON reads ("Id",
// {"Column": name}, or the bare literal), so a schema stored via
// Canonical reads back unchanged.
func (p RawTableParam) MarshalJSON() ([]byte, error) {
	switch p.Source {
	case ParamID:
		return json.Marshal("Id")
	case ParamColumn:
		return json.Marshal(map[string]string{"Column": p.Column})
	default:
		return json.Marshal(p.Value)
	}
}

// RawTableStatement is one of a raw table's `put` or `delete` templates:
// SQL text with `?` placeholders resolved positionally from Params.
type RawTableStatement struct {
	SQL    string          `json:"sql"`
	Params []RawTableParam `json:"params"`
}

// RawTableSpec is one entry of the schema JSON's `raw_tables` array
//: trigger bodies are the user's own SQL, not a generated
// data-table/view pair.
type RawTableSpec struct {
	Name   string            `json:"name"`
	Put    RawTableStatement `json:"put"`
	Delete RawTableStatement `json:"delete"`
}

// Schema is the full input to powersync_replace_schema.
type Schema struct {
	Tables    []TableSpec    `json:"tables"`
	RawTables []RawTableSpec `json:"raw_tables,omitempty"`
}

// Canonical returns a deterministic JSON encoding of s, used both to
// persist "the schema currently installed" and to compare against a new
// replace_schema call for the idempotency check. Field order is fixed by struct declaration order and
// encoding/json's stable map-key-free shape, so two semantically equal
// schemas always canonicalize identically.
func (s Schema) Canonical() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
