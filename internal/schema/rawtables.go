package schema

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/powersync-ja/powersync-sqlite-core/internal/synccore"
)

const locRawTable = "SYN_SCH_030"

// rawParamTemplate renders one resolved parameter expression. sprig's
// `squote` handles literal quoting so a raw_table author's JSON literal
// (string, number, or bool) round-trips into valid SQL text the same way
// databaseutil's own templated statement generation quotes values.
var rawParamTemplate = template.Must(template.New("param").Funcs(sprig.TxtFuncMap()).Parse(
	`{{- if eq .Source "column" -}}{{ .Alias }}.{{ .Column }}` +
		`{{- else if eq .Source "id" -}}{{ .Alias }}.id` +
		`{{- else -}}{{ squote .Literal }}{{- end -}}`,
))

type rawParamView struct {
	Source  ParamSource
	Column  string
	Alias   string
	Literal any
}

// resolveParam renders one RawTableParam against the given pseudo-row
// alias ("NEW" for put statements, "OLD" for delete statements).
func resolveParam(p RawTableParam, alias string) (string, error) {
	var buf bytes.Buffer
	view := rawParamView{Source: p.Source, Column: p.Column, Alias: alias, Literal: p.Value}
	if err := rawParamTemplate.Execute(&buf, view); err != nil {
		return "", synccore.Wrap(synccore.ClassConfiguration, locRawTable, "failed to resolve raw table parameter", err)
	}
	return buf.String(), nil
}

// renderRawStatement substitutes each `?` placeholder in stmt.SQL, in
// order, with its resolved parameter expression against alias.
func renderRawStatement(stmt RawTableStatement, alias string) (string, error) {
	parts := strings.Split(stmt.SQL, "?")
	if len(parts)-1 != len(stmt.Params) {
		return "", synccore.New(synccore.ClassConfiguration, locRawTable,
			fmt.Sprintf("raw table statement has %d placeholders but %d params", len(parts)-1, len(stmt.Params)))
	}

	var b strings.Builder
	for i, part := range parts {
		b.WriteString(part)
		if i < len(stmt.Params) {
			resolved, err := resolveParam(stmt.Params[i], alias)
			if err != nil {
				return "", err
			}
			b.WriteString(resolved)
		}
	}
	return b.String(), nil
}

// RawTableTriggerDDL renders the three triggers a raw table gets: a put
// (covering both insert and update — the user's own SQL decides which)
// on INSERT and UPDATE, and a delete on DELETE, all on a view named after
// the raw table.
func RawTableTriggerDDL(t RawTableSpec) ([]string, error) {
	putSQL, err := renderRawStatement(t.Put, "NEW")
	if err != nil {
		return nil, err
	}
	deleteSQL, err := renderRawStatement(t.Delete, "OLD")
	if err != nil {
		return nil, err
	}

	view := quoteIdent(t.Name)
	return []string{
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS ps_raw_insert_%s INSTEAD OF INSERT ON %s\nBEGIN\n  %s;\nEND", t.Name, view, putSQL),
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS ps_raw_update_%s INSTEAD OF UPDATE ON %s\nBEGIN\n  %s;\nEND", t.Name, view, putSQL),
		fmt.Sprintf("CREATE TRIGGER IF NOT EXISTS ps_raw_delete_%s INSTEAD OF DELETE ON %s\nBEGIN\n  %s;\nEND", t.Name, view, deleteSQL),
	}, nil
}
