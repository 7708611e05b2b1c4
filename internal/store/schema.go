package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/withObsrvr/obsrvr-catalog-harvester/internal/parser"
)

const defaultTable = "products"

// fixedColumns are created with the table and never come from attributes.
var fixedColumns = []string{"id", "brand", "product_name", "url", "assets"}

// columnFor maps an attribute name onto a column name. The empty string
// means the attribute is already carried by a fixed column.
func columnFor(attr string) string {
	switch strings.ToLower(attr) {
	case "brand":
		return ""
	case "id", "product_name", "url", "assets":
		return "attr_" + attr
	}
	return attr
}

// quoteIdent quotes a table or column name for SQL. Both SQLite and
// Postgres accept double-quoted identifiers with embedded quotes doubled.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// evolution is the schema change one record requires. It is the only
// source of an insertPlan, so a row can never be written before the
// columns it names exist.
type evolution struct {
	table   string
	missing []string
	columns []string
	values  []any
}

// planEvolution compares the record with the existing columns. Names are
// matched case-insensitively; a matching column keeps its stored spelling.
// Within one record the first of several case-variants wins. fit, when
// set, rewrites column names the backend cannot store as given.
func planEvolution(table string, existing []string, url string, rec *parser.Record, fit func(string) string) (evolution, error) {
	known := make(map[string]string, len(existing))
	for _, c := range existing {
		known[strings.ToLower(c)] = c
	}

	assets := rec.Assets
	if assets == nil {
		assets = []string{}
	}
	encoded, err := json.Marshal(assets)
	if err != nil {
		return evolution{}, fmt.Errorf("encode assets: %w", err)
	}

	brand := rec.Brand
	if brand == "" {
		brand = parser.Unknown
	}
	productName := rec.ProductName
	if productName == "" {
		productName = parser.Unknown
	}

	ev := evolution{
		table:   table,
		columns: []string{"brand", "product_name", "url", "assets"},
		values:  []any{brand, productName, url, string(encoded)},
	}

	seen := make(map[string]bool)
	if rec.Attributes == nil {
		return ev, nil
	}
	for _, attr := range rec.Attributes.Keys() {
		col := columnFor(attr)
		if col == "" {
			continue
		}
		if fit != nil {
			col = fit(col)
		}
		key := strings.ToLower(col)
		if seen[key] {
			continue
		}
		seen[key] = true

		value, _ := rec.Attributes.Get(attr)
		if stored, ok := known[key]; ok {
			col = stored
		} else {
			ev.missing = append(ev.missing, col)
			known[key] = col
		}
		ev.columns = append(ev.columns, col)
		ev.values = append(ev.values, value)
	}
	return ev, nil
}

// complete is called once every missing column has been added.
func (e evolution) complete() insertPlan {
	return insertPlan{table: e.table, columns: e.columns, values: e.values}
}

// insertPlan is a row ready to be written against an evolved table.
type insertPlan struct {
	table   string
	columns []string
	values  []any
}

// statement renders the insert. placeholder returns the bind marker for
// the i-th (0-based) value.
func (p insertPlan) statement(placeholder func(i int) string) string {
	cols := make([]string, len(p.columns))
	marks := make([]string, len(p.columns))
	for i, c := range p.columns {
		cols[i] = quoteIdent(c)
		marks[i] = placeholder(i)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (url) DO NOTHING",
		quoteIdent(p.table), strings.Join(cols, ", "), strings.Join(marks, ", "))
}

func isDuplicateColumn(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}
