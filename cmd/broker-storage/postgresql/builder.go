// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package postgresql

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"github.com/lib/pq"
	"github.com/united-manufacturing-hub/broker-storage/cmd/broker-storage/shared"
	"github.com/united-manufacturing-hub/broker-storage/internal"
	"go.uber.org/zap"
)

type Kind uint8

const (
	// Insert fails on a unique key conflict.
	Insert Kind = iota
	// InsertIgnore silently keeps the existing row.
	InsertIgnore
	// Upsert inserts or updates every non unique column.
	Upsert
	// Update sets every non unique column where the unique columns match.
	Update
	// Delete removes the rows matching the unique columns.
	Delete
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case InsertIgnore:
		return "insert_ignore"
	case Upsert:
		return "upsert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Template describes a statement independently of the values bound to it.
type Template struct {
	Kind   Kind
	Unique []string
	// UpdateExpr replaces the default "col=EXCLUDED.col" of an upsert for some columns.
	UpdateExpr map[string]string
}

type query struct {
	sql string
	// order of the row fields in the bound arguments
	order []int
}

type Builder struct {
	cache      *lru.ARCCache
	capacities *Capacities
}

func NewBuilder(cacheSize int, capacities *Capacities) (*Builder, error) {
	cache, err := lru.NewARC(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create statement cache: %w", err)
	}
	return &Builder{cache: cache, capacities: capacities}, nil
}

// Build returns the statement for row. Strings longer than their column are truncated.
func (b *Builder) Build(tpl Template, row shared.Row) (Statement, error) {
	return b.BuildFields(tpl, row.Table(), row.Fields())
}

func (b *Builder) BuildFields(tpl Template, table string, fields []shared.Field) (Statement, error) {
	key := cacheKey(tpl, table, fields)
	var q query
	if cached, ok := b.cache.Get(key); ok {
		q = cached.(query)
	} else {
		var err error
		q, err = compile(tpl, table, fields)
		if err != nil {
			return Statement{}, err
		}
		b.cache.Add(key, q)
	}

	args := make([]any, len(q.order))
	for i, idx := range q.order {
		f := fields[idx]
		args[i] = b.truncate(table, f.Column, f.Value)
	}
	return Statement{SQL: q.sql, Args: args}, nil
}

func (b *Builder) truncate(table, column string, value any) any {
	if b.capacities == nil {
		return value
	}
	switch v := value.(type) {
	case string:
		return b.capacities.Truncate(table, column, v)
	case sql.NullString:
		if v.Valid {
			v.String = b.capacities.Truncate(table, column, v.String)
		}
		return v
	default:
		return value
	}
}

func cacheKey(tpl Template, table string, fields []shared.Field) string {
	var key strings.Builder
	key.WriteString(tpl.Kind.String())
	key.WriteRune('*')
	key.WriteString(table)
	for _, f := range fields {
		key.WriteRune('*')
		key.WriteString(f.Column)
	}
	key.WriteRune('|')
	key.WriteString(strings.Join(tpl.Unique, ","))
	if len(tpl.UpdateExpr) > 0 {
		columns := make([]string, 0, len(tpl.UpdateExpr))
		for c := range tpl.UpdateExpr {
			columns = append(columns, c)
		}
		sort.Strings(columns)
		for _, c := range columns {
			key.WriteRune('|')
			key.WriteString(c)
			key.WriteRune('=')
			key.WriteString(tpl.UpdateExpr[c])
		}
	}
	return string(internal.AsXXHash([]byte(key.String())))
}

func compile(tpl Template, table string, fields []shared.Field) (query, error) {
	isUnique := make(map[string]bool, len(tpl.Unique))
	for _, u := range tpl.Unique {
		isUnique[u] = true
	}
	position := make(map[string]int, len(fields))
	for i, f := range fields {
		position[f.Column] = i
	}
	for _, u := range tpl.Unique {
		if _, ok := position[u]; !ok {
			return query{}, fmt.Errorf("unique column %s is not a field of %s", u, table)
		}
	}

	var q query
	var sb strings.Builder
	quotedTable := pq.QuoteIdentifier(table)

	switch tpl.Kind {
	case Insert, InsertIgnore, Upsert:
		columns := make([]string, len(fields))
		placeholders := make([]string, len(fields))
		for i, f := range fields {
			columns[i] = pq.QuoteIdentifier(f.Column)
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			q.order = append(q.order, i)
		}
		fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (%s)", quotedTable, strings.Join(columns, ","), strings.Join(placeholders, ","))
		switch tpl.Kind {
		case InsertIgnore:
			sb.WriteString(" ON CONFLICT DO NOTHING")
		case Upsert:
			if len(tpl.Unique) == 0 {
				return query{}, fmt.Errorf("upsert on %s needs unique columns", table)
			}
			var sets []string
			for _, f := range fields {
				if isUnique[f.Column] {
					continue
				}
				col := pq.QuoteIdentifier(f.Column)
				if expr, ok := tpl.UpdateExpr[f.Column]; ok {
					sets = append(sets, fmt.Sprintf("%s=%s", col, expr))
				} else {
					sets = append(sets, fmt.Sprintf("%s=EXCLUDED.%s", col, col))
				}
			}
			fmt.Fprintf(&sb, " ON CONFLICT (%s) ", quoteAll(tpl.Unique))
			if len(sets) == 0 {
				sb.WriteString("DO NOTHING")
			} else {
				fmt.Fprintf(&sb, "DO UPDATE SET %s", strings.Join(sets, ","))
			}
		}
	case Update:
		if len(tpl.Unique) == 0 {
			return query{}, fmt.Errorf("update on %s needs unique columns", table)
		}
		var sets []string
		for i, f := range fields {
			if isUnique[f.Column] {
				continue
			}
			q.order = append(q.order, i)
			sets = append(sets, fmt.Sprintf("%s=$%d", pq.QuoteIdentifier(f.Column), len(q.order)))
		}
		if len(sets) == 0 {
			return query{}, fmt.Errorf("update on %s has nothing to set", table)
		}
		fmt.Fprintf(&sb, "UPDATE %s SET %s WHERE %s", quotedTable, strings.Join(sets, ","), where(tpl.Unique, position, &q))
	case Delete:
		if len(tpl.Unique) == 0 {
			return query{}, fmt.Errorf("delete on %s needs unique columns", table)
		}
		fmt.Fprintf(&sb, "DELETE FROM %s WHERE %s", quotedTable, where(tpl.Unique, position, &q))
	default:
		return query{}, fmt.Errorf("unknown statement kind %s", tpl.Kind)
	}

	q.sql = sb.String()
	zap.S().Debugf("Compiled %s statement for %s: %s", tpl.Kind, table, q.sql)
	return q, nil
}

func where(unique []string, position map[string]int, q *query) string {
	conditions := make([]string, len(unique))
	for i, u := range unique {
		q.order = append(q.order, position[u])
		conditions[i] = fmt.Sprintf("%s=$%d", pq.QuoteIdentifier(u), len(q.order))
	}
	return strings.Join(conditions, " AND ")
}

func quoteAll(columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pq.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ",")
}
