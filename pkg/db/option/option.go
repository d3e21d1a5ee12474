// Package option provides composable gorm query modifiers used by the
// generic repository.
package option

import (
	"fmt"

	"github.com/fitloop/cadence/pkg/db/pagination"
	"gorm.io/gorm"
)

type Operator string

const (
	EQ  Operator = "="
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
)

// QueryOption mutates a gorm statement before execution.
type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type queryOptionFunc func(db *gorm.DB) *gorm.DB

func (f queryOptionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

func ApplyOperator(cond Condition) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		return db.Where(fmt.Sprintf("%s %s ?", cond.Field, cond.Operator), cond.Value)
	})
}

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	// Allow whitelists sortable columns; anything else falls back to created_at.
	Allow map[string]bool
}

func WithQuerySortBy(sortBy, orderBy string, allow map[string]bool) QuerySortBy {
	return QuerySortBy{SortBy: sortBy, OrderBy: orderBy, Allow: allow}
}

func WithSortBy(sort QuerySortBy) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		column := sort.SortBy
		if column == "" || !sort.Allow[column] {
			column = "created_at"
		}
		order := sort.OrderBy
		if order != "asc" && order != "desc" {
			order = "desc"
		}
		return db.Order(fmt.Sprintf("%s %s", column, order))
	})
}

// ApplyPagination applies cursor pagination. It fetches one extra row so the
// caller can detect has_more.
func ApplyPagination(page pagination.Pagination) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		size := page.PageSize
		if size <= 0 {
			size = 10
		}
		if size > 250 {
			size = 250
		}

		if page.PageToken != "" {
			cursor, err := pagination.DecodeCursor(page.PageToken)
			if err == nil && cursor.ID != "" {
				db = db.Where("id < ?", cursor.ID)
			}
		}

		return db.Limit(size + 1)
	})
}

func WithLimit(limit int) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		return db.Limit(limit)
	})
}
