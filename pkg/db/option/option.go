package option

import (
	"storefront-entitlements/pkg/db/pagination"

	"gorm.io/gorm"
)

// QueryOption mutates a gorm query before it is executed by the repository.
type QueryOption func(*gorm.DB) *gorm.DB

func Limit(n int) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		if n > 0 {
			tx = tx.Limit(n)
		}
		return tx
	}
}

func OrderBy(expr string) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Order(expr)
	}
}

func Where(query string, args ...any) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Where(query, args...)
	}
}

// ApplyPagination applies a cursor over (created_at, id) plus the limit.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return func(tx *gorm.DB) *gorm.DB {
		if p.Cursor != "" {
			if cursor, err := pagination.DecodeCursor(p.Cursor); err == nil {
				tx = tx.Where(
					"(created_at > ?) OR (created_at = ? AND id > ?)",
					cursor.CreatedAt, cursor.CreatedAt, cursor.ID,
				)
			}
		}

		limit := p.Limit
		if limit <= 0 {
			limit = 10
		}

		return tx.Order("created_at ASC").Order("id ASC").Limit(limit)
	}
}
