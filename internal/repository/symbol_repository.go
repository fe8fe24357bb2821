package repository

import (
	"context"
	"fmt"
	"strings"

	"marketdata-relay/internal/domain/symbol"
	relay_errors "marketdata-relay/pkg/errors"
)

const symbolColumns = `id, symbol, brsymbol, name, exchange, brexchange, token, expiry, strike, lotsize, instrumenttype, tick_size`

type symbolRepository struct {
	db    DBTX
	limit int
}

func NewSymbolRepository(db DBTX, limit int) SymbolRepository {
	if limit <= 0 {
		limit = 50
	}
	return &symbolRepository{db: db, limit: limit}
}

func (r *symbolRepository) EnhancedSearch(ctx context.Context, query, exchange string) ([]symbol.Symbol, error) {
	sql, args := buildSearchQuery(query, exchange, r.limit)
	if sql == "" {
		return []symbol.Symbol{}, nil
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("search symbols: %w", err)
	}
	defer rows.Close()

	results := []symbol.Symbol{}
	for rows.Next() {
		var s symbol.Symbol
		if err := rows.Scan(
			&s.ID,
			&s.Symbol,
			&s.BrSymbol,
			&s.Name,
			&s.Exchange,
			&s.BrExchange,
			&s.Token,
			&s.Expiry,
			&s.Strike,
			&s.LotSize,
			&s.InstrumentType,
			&s.TickSize,
		); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		results = append(results, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *symbolRepository) Insert(ctx context.Context, symbols []symbol.Symbol) error {
	return WithTx(ctx, r.db, func(tx DBTX) error {
		for _, s := range symbols {
			_, err := tx.Exec(ctx, `
                INSERT INTO symtoken (symbol, brsymbol, name, exchange, brexchange, token, expiry, strike, lotsize, instrumenttype, tick_size)
                VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
            `,
				s.Symbol,
				s.BrSymbol,
				s.Name,
				s.Exchange,
				s.BrExchange,
				s.Token,
				s.Expiry,
				s.Strike,
				s.LotSize,
				s.InstrumentType,
				s.TickSize,
			)
			if err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("symbol %s:%s: %w", s.Exchange, s.Symbol, relay_errors.ErrAlreadyExists)
				}
				return err
			}
		}
		return nil
	})
}

// buildSearchQuery returns an empty statement when query has no terms.
//
// $1 is the whole query for exact matches and $2 the prefix pattern; these
// drive the ordering. Each term then gets one placeholder reused across the
// four searchable columns.
func buildSearchQuery(query, exchange string, limit int) (string, []any) {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return "", nil
	}
	whole := strings.Join(terms, " ")

	args := []any{whole, escapeLike(whole) + "%"}
	var where []string
	for _, term := range terms {
		args = append(args, "%"+escapeLike(term)+"%")
		n := len(args)
		where = append(where, fmt.Sprintf(
			"(symbol ILIKE $%d OR brsymbol ILIKE $%d OR name ILIKE $%d OR token ILIKE $%d)", n, n, n, n))
	}
	if exchange != "" {
		args = append(args, exchange)
		where = append(where, fmt.Sprintf("exchange = $%d", len(args)))
	}
	args = append(args, limit)

	sql := fmt.Sprintf(`SELECT %s FROM symtoken WHERE %s
        ORDER BY CASE WHEN UPPER(symbol) = UPPER($1) THEN 0 WHEN symbol ILIKE $2 THEN 1 ELSE 2 END, symbol
        LIMIT $%d`, symbolColumns, strings.Join(where, " AND "), len(args))
	return sql, args
}
