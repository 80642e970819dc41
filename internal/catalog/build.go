package catalog

import (
	"context"
	"fmt"

	"github.com/nerrad567/gray-logic-driverhost/internal/bulkload"
)

// DefaultPageSize is used when Build is given a page size below one.
const DefaultPageSize = 500

// Build reads every item from repo, page by page, into a new Catalog.
// progress counts items as they are read. ctx is checked before each page
// so a cancelled build stops within one page.
func Build(ctx context.Context, repo Repository, pageSize int, progress *bulkload.Progress) (*Catalog, error) {
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}

	total, err := repo.Count(ctx)
	if err != nil {
		return nil, err
	}

	b := newBuilder(total)
	for offset := 0; ; offset += pageSize {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("catalog build stopped at %d items: %w", offset, err)
		}

		page, err := repo.Page(ctx, offset, pageSize)
		if err != nil {
			return nil, err
		}
		for _, it := range page {
			if err := b.add(it); err != nil {
				return nil, err
			}
		}
		if progress != nil {
			progress.Add(len(page))
		}
		if len(page) < pageSize {
			break
		}
	}
	return b.finish(), nil
}

// Builder returns a bulkload.BuildFunc that runs Build against repo.
func Builder(repo Repository, pageSize int) bulkload.BuildFunc[*Catalog] {
	return func(ctx context.Context, p *bulkload.Progress) (*Catalog, error) {
		return Build(ctx, repo, pageSize, p)
	}
}
