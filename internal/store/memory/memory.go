package memory

import "github.com/arborlabs/arbd/internal/domain"

const defaultLimit = 50

// paginate applies ListOpts limit/offset to an already-sorted slice.
func paginate[T any](items []T, opts domain.ListOpts) []T {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	out := make([]T, end-offset)
	copy(out, items[offset:end])
	return out
}
