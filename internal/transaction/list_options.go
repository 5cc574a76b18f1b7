package transaction

// ListOptions controls how transactions are selected when listing by owner.
type ListOptions struct {
	Limit  int
	Offset int
	// Overall keeps only transactions whose derived overall status matches.
	Overall []OverallStatus
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if len(opts.Overall) > 0 {
		opts.Overall = normalizeOverall(opts.Overall)
	}
}

// filtered reports whether the options need a post-load filter pass, which
// forces drivers to page in memory.
func (opts ListOptions) filtered() bool {
	return len(opts.Overall) > 0
}

func (opts ListOptions) matches(tx *Transaction) bool {
	if len(opts.Overall) == 0 {
		return true
	}
	status := DeriveOverallStatus(StatusesOf(tx))
	for _, want := range opts.Overall {
		if want == status {
			return true
		}
	}
	return false
}

// page applies filter, offset and limit to an already sorted slice.
func (opts ListOptions) page(items []*Transaction) []*Transaction {
	results := make([]*Transaction, 0, len(items))
	skipped := 0
	for _, tx := range items {
		if !opts.matches(tx) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		results = append(results, tx)
		if len(results) >= opts.Limit {
			break
		}
	}
	return results
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of transactions returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching transactions.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithOverallStatus filters by the human-facing overall status.
func WithOverallStatus(statuses ...OverallStatus) ListOption {
	return func(opts *ListOptions) {
		opts.Overall = append(opts.Overall[:0], statuses...)
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeOverall(input []OverallStatus) []OverallStatus {
	seen := make(map[OverallStatus]struct{}, len(input))
	result := make([]OverallStatus, 0, len(input))
	for _, status := range input {
		valid := false
		for _, known := range OverallStatuses {
			if known == status {
				valid = true
				break
			}
		}
		if !valid {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
