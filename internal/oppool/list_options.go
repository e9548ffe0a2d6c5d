package oppool

import (
	"strings"
	"time"
)

// SortOrder 定义列表查询的排序方向。
type SortOrder int

const (
	// SortByUpdatedDesc 按更新时间倒序（最近的在前）。
	SortByUpdatedDesc SortOrder = iota
	// SortByUpdatedAsc 按更新时间正序（最旧的在前）。
	SortByUpdatedAsc
)

// ListOptions 控制查询收件箱时的筛选与分页。
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	Account    string
	UpdatedGTE int64
	UpdatedLTE int64
	Order      SortOrder
}

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
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.Account = strings.TrimSpace(opts.Account)
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit 限制返回的操作数量。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset 跳过前 n 条匹配记录。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithStatuses 按状态筛选。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithAccount 只返回指定账户的操作。
func WithAccount(address string) ListOption {
	return func(opts *ListOptions) {
		opts.Account = address
	}
}

// WithUpdatedSince 按更新时间下界筛选（含端点）。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedGTE = 0
			return
		}
		opts.UpdatedGTE = ts.Unix()
	}
}

// WithUpdatedUntil 按更新时间上界筛选（含端点）。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.UpdatedLTE = 0
			return
		}
		opts.UpdatedLTE = ts.Unix()
	}
}

// WithSortOrder 改变结果排序方向。
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) {
		opts.Order = order
	}
}

func buildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
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
