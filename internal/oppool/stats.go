package oppool

// PoolStats 聚合了收件箱的状态统计，常用于仪表盘或健康检查。
type PoolStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Executing       int   `json:"executing"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}
