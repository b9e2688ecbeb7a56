package inter

import (
	"context"
	"net/http"
)

// SummarySource 提供会话进行中的统计快照
type SummarySource interface {
	Snapshot() MetricsSummary
}

// StatusApi 定义了只读的 HTTP 状态接口
type StatusApi interface {
	// Handler 返回注册好全部路由的 http.Handler
	Handler() http.Handler

	// Run 启动监听，阻塞直到 ctx 取消
	Run(ctx context.Context) error
}
