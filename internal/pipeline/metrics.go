package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 上传流水线的 Prometheus 指标。
var (
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_uploads_total",
			Help: "按结果统计的文件上传数量",
		},
		[]string{"outcome"},
	)

	quotaRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intake_quota_rejections_total",
		Help: "因会话配额不足而未进入流水线的文件数量",
	})

	compressionFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intake_compression_fallbacks_total",
		Help: "压缩失败并回退为原始文件的次数",
	})

	compressionBytesSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intake_compression_bytes_saved_total",
		Help: "客户端压缩节省的字节数",
	})

	fileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "intake_file_duration_seconds",
		Help:    "单个文件从压缩到上传完成的耗时",
		Buckets: prometheus.DefBuckets,
	})
)
