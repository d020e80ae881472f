// Package pipeline 定义了文件从选择到进入审核池的核心流程：
// 配额检查、压缩、上传、缩略图生成以及跟踪器状态更新。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"reconomed-intake/internal/imaging"
	"reconomed-intake/internal/model"
	"reconomed-intake/internal/session"
	"reconomed-intake/pkg/log"
)

// Compressor 压缩单个文件，失败时自行回退，不返回错误。
type Compressor interface {
	Compress(f imaging.File) imaging.Result
}

// Thumbnailer 生成本地预览图。
type Thumbnailer interface {
	Thumbnail(f imaging.File) (string, error)
}

// Uploader 把文件发送到后端。
type Uploader interface {
	UploadFile(ctx context.Context, filename, contentType string, data []byte, originalSize, compressedSize int64) (*model.UploadReceipt, error)
	UploadToPatient(ctx context.Context, patientID, filename, contentType string, data []byte) (*model.DirectUploadResult, error)
}

// Stage 是进度回调中的阶段。
type Stage string

const (
	StageRejected    Stage = "rejected"
	StageCompressing Stage = "compressing"
	StageUploading   Stage = "uploading"
	StageUploaded    Stage = "uploaded"
	StageFailed      Stage = "failed"
)

// Progress 是一次进度通知，Index 从 1 开始。
type Progress struct {
	BatchID  string `json:"batchId"`
	Stage    Stage  `json:"stage"`
	Index    int    `json:"index"`
	Total    int    `json:"total"`
	Filename string `json:"filename"`
	RecordID string `json:"recordId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ProgressFunc 接收进度通知。调用是串行的。
type ProgressFunc func(Progress)

// Failure 描述批次中单个文件的失败。
type Failure struct {
	Index    int    `json:"index"`
	Filename string `json:"filename"`
	Message  string `json:"message"`
	Canceled bool   `json:"canceled"`
	Err      error  `json:"-"`
}

// BatchResult 汇总一个批次的结果。
type BatchResult struct {
	ID        string                `json:"id"`
	Accepted  []*model.UploadRecord `json:"accepted"`
	Rejected  []string              `json:"rejected"`
	Failures  []Failure             `json:"failures"`
	Cancelled bool                  `json:"cancelled"`
	Duration  time.Duration         `json:"duration"`
}

// Options 配置编排器。
type Options struct {
	// Workers 是同时处理的文件数，1 表示严格串行。
	Workers   int
	Retention time.Duration
	Now       func() time.Time
}

// Orchestrator 按选择顺序驱动 压缩 -> 上传 -> 缩略图 -> 入池。
type Orchestrator struct {
	tracker     *session.Tracker
	compressor  Compressor
	thumbnailer Thumbnailer
	uploader    Uploader
	opts        Options
}

// New 创建编排器。
func New(tracker *session.Tracker, compressor Compressor, thumbnailer Thumbnailer, uploader Uploader, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		tracker:     tracker,
		compressor:  compressor,
		thumbnailer: thumbnailer,
		uploader:    uploader,
		opts:        opts,
	}
}

type outcome struct {
	record *model.UploadRecord
	err    error
}

// ProcessBatch 处理一批文件。超出剩余配额的文件在任何压缩或网络调用之前被拒绝；
// 单个文件失败不会中断批次；ctx 取消会中止进行中的上传以及剩余文件。
// 成功的文件严格按照选择顺序进入跟踪器。
func (o *Orchestrator) ProcessBatch(ctx context.Context, files []imaging.File, progress ProgressFunc) *BatchResult {
	start := time.Now()
	res := &BatchResult{ID: uuid.NewString()}
	if len(files) == 0 {
		return res
	}

	var reportMu sync.Mutex
	report := func(p Progress) {
		if progress == nil {
			return
		}
		p.BatchID = res.ID
		reportMu.Lock()
		defer reportMu.Unlock()
		progress(p)
	}

	// 1. 配额检查，先于任何工作
	k := o.tracker.Reserve(len(files))
	if k < len(files) {
		for i, f := range files[k:] {
			res.Rejected = append(res.Rejected, f.Name)
			report(Progress{Stage: StageRejected, Index: k + i + 1, Total: len(files), Filename: f.Name,
				Error: session.ErrQuotaExceeded.Error()})
		}
		quotaRejectionsTotal.Add(float64(len(files) - k))
		log.Warnf("[Orchestrator] 批次 %s: 配额剩余 %d, 拒绝 %d 个文件", res.ID, k, len(files)-k)
	}
	accepted := files[:k]
	if k == 0 {
		res.Duration = time.Since(start)
		return res
	}
	log.Infof("[Orchestrator] 批次 %s 开始, 共 %d 个文件, 并发 %d", res.ID, k, o.opts.Workers)

	// 2. 有界并发处理，结果按下标回收
	outcomes := make([]chan outcome, k)
	for i := range outcomes {
		outcomes[i] = make(chan outcome, 1)
	}
	sem := semaphore.NewWeighted(int64(o.opts.Workers))
	go func() {
		for i, f := range accepted {
			if err := sem.Acquire(ctx, 1); err != nil {
				for j := i; j < k; j++ {
					outcomes[j] <- outcome{err: err}
				}
				return
			}
			go func(i int, f imaging.File) {
				defer sem.Release(1)
				outcomes[i] <- o.processOne(ctx, i+1, k, f, report)
			}(i, f)
		}
	}()

	// 3. 按选择顺序入池
	for i, f := range accepted {
		out := <-outcomes[i]
		if out.err == nil {
			if err := o.tracker.AdmitReserved(out.record); err != nil {
				out.err = fmt.Errorf("加入会话失败: %w", err)
			}
		} else {
			o.tracker.Release(1)
		}

		if out.err != nil {
			canceled := ctx.Err() != nil && errors.Is(out.err, ctx.Err())
			res.Failures = append(res.Failures, Failure{
				Index:    i + 1,
				Filename: f.Name,
				Message:  out.err.Error(),
				Canceled: canceled,
				Err:      out.err,
			})
			if canceled {
				uploadsTotal.WithLabelValues("canceled").Inc()
			} else {
				uploadsTotal.WithLabelValues("failed").Inc()
				log.Errorf("[Orchestrator] 文件 %s 上传失败: %v", f.Name, out.err)
			}
			report(Progress{Stage: StageFailed, Index: i + 1, Total: k, Filename: f.Name, Error: out.err.Error()})
			continue
		}

		res.Accepted = append(res.Accepted, out.record)
		uploadsTotal.WithLabelValues("uploaded").Inc()
		report(Progress{Stage: StageUploaded, Index: i + 1, Total: k, Filename: f.Name, RecordID: out.record.ID})
	}

	res.Cancelled = ctx.Err() != nil
	res.Duration = time.Since(start)
	log.Infof("[Orchestrator] 批次 %s 完成: 成功 %d, 失败 %d, 拒绝 %d, 取消=%v, 耗时 %s",
		res.ID, len(res.Accepted), len(res.Failures), len(res.Rejected), res.Cancelled, res.Duration)
	return res
}

func (o *Orchestrator) processOne(ctx context.Context, index, total int, f imaging.File, report ProgressFunc) outcome {
	if err := ctx.Err(); err != nil {
		return outcome{err: err}
	}
	start := time.Now()
	defer func() { fileDuration.Observe(time.Since(start).Seconds()) }()

	report(Progress{Stage: StageCompressing, Index: index, Total: total, Filename: f.Name})
	payload := o.compress(f)

	report(Progress{Stage: StageUploading, Index: index, Total: total, Filename: f.Name})
	contentType := imaging.DetectContentType(f)
	receipt, err := o.uploader.UploadFile(ctx, f.Name, contentType, payload.Data, f.Size(), payload.Size())
	if err != nil {
		return outcome{err: err}
	}
	if receipt == nil || receipt.ID == "" || receipt.FilePath == "" {
		return outcome{err: errors.New("服务端响应缺少 id 或 filePath")}
	}

	thumb, err := o.thumbnailer.Thumbnail(f)
	if err != nil {
		log.Warnf("[Orchestrator] 生成 %s 的缩略图失败: %v", f.Name, err)
		thumb = ""
	}

	now := o.opts.Now()
	return outcome{record: &model.UploadRecord{
		ID:             receipt.ID,
		Filename:       f.Name,
		ContentType:    contentType,
		OriginalSize:   f.Size(),
		CompressedSize: payload.Size(),
		FilePath:       receipt.FilePath,
		UploadedAt:     now,
		ExpiresAt:      now.Add(o.opts.Retention),
		ThumbnailURL:   thumb,
		State:          model.StateUploaded,
	}}
}

// compress 只处理图片，其他文件原样返回。
func (o *Orchestrator) compress(f imaging.File) imaging.File {
	if !f.IsImage() {
		return f
	}
	res := o.compressor.Compress(f)
	if res.Fallback != nil {
		compressionFallbacksTotal.Inc()
		return f
	}
	if saved := f.Size() - res.File.Size(); saved > 0 {
		compressionBytesSaved.Add(float64(saved))
	}
	return res.File
}

// UploadDirect 压缩后直接上传到指定患者名下，不经过会话跟踪器。
func (o *Orchestrator) UploadDirect(ctx context.Context, patientID string, f imaging.File) (*model.DirectUploadResult, error) {
	if patientID == "" {
		return nil, errors.New("患者 id 不能为空")
	}
	payload := o.compress(f)
	result, err := o.uploader.UploadToPatient(ctx, patientID, f.Name, imaging.DetectContentType(f), payload.Data)
	if err != nil {
		uploadsTotal.WithLabelValues("failed").Inc()
		log.Errorf("[Orchestrator] 直接上传 %s 到患者 %s 失败: %v", f.Name, patientID, err)
		return nil, err
	}
	uploadsTotal.WithLabelValues("direct").Inc()
	log.Infof("[Orchestrator] 文件 %s 已直接上传到患者 %s, 文档 id=%s", f.Name, patientID, result.DocumentID)
	return result, nil
}
