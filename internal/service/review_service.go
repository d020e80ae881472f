package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"reconomed-intake/internal/model"
	"reconomed-intake/internal/session"
	"reconomed-intake/pkg/backend"
	"reconomed-intake/pkg/log"
)

var (
	formCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intake_validation_form_cache_hits_total",
		Help: "校对表单缓存命中次数",
	})
	formCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intake_validation_form_cache_misses_total",
		Help: "校对表单缓存未命中次数",
	})
	processingTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_processing_requests_total",
		Help: "按结果统计的 OCR 触发次数",
	}, []string{"outcome"})
)

// SubmitResult 是提交校对后的结果，附带刷新后的列表。
type SubmitResult struct {
	DocumentID      string                  `json:"documentId"`
	ValidationQueue []model.DocumentSummary `json:"validationQueue"`
	Completed       []model.DocumentSummary `json:"completed"`
	RefreshError    string                  `json:"refreshError,omitempty"`
}

// AssignFailure 描述一条分配失败的记录。
type AssignFailure struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// AssignResult 是批量分配的逐条结果。
type AssignResult struct {
	Updated []string        `json:"updated"`
	Failed  []AssignFailure `json:"failed"`
}

// ReviewService 接口定义了校对和批量处理相关的业务操作。
type ReviewService interface {
	FetchValidation(ctx context.Context, documentID string) (*model.ValidationForm, error)
	SubmitValidation(ctx context.Context, documentID string, corrected map[string]any) (*SubmitResult, error)
	AssignBatch(ctx context.Context, ids []string, a model.Assignment) (*AssignResult, error)
	StartProcessing(ctx context.Context, ids []string) []model.ProcessingJob
	Queue(ctx context.Context, name string) ([]model.DocumentSummary, error)
}

type reviewService struct {
	client   backend.Client
	tracker  *session.Tracker
	patients PatientService
	forms    *expirable.LRU[string, *model.ValidationForm]
	workers  int
}

// NewReviewService 创建一个新的 ReviewService 实例。
// formEntries 和 formTTL 控制校对表单缓存，workers 限制同时触发的 OCR 数量。
func NewReviewService(client backend.Client, tracker *session.Tracker, patients PatientService, formEntries int, formTTL time.Duration, workers int) ReviewService {
	if formEntries <= 0 {
		formEntries = 128
	}
	if workers <= 0 {
		workers = 1
	}
	return &reviewService{
		client:   client,
		tracker:  tracker,
		patients: patients,
		forms:    expirable.NewLRU[string, *model.ValidationForm](formEntries, nil, formTTL),
		workers:  workers,
	}
}

// FetchValidation 获取校对表单，字段顺序即界面渲染顺序。
func (s *reviewService) FetchValidation(ctx context.Context, documentID string) (*model.ValidationForm, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, invalid("文档 id 不能为空")
	}
	form, err := s.client.GetValidation(ctx, documentID)
	if err != nil {
		return nil, err
	}
	s.forms.Add(documentID, form)
	return form, nil
}

// form 返回缓存的表单，未命中时重新获取。
func (s *reviewService) form(ctx context.Context, documentID string) (*model.ValidationForm, error) {
	if form, ok := s.forms.Get(documentID); ok {
		formCacheHits.Inc()
		return form, nil
	}
	formCacheMisses.Inc()
	return s.FetchValidation(ctx, documentID)
}

// isBlank 判断字段值是否为空：nil、空白字符串、空集合。
func isBlank(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// mergeFields 以表单中的原值为默认值，覆盖用户修改的字段，得到完整的提交集合。
func mergeFields(form *model.ValidationForm, corrected map[string]any) map[string]any {
	merged := make(map[string]any, len(form.ValidationFields)+len(corrected))
	for _, f := range form.ValidationFields {
		merged[f.Field] = f.Value
	}
	for k, v := range corrected {
		merged[k] = v
	}
	return merged
}

// SubmitValidation 检查必填字段后提交校对结果，成功后按顺序刷新校对队列和已完成列表。
// 失败时不修改任何本地状态，可以重新提交。
func (s *reviewService) SubmitValidation(ctx context.Context, documentID string, corrected map[string]any) (*SubmitResult, error) {
	form, err := s.form(ctx, documentID)
	if err != nil {
		return nil, err
	}

	merged := mergeFields(form, corrected)
	var missing []string
	for _, f := range form.ValidationFields {
		if f.Required && isBlank(merged[f.Field]) {
			label := f.Label
			if label == "" {
				label = f.Field
			}
			missing = append(missing, label)
		}
	}
	if len(missing) > 0 {
		return nil, &ValidationError{Message: "请填写所有必填字段", Fields: missing}
	}

	if err := s.client.SubmitValidation(ctx, documentID, merged); err != nil {
		log.Errorf("[ReviewService] 提交文档 %s 的校对失败: %v", documentID, err)
		return nil, err
	}
	log.Infof("[ReviewService] 文档 %s 校对完成, 共 %d 个字段", documentID, len(merged))
	s.forms.Remove(documentID)
	if err := s.tracker.SetState(documentID, model.StateValidated, ""); err != nil && !errors.Is(err, session.ErrNotFound) {
		log.Warnf("[ReviewService] 更新记录 %s 状态失败: %v", documentID, err)
	}

	res := &SubmitResult{DocumentID: documentID}
	var refreshErrs []string
	if res.ValidationQueue, err = s.client.Queue(ctx, backend.QueueValidation); err != nil {
		refreshErrs = append(refreshErrs, err.Error())
	}
	if res.Completed, err = s.client.Queue(ctx, backend.QueueCompleted); err != nil {
		refreshErrs = append(refreshErrs, err.Error())
	}
	if len(refreshErrs) > 0 {
		res.RefreshError = strings.Join(refreshErrs, "; ")
		log.Warnf("[ReviewService] 校对后刷新列表失败: %s", res.RefreshError)
	}
	return res, nil
}

// AssignBatch 为多条记录设置患者和/或文档类型。患者在整个批次中只校验一次，
// 每条记录独立持久化，逐条返回结果。
func (s *reviewService) AssignBatch(ctx context.Context, ids []string, a model.Assignment) (*AssignResult, error) {
	if len(ids) == 0 {
		return nil, invalid("请先选择要分配的文件")
	}
	if a.Empty() {
		return nil, invalid("请选择患者或文档类型")
	}
	if a.PatientID != nil {
		p, err := s.patients.Get(ctx, *a.PatientID)
		if backend.IsNotFound(err) {
			return nil, invalid("患者 %s 不存在", *a.PatientID)
		}
		if err != nil {
			return nil, err
		}
		log.Infof("[ReviewService] 为 %d 个文件分配患者 %s", len(ids), p.DisplayName())
	}

	res := &AssignResult{}
	for _, id := range ids {
		if err := s.assignOne(ctx, id, a); err != nil {
			res.Failed = append(res.Failed, AssignFailure{ID: id, Message: err.Error()})
			continue
		}
		res.Updated = append(res.Updated, id)
	}
	return res, nil
}

func (s *reviewService) assignOne(ctx context.Context, id string, a model.Assignment) error {
	rec, err := s.tracker.Get(id)
	if err != nil {
		return err
	}
	if rec.State == model.StateProcessing {
		return fmt.Errorf("文件 %s 正在处理中", rec.Filename)
	}
	if err := s.client.UpdateUpload(ctx, id, a); err != nil {
		return err
	}
	if a.PatientID != nil {
		if err := s.tracker.AssignPatient(id, *a.PatientID); err != nil {
			return err
		}
	}
	if a.DocumentType != nil {
		if err := s.tracker.AssignDocumentType(id, *a.DocumentType); err != nil {
			return err
		}
	}
	return s.tracker.SetState(id, model.StateAssigning, "")
}

// StartProcessing 为记录触发服务端 OCR。记录先被标记为 processing，
// 服务端确认后移出会话，失败则标记为 error。结果顺序与 ids 一致。
func (s *reviewService) StartProcessing(ctx context.Context, ids []string) []model.ProcessingJob {
	jobs := make([]model.ProcessingJob, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			jobs[i] = s.processOne(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return jobs
}

func (s *reviewService) processOne(ctx context.Context, id string) model.ProcessingJob {
	job := model.ProcessingJob{ID: id}
	rec, err := s.tracker.MarkProcessing(id)
	if err != nil {
		job.Error = err.Error()
		return job
	}

	result, err := s.client.ProcessOCR(ctx, id)
	if err != nil {
		processingTotal.WithLabelValues("failed").Inc()
		log.Errorf("[ReviewService] 触发文件 %s 的 OCR 失败: %v", rec.Filename, err)
		if serr := s.tracker.SetState(id, model.StateError, err.Error()); serr != nil && !errors.Is(serr, session.ErrNotFound) {
			log.Warnf("[ReviewService] 更新记录 %s 状态失败: %v", id, serr)
		}
		job.Error = err.Error()
		return job
	}

	processingTotal.WithLabelValues("started").Inc()
	if err := s.tracker.Remove(id); err != nil && !errors.Is(err, session.ErrNotFound) {
		log.Warnf("[ReviewService] 移除记录 %s 失败: %v", id, err)
	}
	job.Started = true
	job.DocumentType = result.DocumentType
	job.Confidence = result.OCRConfidence
	log.Infof("[ReviewService] 文件 %s 已开始处理, 类型=%s, 置信度=%.2f", rec.Filename, result.DocumentType, result.OCRConfidence)
	return job
}

// Queue 返回指定队列中的文档。
func (s *reviewService) Queue(ctx context.Context, name string) ([]model.DocumentSummary, error) {
	for _, q := range backend.QueueNames() {
		if q == name {
			return s.client.Queue(ctx, name)
		}
	}
	return nil, invalid("未知的队列: %s", name)
}
