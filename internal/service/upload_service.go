package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"reconomed-intake/internal/config"
	"reconomed-intake/internal/imaging"
	"reconomed-intake/internal/model"
	"reconomed-intake/internal/pipeline"
	"reconomed-intake/internal/session"
	"reconomed-intake/pkg/backend"
	"reconomed-intake/pkg/log"
	"reconomed-intake/pkg/tasks"
)

// UploadView 是返回给界面的上传记录，附带过期状态和选中标记。
type UploadView struct {
	*model.UploadRecord
	Expiry   model.ExpiryStatus `json:"expiry"`
	Selected bool               `json:"selected"`
}

// QuotaView 描述会话配额的使用情况。
type QuotaView struct {
	Used      int `json:"used"`
	Quota     int `json:"quota"`
	Remaining int `json:"remaining"`
	Selected  int `json:"selected"`
}

// SelectionOp 是选择集操作。
type SelectionOp string

const (
	SelectAdd    SelectionOp = "select"
	SelectRemove SelectionOp = "deselect"
	SelectToggle SelectionOp = "toggle"
	SelectAll    SelectionOp = "all"
	SelectNone   SelectionOp = "none"
)

// UploadService 接口定义了上传会话相关的业务操作。
type UploadService interface {
	StartBatch(ctx context.Context, files []imaging.File, progress pipeline.ProgressFunc) *pipeline.BatchResult
	UploadDirect(ctx context.Context, patientID string, f imaging.File) (*model.DirectUploadResult, error)
	List(now time.Time) []UploadView
	Quota() QuotaView
	Discard(id string) error
	UpdateSelection(op SelectionOp, ids []string) ([]string, error)
	Reload(ctx context.Context) (int, error)
	History(ctx context.Context) ([]*model.UploadRecord, error)
	HandleNotification(ctx context.Context, n tasks.ProcessingNotification) error
}

type uploadService struct {
	tracker      *session.Tracker
	orchestrator *pipeline.Orchestrator
	client       backend.Client
	uploadCfg    config.UploadConfig
}

// NewUploadService 创建一个新的 UploadService 实例。
func NewUploadService(tracker *session.Tracker, orchestrator *pipeline.Orchestrator, client backend.Client, uploadCfg config.UploadConfig) UploadService {
	return &uploadService{
		tracker:      tracker,
		orchestrator: orchestrator,
		client:       client,
		uploadCfg:    uploadCfg,
	}
}

// checkFile 在占用配额之前检查文件类型和大小。
func (s *uploadService) checkFile(f imaging.File) error {
	if f.Size() == 0 {
		return errors.New("文件内容为空")
	}
	if s.uploadCfg.MaxFileBytes > 0 && f.Size() > s.uploadCfg.MaxFileBytes {
		return fmt.Errorf("文件过大: %d 字节, 上限 %d 字节", f.Size(), s.uploadCfg.MaxFileBytes)
	}
	if len(s.uploadCfg.AllowedTypes) == 0 {
		return nil
	}
	ct := imaging.DetectContentType(f)
	for _, allowed := range s.uploadCfg.AllowedTypes {
		if strings.EqualFold(ct, allowed) || (allowed == "image/jpg" && ct == "image/jpeg") {
			return nil
		}
	}
	return fmt.Errorf("不支持的文件类型 %s, 允许: %s", ct, strings.Join(s.uploadCfg.AllowedTypes, ", "))
}

// StartBatch 过滤不合法的文件后交给编排器。不合法的文件作为失败项返回，不占用配额。
// 所有失败项的 Index 都指向调用方传入的 files（从 1 开始），按 Index 排序。
func (s *uploadService) StartBatch(ctx context.Context, files []imaging.File, progress pipeline.ProgressFunc) *pipeline.BatchResult {
	valid := make([]imaging.File, 0, len(files))
	positions := make([]int, 0, len(files))
	var invalidFiles []pipeline.Failure
	for i, f := range files {
		if err := s.checkFile(f); err != nil {
			log.Warnf("[UploadService] 跳过文件 %s: %v", f.Name, err)
			invalidFiles = append(invalidFiles, pipeline.Failure{Index: i + 1, Filename: f.Name, Message: err.Error(), Err: err})
			continue
		}
		valid = append(valid, f)
		positions = append(positions, i+1)
	}

	res := s.orchestrator.ProcessBatch(ctx, valid, progress)
	for i := range res.Failures {
		if idx := res.Failures[i].Index; idx >= 1 && idx <= len(positions) {
			res.Failures[i].Index = positions[idx-1]
		}
	}
	res.Failures = append(invalidFiles, res.Failures...)
	sort.SliceStable(res.Failures, func(i, j int) bool { return res.Failures[i].Index < res.Failures[j].Index })
	return res
}

// UploadDirect 直接上传到患者名下。
func (s *uploadService) UploadDirect(ctx context.Context, patientID string, f imaging.File) (*model.DirectUploadResult, error) {
	if err := s.checkFile(f); err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}
	return s.orchestrator.UploadDirect(ctx, patientID, f)
}

// List 返回会话中的所有记录。
func (s *uploadService) List(now time.Time) []UploadView {
	selected := make(map[string]bool)
	for _, id := range s.tracker.SelectedIDs() {
		selected[id] = true
	}
	records := s.tracker.List()
	views := make([]UploadView, 0, len(records))
	for _, rec := range records {
		views = append(views, UploadView{
			UploadRecord: rec,
			Expiry:       s.tracker.ExpiryStatus(rec, now),
			Selected:     selected[rec.ID],
		})
	}
	return views
}

// Quota 返回配额使用情况。
func (s *uploadService) Quota() QuotaView {
	return QuotaView{
		Used:      s.tracker.Count(),
		Quota:     s.tracker.Quota(),
		Remaining: s.tracker.Remaining(),
		Selected:  s.tracker.SelectedCount(),
	}
}

// Discard 从会话中移除记录。服务端的文件由保留策略清理。
func (s *uploadService) Discard(id string) error {
	if err := s.tracker.Remove(id); err != nil {
		return err
	}
	log.Infof("[UploadService] 记录 %s 已从会话中移除", id)
	return nil
}

// UpdateSelection 修改选择集并返回最新的选中 id。
func (s *uploadService) UpdateSelection(op SelectionOp, ids []string) ([]string, error) {
	var err error
	switch op {
	case SelectAdd:
		err = s.tracker.Select(ids...)
	case SelectRemove:
		err = s.tracker.Deselect(ids...)
	case SelectToggle:
		for _, id := range ids {
			if _, err = s.tracker.ToggleSelected(id); err != nil {
				break
			}
		}
	case SelectAll:
		s.tracker.SelectAll()
	case SelectNone:
		s.tracker.SelectNone()
	default:
		return nil, invalid("未知的选择操作: %s", op)
	}
	if err != nil {
		return nil, err
	}
	return s.tracker.SelectedIDs(), nil
}

// Reload 用服务端的未处理列表重建会话，返回因配额被丢弃的数量。
func (s *uploadService) Reload(ctx context.Context) (int, error) {
	records, err := s.client.ListUnprocessed(ctx)
	if err != nil {
		return 0, err
	}
	dropped := s.tracker.Reconcile(records)
	if dropped > 0 {
		log.Warnf("[UploadService] 服务端有 %d 个未处理上传超出会话配额", dropped)
	}
	log.Infof("[UploadService] 会话已同步, 当前 %d 条记录", s.tracker.Count())
	return dropped, nil
}

// History 返回服务端保存的全部上传，包括已处理的，不改变会话。
func (s *uploadService) History(ctx context.Context) ([]*model.UploadRecord, error) {
	all, err := s.client.ListUploads(ctx)
	if err != nil {
		return nil, err
	}
	records := append([]*model.UploadRecord(nil), all...)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].UploadedAt.After(records[j].UploadedAt)
	})
	return records, nil
}

// HandleNotification 根据后端通知更新会话：处理完成或删除的记录移出会话，失败的记录标记为 error。
func (s *uploadService) HandleNotification(ctx context.Context, n tasks.ProcessingNotification) error {
	id := n.RecordID()
	var err error
	switch n.Status {
	case tasks.StatusProcessing:
		err = s.tracker.SetState(id, model.StateProcessing, "")
	case tasks.StatusProcessed, tasks.StatusValidated, tasks.StatusDeleted:
		err = s.tracker.Remove(id)
	case tasks.StatusFailed:
		msg := n.Message
		if msg == "" {
			msg = "服务端处理失败"
		}
		err = s.tracker.SetState(id, model.StateError, msg)
	default:
		log.Warnf("[UploadService] 忽略未知的通知状态 %q (upload=%s)", n.Status, id)
		return nil
	}
	// 不在本会话中的记录无需处理
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	return err
}

// ForwardEvents 把 key 会话的跟踪器事件转换为 Kafka 负载交给 sink，返回取消订阅的函数。
func ForwardEvents(key string, tracker *session.Tracker, sink func(tasks.UploadEvent)) func() {
	return tracker.Subscribe(func(ev session.Event) {
		out := tasks.UploadEvent{
			Session:    key,
			Kind:       string(ev.Kind),
			RecordID:   ev.ID,
			Count:      ev.Count,
			Quota:      ev.Quota,
			OccurredAt: time.Now().UTC(),
		}
		if ev.Record != nil {
			out.Filename = ev.Record.Filename
			out.State = string(ev.Record.State)
			if ev.Record.PatientID != nil {
				out.PatientID = *ev.Record.PatientID
			}
			if ev.Record.DocumentType != nil {
				out.DocumentType = string(*ev.Record.DocumentType)
			}
		}
		sink(out)
	})
}
