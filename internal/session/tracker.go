// Package session 维护当前会话中已上传但尚未处理的文件及其配额。
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"reconomed-intake/internal/model"
)

var (
	// ErrQuotaExceeded 在会话配额已满时返回，发生在任何压缩或网络调用之前。
	ErrQuotaExceeded = errors.New("已达到会话上传配额")
	// ErrNotFound 表示对未知记录 id 进行操作。
	ErrNotFound = errors.New("上传记录不存在")
	// ErrDuplicate 表示记录 id 已被跟踪。
	ErrDuplicate = errors.New("上传记录已存在")
	// ErrAlreadyProcessing 表示记录已经触发过 OCR。
	ErrAlreadyProcessing = errors.New("记录已在处理中")
)

// DefaultQuota 是每个会话允许同时存在的未处理上传数量。
const DefaultQuota = 20

// EventKind 标识跟踪器状态变化的类型。
type EventKind string

const (
	EventAdmitted   EventKind = "admitted"
	EventUpdated    EventKind = "updated"
	EventRemoved    EventKind = "removed"
	EventReconciled EventKind = "reconciled"
	EventSelection  EventKind = "selection"
)

// Event 在每次状态变化后发送给订阅者。Record 是快照，可以安全持有。
type Event struct {
	Kind     EventKind           `json:"kind"`
	ID       string              `json:"id,omitempty"`
	Record   *model.UploadRecord `json:"record,omitempty"`
	Count    int                 `json:"count"`
	Quota    int                 `json:"quota"`
	Selected int                 `json:"selected"`
}

// Tracker 是会话中唯一的共享可变状态，并发安全。
// 所有修改都按 id 查找，从不按位置。
type Tracker struct {
	mu          sync.Mutex
	quota       int
	warningDays int
	records     map[string]*model.UploadRecord
	order       []string
	reserved    int
	selected    map[string]struct{}

	subMu  sync.RWMutex
	subs   map[int]func(Event)
	nextID int
}

// NewTracker 创建跟踪器，quota <= 0 时使用默认配额。
func NewTracker(quota int) *Tracker {
	if quota <= 0 {
		quota = DefaultQuota
	}
	return &Tracker{
		quota:       quota,
		warningDays: model.DefaultWarningDays,
		records:     make(map[string]*model.UploadRecord),
		selected:    make(map[string]struct{}),
		subs:        make(map[int]func(Event)),
	}
}

// SetWarningDays 修改进入 warning 状态的天数阈值。
func (t *Tracker) SetWarningDays(days int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if days > 0 {
		t.warningDays = days
	}
}

// Quota 返回配额上限。
func (t *Tracker) Quota() int { return t.quota }

// Count 返回当前跟踪的记录数（不含预留）。
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Remaining 返回还能接收的文件数，预留也占用配额。
func (t *Tracker) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remainingLocked()
}

func (t *Tracker) remainingLocked() int {
	r := t.quota - len(t.records) - t.reserved
	if r < 0 {
		return 0
	}
	return r
}

// CanAcceptMore 报告当前是否还有剩余配额。
func (t *Tracker) CanAcceptMore() bool { return t.Remaining() > 0 }

// Reserve 原子地预留最多 n 个名额，返回实际预留数。
// 并发的批次因此不会超额接收。
func (t *Tracker) Reserve(n int) int {
	if n <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	k := t.remainingLocked()
	if n < k {
		k = n
	}
	t.reserved += k
	return k
}

// Release 归还 n 个未使用的预留名额。
func (t *Tracker) Release(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reserved -= n
	if t.reserved < 0 {
		t.reserved = 0
	}
}

// Admit 在配额允许时加入一条记录。
func (t *Tracker) Admit(rec *model.UploadRecord) error {
	t.mu.Lock()
	if t.remainingLocked() <= 0 {
		t.mu.Unlock()
		return ErrQuotaExceeded
	}
	ev, err := t.insertLocked(rec)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	t.emit(ev)
	return nil
}

// AdmitReserved 使用一个此前 Reserve 得到的名额加入记录。
// 无论成功与否，该预留名额都会被消耗。
// 如果同一个 id 已经在会话中（例如上传期间的一次 Reconcile 已经从服务端拿到了它），
// 视为成功：保留服务端的字段，只补上本地的缩略图和大小。
func (t *Tracker) AdmitReserved(rec *model.UploadRecord) error {
	t.mu.Lock()
	if t.reserved <= 0 {
		t.mu.Unlock()
		return fmt.Errorf("没有可用的预留名额: %w", ErrQuotaExceeded)
	}
	t.reserved--
	if rec != nil && rec.ID != "" {
		if existing, ok := t.records[rec.ID]; ok {
			mergeLocal(existing, rec)
			ev := t.eventLocked(EventUpdated, existing)
			t.mu.Unlock()
			t.emit(ev)
			return nil
		}
	}
	ev, err := t.insertLocked(rec)
	t.mu.Unlock()
	if err != nil {
		return err
	}
	t.emit(ev)
	return nil
}

// mergeLocal 把只有本地才知道的字段补到已跟踪的记录上。
func mergeLocal(dst, local *model.UploadRecord) {
	if dst.ThumbnailURL == "" {
		dst.ThumbnailURL = local.ThumbnailURL
	}
	if dst.OriginalSize == 0 {
		dst.OriginalSize = local.OriginalSize
	}
	if dst.CompressedSize == 0 {
		dst.CompressedSize = local.CompressedSize
	}
	if dst.ContentType == "" {
		dst.ContentType = local.ContentType
	}
	if dst.FilePath == "" {
		dst.FilePath = local.FilePath
	}
}

func (t *Tracker) insertLocked(rec *model.UploadRecord) (Event, error) {
	if rec == nil || rec.ID == "" {
		return Event{}, errors.New("记录缺少 id")
	}
	if _, ok := t.records[rec.ID]; ok {
		return Event{}, fmt.Errorf("%w: %s", ErrDuplicate, rec.ID)
	}
	stored := rec.Clone()
	t.records[stored.ID] = stored
	t.order = append(t.order, stored.ID)
	return t.eventLocked(EventAdmitted, stored), nil
}

// Get 返回记录快照。
func (t *Tracker) Get(id string) (*model.UploadRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// List 按加入顺序返回所有记录的快照。
func (t *Tracker) List() []*model.UploadRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*model.UploadRecord, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.records[id].Clone())
	}
	return out
}

// AssignPatient 设置记录的患者，重复设置相同值是幂等的。
func (t *Tracker) AssignPatient(id, patientID string) error {
	return t.update(id, func(r *model.UploadRecord) {
		p := patientID
		r.PatientID = &p
	})
}

// AssignDocumentType 设置记录的文档类型。
func (t *Tracker) AssignDocumentType(id string, docType model.DocumentType) error {
	return t.update(id, func(r *model.UploadRecord) {
		d := docType
		r.DocumentType = &d
	})
}

// SetState 修改记录状态。errMsg 只在 StateError 时保留。
func (t *Tracker) SetState(id string, state model.UploadState, errMsg string) error {
	return t.update(id, func(r *model.UploadRecord) {
		r.State = state
		if state == model.StateError {
			r.Error = errMsg
		} else {
			r.Error = ""
		}
	})
}

// MarkProcessing 原子地检查记录是否可以触发 OCR 并把它标记为 processing。
// 记录不存在、尚未分配或已在处理中时返回错误，状态不变。
func (t *Tracker) MarkProcessing(id string) (*model.UploadRecord, error) {
	t.mu.Lock()
	rec, ok := t.records[id]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := rec.ReadyForProcessing(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	if rec.State == model.StateProcessing {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: 文件 %s", ErrAlreadyProcessing, rec.Filename)
	}
	rec.State = model.StateProcessing
	rec.Error = ""
	snapshot := rec.Clone()
	ev := t.eventLocked(EventUpdated, rec)
	t.mu.Unlock()
	t.emit(ev)
	return snapshot, nil
}

func (t *Tracker) update(id string, fn func(*model.UploadRecord)) error {
	t.mu.Lock()
	rec, ok := t.records[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn(rec)
	ev := t.eventLocked(EventUpdated, rec)
	t.mu.Unlock()
	t.emit(ev)
	return nil
}

// Remove 删除记录并释放其配额，同时从选择集中移除。
func (t *Tracker) Remove(id string) error {
	t.mu.Lock()
	if _, ok := t.records[id]; !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t.removeLocked(id)
	ev := t.eventLocked(EventRemoved, nil)
	ev.ID = id
	t.mu.Unlock()
	t.emit(ev)
	return nil
}

func (t *Tracker) removeLocked(id string) {
	delete(t.records, id)
	delete(t.selected, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// ToggleSelected 切换记录的选中状态，返回切换后的状态。
func (t *Tracker) ToggleSelected(id string) (bool, error) {
	t.mu.Lock()
	if _, ok := t.records[id]; !ok {
		t.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	_, on := t.selected[id]
	if on {
		delete(t.selected, id)
	} else {
		t.selected[id] = struct{}{}
	}
	ev := t.eventLocked(EventSelection, nil)
	t.mu.Unlock()
	t.emit(ev)
	return !on, nil
}

// Select 选中指定记录。
func (t *Tracker) Select(ids ...string) error {
	return t.changeSelection(ids, true)
}

// Deselect 取消选中指定记录。
func (t *Tracker) Deselect(ids ...string) error {
	return t.changeSelection(ids, false)
}

func (t *Tracker) changeSelection(ids []string, on bool) error {
	t.mu.Lock()
	for _, id := range ids {
		if _, ok := t.records[id]; !ok {
			t.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
	}
	for _, id := range ids {
		if on {
			t.selected[id] = struct{}{}
		} else {
			delete(t.selected, id)
		}
	}
	ev := t.eventLocked(EventSelection, nil)
	t.mu.Unlock()
	t.emit(ev)
	return nil
}

// SelectAll 选中所有记录。
func (t *Tracker) SelectAll() {
	t.mu.Lock()
	for id := range t.records {
		t.selected[id] = struct{}{}
	}
	ev := t.eventLocked(EventSelection, nil)
	t.mu.Unlock()
	t.emit(ev)
}

// SelectNone 清空选择集。
func (t *Tracker) SelectNone() {
	t.mu.Lock()
	t.selected = make(map[string]struct{})
	ev := t.eventLocked(EventSelection, nil)
	t.mu.Unlock()
	t.emit(ev)
}

// SelectedIDs 按加入顺序返回选中的 id。
func (t *Tracker) SelectedIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.selected))
	for _, id := range t.order {
		if _, ok := t.selected[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// SelectedCount 返回选中数量。
func (t *Tracker) SelectedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.selected)
}

// ExpiryStatus 计算记录的过期状态。
func (t *Tracker) ExpiryStatus(rec *model.UploadRecord, now time.Time) model.ExpiryStatus {
	t.mu.Lock()
	days := t.warningDays
	t.mu.Unlock()
	return model.ComputeExpiry(rec.ExpiresAt, now, days)
}

// Stale 返回已经过期的记录，按过期时间排序。
func (t *Tracker) Stale(now time.Time) []*model.UploadRecord {
	var out []*model.UploadRecord
	for _, rec := range t.List() {
		if t.ExpiryStatus(rec, now).Level == model.ExpiryExpired {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

// Reconcile 用服务端视图替换本地状态。已存在的 id 保留本地缩略图和选中状态，
// 超出配额的记录被丢弃，返回丢弃的数量。
func (t *Tracker) Reconcile(records []*model.UploadRecord) int {
	t.mu.Lock()
	oldRecords := t.records
	oldSelected := t.selected
	t.records = make(map[string]*model.UploadRecord, len(records))
	t.order = t.order[:0]
	t.selected = make(map[string]struct{})

	dropped := 0
	capacity := t.quota - t.reserved
	for _, rec := range records {
		if rec == nil || rec.ID == "" {
			continue
		}
		if _, dup := t.records[rec.ID]; dup {
			continue
		}
		if len(t.records) >= capacity {
			dropped++
			continue
		}
		stored := rec.Clone()
		if prev, ok := oldRecords[stored.ID]; ok {
			if stored.ThumbnailURL == "" {
				stored.ThumbnailURL = prev.ThumbnailURL
			}
			if _, sel := oldSelected[stored.ID]; sel {
				t.selected[stored.ID] = struct{}{}
			}
		}
		if stored.State == "" {
			stored.State = model.StateUploaded
		}
		t.records[stored.ID] = stored
		t.order = append(t.order, stored.ID)
	}
	ev := t.eventLocked(EventReconciled, nil)
	t.mu.Unlock()
	t.emit(ev)
	return dropped
}

// Subscribe 注册一个观察者，返回取消订阅的函数。
// 回调在锁外同步调用，不应阻塞。
func (t *Tracker) Subscribe(fn func(Event)) (unsubscribe func()) {
	t.subMu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	t.subMu.Unlock()
	return func() {
		t.subMu.Lock()
		delete(t.subs, id)
		t.subMu.Unlock()
	}
}

func (t *Tracker) eventLocked(kind EventKind, rec *model.UploadRecord) Event {
	ev := Event{
		Kind:     kind,
		Count:    len(t.records),
		Quota:    t.quota,
		Selected: len(t.selected),
	}
	if rec != nil {
		ev.ID = rec.ID
		ev.Record = rec.Clone()
	}
	return ev
}

func (t *Tracker) emit(ev Event) {
	t.subMu.RLock()
	fns := make([]func(Event), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.subMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
