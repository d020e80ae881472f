package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"reconomed-intake/internal/config"
	"reconomed-intake/internal/pipeline"
	"reconomed-intake/internal/session"
	"reconomed-intake/pkg/backend"
	"reconomed-intake/pkg/log"
	"reconomed-intake/pkg/tasks"
)

// AnonymousSession 是未携带 token 的请求共用的会话，只在 auth.required 为 false 时出现。
const AnonymousSession = "anonymous"

var activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "intake_active_sessions",
	Help: "当前持有的上传会话数",
})

// Session 是一个用户会话独占的状态：跟踪器以及建立在它之上的编排器和服务。
// 配额、记录和选择集都属于会话，会话之间互不可见。
type Session struct {
	Key     string
	Tracker *session.Tracker
	Uploads UploadService
	Reviews ReviewService

	reloadOnce sync.Once
	detach     []func()
}

// SessionDeps 是所有会话共享的依赖。
type SessionDeps struct {
	Client      backend.Client
	Patients    PatientService
	Compressor  pipeline.Compressor
	Thumbnailer pipeline.Thumbnailer
	Upload      config.UploadConfig
	Cache       config.CacheConfig
}

// NewSession 创建一个独立的会话。
func NewSession(key string, deps SessionDeps) *Session {
	tracker := session.NewTracker(deps.Upload.Quota)
	tracker.SetWarningDays(deps.Upload.WarningDays)
	orchestrator := pipeline.New(tracker, deps.Compressor, deps.Thumbnailer, deps.Client, pipeline.Options{
		Workers:   deps.Upload.Workers,
		Retention: deps.Upload.Retention(),
	})
	return &Session{
		Key:     key,
		Tracker: tracker,
		Uploads: NewUploadService(tracker, orchestrator, deps.Client, deps.Upload),
		Reviews: NewReviewService(deps.Client, tracker, deps.Patients,
			deps.Cache.ValidationEntries, deps.Cache.TTL, deps.Upload.Workers),
	}
}

// Attacher 在会话创建时订阅它的跟踪器，返回的函数在会话被回收时调用。
type Attacher func(key string, tracker *session.Tracker) (detach func())

// SessionRegistry 按 key 持有会话。空闲超过 idleTTL 或超出 maxSessions 的会话被回收，
// 回收的会话下次访问时会从后端重新同步。
type SessionRegistry struct {
	mu        sync.Mutex
	deps      SessionDeps
	sessions  *expirable.LRU[string, *Session]
	attachers []Attacher
}

// NewSessionRegistry 创建会话注册表。
func NewSessionRegistry(deps SessionDeps, maxSessions int, idleTTL time.Duration) *SessionRegistry {
	if maxSessions <= 0 {
		maxSessions = 1000
	}
	r := &SessionRegistry{deps: deps}
	r.sessions = expirable.NewLRU[string, *Session](maxSessions, r.evicted, idleTTL)
	return r
}

// OnCreate 注册一个在每个新会话上运行的 Attacher，需在开始处理请求之前调用。
func (r *SessionRegistry) OnCreate(a Attacher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attachers = append(r.attachers, a)
}

func (r *SessionRegistry) evicted(key string, s *Session) {
	for _, fn := range s.detach {
		fn()
	}
	activeSessions.Dec()
	log.Infof("[Sessions] 会话 %s 已回收", key)
}

// Get 返回 key 对应的会话，不存在时创建。每次访问都会刷新空闲计时。
func (r *SessionRegistry) Get(key string) *Session {
	if key == "" {
		key = AnonymousSession
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions.Get(key); ok {
		r.sessions.Add(key, s)
		return s
	}
	s := NewSession(key, r.deps)
	for _, a := range r.attachers {
		if detach := a(key, s.Tracker); detach != nil {
			s.detach = append(s.detach, detach)
		}
	}
	r.sessions.Add(key, s)
	activeSessions.Inc()
	log.Infof("[Sessions] 创建会话 %s", key)
	return s
}

// Resolve 返回会话，并在会话第一次被使用时从后端同步未处理的上传。
// 同步失败不影响返回，用户可以之后手动重新同步。
func (r *SessionRegistry) Resolve(ctx context.Context, key string) *Session {
	s := r.Get(key)
	s.reloadOnce.Do(func() {
		dropped, err := s.Uploads.Reload(ctx)
		if err != nil {
			log.Warnf("[Sessions] 会话 %s 首次同步失败: %v", s.Key, err)
			return
		}
		if dropped > 0 {
			log.Warnf("[Sessions] 会话 %s 有 %d 个未处理上传超出配额", s.Key, dropped)
		}
	})
	return s
}

// Len 返回当前持有的会话数。
func (r *SessionRegistry) Len() int {
	return r.sessions.Len()
}

// HandleNotification 把后端通知交给所有会话，不包含该记录的会话会忽略它。
func (r *SessionRegistry) HandleNotification(ctx context.Context, n tasks.ProcessingNotification) error {
	var errs []error
	for _, s := range r.sessions.Values() {
		if err := s.Uploads.HandleNotification(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close 回收所有会话。
func (r *SessionRegistry) Close() {
	r.sessions.Purge()
}
