// Package repository 提供了缓存层的实现。
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"reconomed-intake/internal/model"
)

const patientKeyPrefix = "intake:patients:"

// PatientCache 定义了患者数据缓存的操作接口。未命中时返回 (nil, false, nil)。
type PatientCache interface {
	GetList(ctx context.Context, q model.PatientQuery) ([]model.Patient, bool, error)
	SetList(ctx context.Context, q model.PatientQuery, patients []model.Patient) error
	GetPatient(ctx context.Context, id string) (*model.Patient, bool, error)
	SetPatient(ctx context.Context, p *model.Patient) error
	Invalidate(ctx context.Context) error
}

// defaultScope 用于没有诊所或用户信息的请求。
const defaultScope = "default"

type scopeKey struct{}

// WithScope 把缓存作用域放进 ctx。不同作用域（通常是诊所）的患者数据互不可见，
// 一个作用域的 Invalidate 也不影响其他作用域。
func WithScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// Redis KEYS 的通配字符不能出现在作用域中
var globChars = strings.NewReplacer("*", "_", "?", "_", "[", "_", "]", "_")

func scopeFrom(ctx context.Context) string {
	if s, ok := ctx.Value(scopeKey{}).(string); ok && s != "" {
		return globChars.Replace(s)
	}
	return defaultScope
}

func scopePrefix(ctx context.Context) string {
	return patientKeyPrefix + scopeFrom(ctx) + ":"
}

func listKey(ctx context.Context, q model.PatientQuery) string {
	return fmt.Sprintf("%slist:%d:%d:%s", scopePrefix(ctx), q.Skip, q.Limit, strings.ToLower(q.Search))
}

func patientKey(ctx context.Context, id string) string {
	return scopePrefix(ctx) + "id:" + id
}

type redisPatientCache struct {
	redisClient *redis.Client
	ttl         time.Duration
}

// NewRedisPatientCache 创建基于 Redis 的患者缓存，多个实例共享。
func NewRedisPatientCache(redisClient *redis.Client, ttl time.Duration) PatientCache {
	return &redisPatientCache{redisClient: redisClient, ttl: ttl}
}

func (r *redisPatientCache) getJSON(ctx context.Context, key string, out any) (bool, error) {
	data, err := r.redisClient.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (r *redisPatientCache) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := r.redisClient.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// GetList 从 Redis 获取患者列表。
func (r *redisPatientCache) GetList(ctx context.Context, q model.PatientQuery) ([]model.Patient, bool, error) {
	var patients []model.Patient
	ok, err := r.getJSON(ctx, listKey(ctx, q), &patients)
	if !ok || err != nil {
		return nil, false, err
	}
	return patients, true, nil
}

// SetList 在 Redis 中缓存患者列表。
func (r *redisPatientCache) SetList(ctx context.Context, q model.PatientQuery, patients []model.Patient) error {
	return r.setJSON(ctx, listKey(ctx, q), patients)
}

// GetPatient 从 Redis 获取单个患者。
func (r *redisPatientCache) GetPatient(ctx context.Context, id string) (*model.Patient, bool, error) {
	var p model.Patient
	ok, err := r.getJSON(ctx, patientKey(ctx, id), &p)
	if !ok || err != nil {
		return nil, false, err
	}
	return &p, true, nil
}

// SetPatient 在 Redis 中缓存单个患者。
func (r *redisPatientCache) SetPatient(ctx context.Context, p *model.Patient) error {
	return r.setJSON(ctx, patientKey(ctx, p.ID.String()), p)
}

// Invalidate 删除调用方作用域内的患者缓存。
func (r *redisPatientCache) Invalidate(ctx context.Context) error {
	keys, err := r.redisClient.Keys(ctx, scopePrefix(ctx)+"*").Result()
	if err != nil {
		return fmt.Errorf("failed to scan patient keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return r.redisClient.Del(ctx, keys...).Err()
}

type memoryPatientCache struct {
	lists    *expirable.LRU[string, []model.Patient]
	patients *expirable.LRU[string, model.Patient]
}

// NewMemoryPatientCache 创建进程内的 LRU 患者缓存，用于未启用 Redis 的部署。
func NewMemoryPatientCache(size int, ttl time.Duration) PatientCache {
	if size <= 0 {
		size = 256
	}
	return &memoryPatientCache{
		lists:    expirable.NewLRU[string, []model.Patient](size, nil, ttl),
		patients: expirable.NewLRU[string, model.Patient](size, nil, ttl),
	}
}

func (m *memoryPatientCache) GetList(ctx context.Context, q model.PatientQuery) ([]model.Patient, bool, error) {
	v, ok := m.lists.Get(listKey(ctx, q))
	if !ok {
		return nil, false, nil
	}
	out := make([]model.Patient, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *memoryPatientCache) SetList(ctx context.Context, q model.PatientQuery, patients []model.Patient) error {
	stored := make([]model.Patient, len(patients))
	copy(stored, patients)
	m.lists.Add(listKey(ctx, q), stored)
	return nil
}

func (m *memoryPatientCache) GetPatient(ctx context.Context, id string) (*model.Patient, bool, error) {
	v, ok := m.patients.Get(patientKey(ctx, id))
	if !ok {
		return nil, false, nil
	}
	return &v, true, nil
}

func (m *memoryPatientCache) SetPatient(ctx context.Context, p *model.Patient) error {
	m.patients.Add(patientKey(ctx, p.ID.String()), *p)
	return nil
}

func (m *memoryPatientCache) Invalidate(ctx context.Context) error {
	prefix := scopePrefix(ctx)
	for _, k := range m.lists.Keys() {
		if strings.HasPrefix(k, prefix) {
			m.lists.Remove(k)
		}
	}
	for _, k := range m.patients.Keys() {
		if strings.HasPrefix(k, prefix) {
			m.patients.Remove(k)
		}
	}
	return nil
}
