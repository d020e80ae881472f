package service

import (
	"context"
	"strings"

	"reconomed-intake/internal/model"
	"reconomed-intake/internal/repository"
	"reconomed-intake/pkg/backend"
	"reconomed-intake/pkg/log"
)

// PatientService 接口定义了患者查询相关的业务操作。
type PatientService interface {
	List(ctx context.Context, q model.PatientQuery) ([]model.Patient, error)
	Get(ctx context.Context, id string) (*model.Patient, error)
	Invalidate(ctx context.Context) error
}

type patientService struct {
	client backend.Client
	cache  repository.PatientCache
}

// NewPatientService 创建一个新的 PatientService 实例。
func NewPatientService(client backend.Client, cache repository.PatientCache) PatientService {
	return &patientService{client: client, cache: cache}
}

// List 分页查询患者，优先读取缓存。缓存异常不影响查询结果。
func (s *patientService) List(ctx context.Context, q model.PatientQuery) ([]model.Patient, error) {
	q = q.Normalize()
	if cached, ok, err := s.cache.GetList(ctx, q); err != nil {
		log.Warnf("[PatientService] 读取患者列表缓存失败: %v", err)
	} else if ok {
		return cached, nil
	}

	patients, err := s.client.ListPatients(ctx, q)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetList(ctx, q, patients); err != nil {
		log.Warnf("[PatientService] 写入患者列表缓存失败: %v", err)
	}
	return patients, nil
}

// Get 获取单个患者。
func (s *patientService) Get(ctx context.Context, id string) (*model.Patient, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, invalid("患者 id 不能为空")
	}
	if cached, ok, err := s.cache.GetPatient(ctx, id); err != nil {
		log.Warnf("[PatientService] 读取患者缓存失败: %v", err)
	} else if ok {
		return cached, nil
	}

	p, err := s.client.GetPatient(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetPatient(ctx, p); err != nil {
		log.Warnf("[PatientService] 写入患者缓存失败: %v", err)
	}
	return p, nil
}

// Invalidate 清空患者缓存。
func (s *patientService) Invalidate(ctx context.Context) error {
	return s.cache.Invalidate(ctx)
}
