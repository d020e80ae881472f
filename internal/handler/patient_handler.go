package handler

import (
	"github.com/gin-gonic/gin"

	"reconomed-intake/internal/model"
	"reconomed-intake/internal/service"
)

// PatientHandler 负责患者查询和直接上传。患者服务由所有会话共享，缓存按 ctx 中的作用域隔离。
type PatientHandler struct {
	patientService service.PatientService
}

// NewPatientHandler 创建一个新的 PatientHandler 实例。
func NewPatientHandler(patientService service.PatientService) *PatientHandler {
	return &PatientHandler{patientService: patientService}
}

// ListPatients 分页查询患者，支持 skip、limit、search 参数。
func (h *PatientHandler) ListPatients(c *gin.Context) {
	var q model.PatientQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, "无效的查询参数")
		return
	}
	patients, err := h.patientService.List(c.Request.Context(), q)
	if err != nil {
		fail(c, "查询患者", err)
		return
	}
	success(c, "获取患者列表成功", patients)
}

// GetPatient 获取单个患者。
func (h *PatientHandler) GetPatient(c *gin.Context) {
	p, err := h.patientService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "获取患者", err)
		return
	}
	success(c, "获取患者成功", p)
}

// UploadDocument 把单个文件直接上传到患者名下，不占用会话配额。
func (h *PatientHandler) UploadDocument(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "未能获取上传的文件")
		return
	}
	f, err := readFile(fh)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := currentSession(c).Uploads.UploadDirect(c.Request.Context(), c.Param("id"), f)
	if err != nil {
		fail(c, "上传文档", err)
		return
	}
	success(c, "文档上传成功", res)
}

// RefreshPatients 清空患者缓存。
func (h *PatientHandler) RefreshPatients(c *gin.Context) {
	if err := h.patientService.Invalidate(c.Request.Context()); err != nil {
		fail(c, "刷新患者缓存", err)
		return
	}
	success(c, "患者缓存已清空", nil)
}
