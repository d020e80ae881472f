package handler

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"reconomed-intake/internal/model"
	"reconomed-intake/internal/service"
)

// ReviewHandler 负责分配、触发处理和校对相关的请求。
type ReviewHandler struct {
	notifiers Notifiers
}

// NewReviewHandler 创建一个新的 ReviewHandler 实例。
func NewReviewHandler(notifiers Notifiers) *ReviewHandler {
	return &ReviewHandler{notifiers: notifiers}
}

func (h *ReviewHandler) session(c *gin.Context) (service.ReviewService, Notifier) {
	sess := currentSession(c)
	return sess.Reviews, h.notifiers.For(sess.Key)
}

// AssignRequest 定义了批量分配的请求体。documentType 为空字符串时不修改。
type AssignRequest struct {
	IDs          []string `json:"ids" binding:"required"`
	PatientID    *string  `json:"patientId"`
	DocumentType *string  `json:"documentType"`
}

// Assign 为多条记录设置患者和/或文档类型。
func (h *ReviewHandler) Assign(c *gin.Context) {
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	a := model.Assignment{PatientID: req.PatientID}
	if req.DocumentType != nil && *req.DocumentType != "" {
		dt, err := model.ParseDocumentType(*req.DocumentType)
		if err != nil {
			fail(c, "分配", &service.ValidationError{Message: err.Error()})
			return
		}
		a.DocumentType = &dt
	}

	reviews, notifier := h.session(c)
	res, err := reviews.AssignBatch(c.Request.Context(), req.IDs, a)
	if err != nil {
		fail(c, "分配", err)
		return
	}
	for _, f := range res.Failed {
		notifier.Toast(ToastError, fmt.Sprintf("记录 %s 分配失败: %s", f.ID, f.Message))
	}
	success(c, fmt.Sprintf("已更新 %d 个文件", len(res.Updated)), res)
}

// ProcessRequest 定义了触发处理的请求体。
type ProcessRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

// Process 为记录触发服务端 OCR，逐条返回结果。
func (h *ReviewHandler) Process(c *gin.Context) {
	var req ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.IDs) == 0 {
		badRequest(c, "请先选择要处理的文件")
		return
	}
	reviews, notifier := h.session(c)
	jobs := reviews.StartProcessing(c.Request.Context(), req.IDs)
	started := 0
	for _, j := range jobs {
		if j.Started {
			started++
			continue
		}
		notifier.Toast(ToastError, fmt.Sprintf("记录 %s 处理失败: %s", j.ID, j.Error))
	}
	if started > 0 {
		notifier.Toast(ToastSuccess, fmt.Sprintf("已开始处理 %d 个文件", started))
	}
	success(c, fmt.Sprintf("已开始处理 %d/%d 个文件", started, len(jobs)), jobs)
}

// GetValidation 返回文档的校对表单。
func (h *ReviewHandler) GetValidation(c *gin.Context) {
	form, err := currentSession(c).Reviews.FetchValidation(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, "获取校对表单", err)
		return
	}
	success(c, "获取校对表单成功", form)
}

// SubmitValidationRequest 定义了提交校对的请求体。
type SubmitValidationRequest struct {
	Fields map[string]any `json:"fields"`
}

// SubmitValidation 提交校对结果。缺少必填字段时返回 422 和字段列表。
func (h *ReviewHandler) SubmitValidation(c *gin.Context) {
	var req SubmitValidationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	reviews, notifier := h.session(c)
	res, err := reviews.SubmitValidation(c.Request.Context(), c.Param("id"), req.Fields)
	if err != nil {
		fail(c, "提交校对", err)
		return
	}
	if res.RefreshError != "" {
		notifier.Toast(ToastWarning, "校对已保存，但刷新列表失败: "+res.RefreshError)
	}
	success(c, "校对已保存", res)
}

// GetQueue 返回指定文档队列。
func (h *ReviewHandler) GetQueue(c *gin.Context) {
	docs, err := currentSession(c).Reviews.Queue(c.Request.Context(), c.Param("name"))
	if err != nil {
		fail(c, "查询队列", err)
		return
	}
	success(c, "获取队列成功", docs)
}

// DocumentTypes 返回所有文档类型，顺序即下拉框顺序。
func (h *ReviewHandler) DocumentTypes(c *gin.Context) {
	success(c, "获取文档类型成功", model.DocumentTypes)
}
