package handler

import (
	"fmt"
	"io"
	"mime/multipart"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"reconomed-intake/internal/imaging"
	"reconomed-intake/internal/middleware"
	"reconomed-intake/internal/pipeline"
	"reconomed-intake/internal/service"
	"reconomed-intake/pkg/log"
)

// UploadHandler 负责处理所有与上传会话相关的 API 请求。会话由 SessionMiddleware 解析。
type UploadHandler struct {
	notifiers Notifiers
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。
func NewUploadHandler(notifiers Notifiers) *UploadHandler {
	return &UploadHandler{notifiers: notifiers}
}

// currentSession 返回 SessionMiddleware 放进上下文的会话。
func currentSession(c *gin.Context) *service.Session {
	return c.MustGet(middleware.ContextSession).(*service.Session)
}

// readFile 把 multipart 文件读入内存。
func readFile(fh *multipart.FileHeader) (imaging.File, error) {
	f, err := fh.Open()
	if err != nil {
		return imaging.File{}, fmt.Errorf("打开文件 %s 失败: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return imaging.File{}, fmt.Errorf("读取文件 %s 失败: %w", fh.Filename, err)
	}
	return imaging.File{Name: fh.Filename, ContentType: fh.Header.Get("Content-Type"), Data: data}, nil
}

// UploadBatch 处理一批文件。文件按表单中的顺序处理，进度通过 WebSocket 推送，
// 客户端断开时未完成的文件被取消。
func (h *UploadHandler) UploadBatch(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		badRequest(c, "无效的上传表单")
		return
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		headers = form.File["file"]
	}
	if len(headers) == 0 {
		badRequest(c, "请至少选择一个文件")
		return
	}

	files := make([]imaging.File, 0, len(headers))
	for _, fh := range headers {
		f, err := readFile(fh)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		files = append(files, f)
	}

	sess := currentSession(c)
	notifier := h.notifiers.For(sess.Key)
	res := sess.Uploads.StartBatch(c.Request.Context(), files, notifier.Progress)
	announce(notifier, res)
	success(c, "批次处理完成", res)
}

// announce 为批次结果生成提示：每个失败文件一条，被拒绝的文件汇总一条。
func announce(notifier Notifier, res *pipeline.BatchResult) {
	if len(res.Rejected) > 0 {
		notifier.Toast(ToastWarning, fmt.Sprintf("已达到会话上限，%d 个文件未上传: %s",
			len(res.Rejected), strings.Join(res.Rejected, ", ")))
	}
	for _, f := range res.Failures {
		notifier.Toast(ToastError, fmt.Sprintf("文件 %s 上传失败: %s", f.Filename, f.Message))
	}
	if res.Cancelled {
		notifier.Toast(ToastInfo, "上传已取消")
	}
	if n := len(res.Accepted); n > 0 {
		notifier.Toast(ToastSuccess, fmt.Sprintf("成功上传 %d 个文件", n))
	}
}

// ListUploads 返回会话中的所有记录及其过期状态。
func (h *UploadHandler) ListUploads(c *gin.Context) {
	success(c, "获取上传列表成功", currentSession(c).Uploads.List(time.Now()))
}

// GetQuota 返回会话配额的使用情况。
func (h *UploadHandler) GetQuota(c *gin.Context) {
	success(c, "获取配额成功", currentSession(c).Uploads.Quota())
}

// DiscardUpload 从会话中移除一条记录。
func (h *UploadHandler) DiscardUpload(c *gin.Context) {
	uploads := currentSession(c).Uploads
	id := c.Param("id")
	if err := uploads.Discard(id); err != nil {
		fail(c, "移除记录", err)
		return
	}
	success(c, "记录已移除", gin.H{"id": id, "quota": uploads.Quota()})
}

// SelectionRequest 定义了选择集操作的请求体。
type SelectionRequest struct {
	Op  service.SelectionOp `json:"op" binding:"required"`
	IDs []string            `json:"ids"`
}

// UpdateSelection 修改选择集。
func (h *UploadHandler) UpdateSelection(c *gin.Context) {
	var req SelectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	ids, err := currentSession(c).Uploads.UpdateSelection(req.Op, req.IDs)
	if err != nil {
		fail(c, "更新选择", err)
		return
	}
	success(c, "选择已更新", gin.H{"selected": ids})
}

// Reload 从后端重建会话。
func (h *UploadHandler) Reload(c *gin.Context) {
	sess := currentSession(c)
	dropped, err := sess.Uploads.Reload(c.Request.Context())
	if err != nil {
		fail(c, "同步会话", err)
		return
	}
	if dropped > 0 {
		log.Warnf("[UploadHandler] 会话 %s 同步时丢弃了 %d 条超出配额的记录", sess.Key, dropped)
		h.notifiers.For(sess.Key).Toast(ToastWarning, fmt.Sprintf("服务端有 %d 个未处理文件超出会话上限，未显示", dropped))
	}
	success(c, "会话已同步", gin.H{"dropped": dropped, "quota": sess.Uploads.Quota()})
}

// History 返回后端保存的全部上传，包括已经处理过的。
func (h *UploadHandler) History(c *gin.Context) {
	records, err := currentSession(c).Uploads.History(c.Request.Context())
	if err != nil {
		fail(c, "查询上传历史", err)
		return
	}
	success(c, "获取上传历史成功", records)
}
