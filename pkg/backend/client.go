// Package backend 提供了一个与诊所后端 REST 服务交互的客户端。
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"reconomed-intake/internal/config"
	"reconomed-intake/internal/model"
	"reconomed-intake/pkg/log"
)

// 文档列表队列名称。
const (
	QueueValidation  = "validation-queue"
	QueueProcessing  = "processing-queue"
	QueueCompleted   = "completed"
	QueueUnprocessed = "unprocessed"
)

var queuePaths = map[string]string{
	QueueValidation:  "/api/documents/validation-queue",
	QueueProcessing:  "/api/documents/processing-queue",
	QueueCompleted:   "/api/documents/completed",
	QueueUnprocessed: "/api/documents/uploads/unprocessed",
}

// Client 定义了后端客户端的接口。
type Client interface {
	ListPatients(ctx context.Context, q model.PatientQuery) ([]model.Patient, error)
	GetPatient(ctx context.Context, id string) (*model.Patient, error)

	ListUploads(ctx context.Context) ([]*model.UploadRecord, error)
	ListUnprocessed(ctx context.Context) ([]*model.UploadRecord, error)
	UploadFile(ctx context.Context, filename, contentType string, data []byte, originalSize, compressedSize int64) (*model.UploadReceipt, error)
	UpdateUpload(ctx context.Context, id string, a model.Assignment) error
	UploadToPatient(ctx context.Context, patientID, filename, contentType string, data []byte) (*model.DirectUploadResult, error)

	ProcessOCR(ctx context.Context, documentID string) (*model.OCRResult, error)
	GetValidation(ctx context.Context, documentID string) (*model.ValidationForm, error)
	SubmitValidation(ctx context.Context, documentID string, data map[string]any) error
	Queue(ctx context.Context, name string) ([]model.DocumentSummary, error)
}

type tokenKey struct{}

// WithToken 把调用方的 bearer token 放进 ctx，优先于配置中的 token。
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

type restClient struct {
	baseURL         string
	token           string
	uploadTimeout   time.Duration
	metadataTimeout time.Duration
	http            *http.Client
}

// NewClient 根据配置创建后端客户端。超时按调用通过 ctx 控制。
func NewClient(cfg config.BackendConfig) Client {
	return newRESTClient(cfg, &http.Client{})
}

func newRESTClient(cfg config.BackendConfig, hc *http.Client) *restClient {
	upload := cfg.UploadTimeout
	if upload <= 0 {
		upload = 30 * time.Second
	}
	metadata := cfg.MetadataTimeout
	if metadata <= 0 {
		metadata = 10 * time.Second
	}
	return &restClient{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		token:           cfg.Token,
		uploadTimeout:   upload,
		metadataTimeout: metadata,
		http:            hc,
	}
}

// do 发送请求并把 2xx 响应解码到 out（out 可为 nil）。
func (c *restClient) do(ctx context.Context, op, method, path string, timeout time.Duration, body io.Reader, contentType string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: 创建请求失败: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if tok := c.tokenFor(ctx); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		log.Errorf("[BackendClient] %s %s 调用失败: %v", method, path, err)
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, Err: fmt.Errorf("读取响应失败: %w", err)}
	}
	log.Debugf("[BackendClient] %s %s -> %d (%s)", method, path, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Op: op, StatusCode: resp.StatusCode, Detail: parseDetail(respBody)}
		log.Warnf("[BackendClient] %s %s 返回错误: %v", method, path, apiErr)
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: 解析响应失败: %w", op, err)
	}
	return nil
}

func (c *restClient) tokenFor(ctx context.Context) string {
	if tok, ok := ctx.Value(tokenKey{}).(string); ok && tok != "" {
		return tok
	}
	return c.token
}

func (c *restClient) getJSON(ctx context.Context, op, path string, out any) error {
	return c.do(ctx, op, http.MethodGet, path, c.metadataTimeout, nil, "", out)
}

func (c *restClient) sendJSON(ctx context.Context, op, method, path string, timeout time.Duration, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: 序列化请求失败: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}
	return c.do(ctx, op, method, path, timeout, body, "application/json", out)
}

// ListPatients 分页查询患者。
func (c *restClient) ListPatients(ctx context.Context, q model.PatientQuery) ([]model.Patient, error) {
	q = q.Normalize()
	params := url.Values{}
	params.Set("skip", strconv.Itoa(q.Skip))
	params.Set("limit", strconv.Itoa(q.Limit))
	if q.Search != "" {
		params.Set("search", q.Search)
	}
	var patients []model.Patient
	if err := c.getJSON(ctx, "查询患者列表", "/api/v1/patients?"+params.Encode(), &patients); err != nil {
		return nil, err
	}
	return patients, nil
}

// GetPatient 获取单个患者。
func (c *restClient) GetPatient(ctx context.Context, id string) (*model.Patient, error) {
	var p model.Patient
	if err := c.getJSON(ctx, "获取患者", "/api/v1/patients/"+url.PathEscape(id), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// uploadDTO 是后端上传记录的线上格式。
type uploadDTO struct {
	ID             model.RemoteID `json:"id"`
	Filename       string         `json:"filename"`
	OriginalSize   int64          `json:"originalSize"`
	CompressedSize int64          `json:"compressedSize"`
	FilePath       string         `json:"filePath"`
	UploadedAt     flexTime       `json:"uploadedAt"`
	ExpiresAt      flexTime       `json:"expiresAt"`
	PatientID      model.RemoteID `json:"patientId"`
	DocumentType   string         `json:"documentType"`
	Status         string         `json:"status"`
}

// flexTime 接受 RFC3339 以及不带时区的 ISO 时间（按 UTC 解释）。
type flexTime struct{ time.Time }

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999"}

func (t *flexTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("无法解析时间: %s", s)
}

func (d uploadDTO) toRecord() *model.UploadRecord {
	rec := &model.UploadRecord{
		ID:             d.ID.String(),
		Filename:       d.Filename,
		OriginalSize:   d.OriginalSize,
		CompressedSize: d.CompressedSize,
		FilePath:       d.FilePath,
		UploadedAt:     d.UploadedAt.Time,
		ExpiresAt:      d.ExpiresAt.Time,
		State:          model.StateUploaded,
	}
	if rec.ExpiresAt.IsZero() && !rec.UploadedAt.IsZero() {
		rec.ExpiresAt = rec.UploadedAt.Add(30 * 24 * time.Hour)
	}
	if d.PatientID != "" {
		p := d.PatientID.String()
		rec.PatientID = &p
	}
	if dt, err := model.ParseDocumentType(d.DocumentType); err == nil {
		rec.DocumentType = &dt
	}
	if d.Status == string(model.StateProcessing) {
		rec.State = model.StateProcessing
	}
	return rec
}

// decodeList 兼容裸数组和 {"uploads"|"documents": [...]} 两种响应形式。
func decodeList[T any](raw json.RawMessage) ([]T, error) {
	var items []T
	if err := json.Unmarshal(raw, &items); err == nil {
		return items, nil
	}
	var wrapped struct {
		Uploads   []T `json:"uploads"`
		Documents []T `json:"documents"`
		Items     []T `json:"items"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	switch {
	case wrapped.Uploads != nil:
		return wrapped.Uploads, nil
	case wrapped.Documents != nil:
		return wrapped.Documents, nil
	default:
		return wrapped.Items, nil
	}
}

func (c *restClient) listUploads(ctx context.Context, op, path string) ([]*model.UploadRecord, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, op, path, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	dtos, err := decodeList[uploadDTO](raw)
	if err != nil {
		return nil, fmt.Errorf("%s: 解析响应失败: %w", op, err)
	}
	out := make([]*model.UploadRecord, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, d.toRecord())
	}
	return out, nil
}

// ListUploads 返回所有上传记录。
func (c *restClient) ListUploads(ctx context.Context) ([]*model.UploadRecord, error) {
	return c.listUploads(ctx, "查询上传列表", "/api/uploads")
}

// ListUnprocessed 返回服务端视角下尚未处理的上传，用于会话重建。
func (c *restClient) ListUnprocessed(ctx context.Context) ([]*model.UploadRecord, error) {
	return c.listUploads(ctx, "查询未处理上传", "/api/uploads/unprocessed")
}

func multipartBody(fields map[string]string, filename, contentType string, data []byte) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

// UploadFile 上传到会话池，附带原始与压缩后的大小。
func (c *restClient) UploadFile(ctx context.Context, filename, contentType string, data []byte, originalSize, compressedSize int64) (*model.UploadReceipt, error) {
	body, ct, err := multipartBody(map[string]string{
		"filename":       filename,
		"originalSize":   strconv.FormatInt(originalSize, 10),
		"compressedSize": strconv.FormatInt(compressedSize, 10),
	}, filename, contentType, data)
	if err != nil {
		return nil, fmt.Errorf("构造上传请求失败: %w", err)
	}
	var resp struct {
		ID       model.RemoteID `json:"id"`
		FilePath string         `json:"filePath"`
	}
	if err := c.do(ctx, "上传文件 "+filename, http.MethodPost, "/api/uploads", c.uploadTimeout, body, ct, &resp); err != nil {
		return nil, err
	}
	log.Infof("[BackendClient] 文件 %s 上传成功, id=%s, %d -> %d 字节", filename, resp.ID, originalSize, compressedSize)
	return &model.UploadReceipt{ID: resp.ID.String(), FilePath: resp.FilePath}, nil
}

// UpdateUpload 持久化患者与文档类型的分配。
func (c *restClient) UpdateUpload(ctx context.Context, id string, a model.Assignment) error {
	return c.sendJSON(ctx, "更新上传 "+id, http.MethodPatch, "/api/uploads/"+url.PathEscape(id), c.metadataTimeout, a, nil)
}

// UploadToPatient 直接上传到患者名下，绕过会话池。
func (c *restClient) UploadToPatient(ctx context.Context, patientID, filename, contentType string, data []byte) (*model.DirectUploadResult, error) {
	body, ct, err := multipartBody(nil, filename, contentType, data)
	if err != nil {
		return nil, fmt.Errorf("构造上传请求失败: %w", err)
	}
	var resp model.DirectUploadResult
	path := "/api/documents/upload?patient_id=" + url.QueryEscape(patientID)
	if err := c.do(ctx, "直接上传 "+filename, http.MethodPost, path, c.uploadTimeout, body, ct, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ProcessOCR 触发服务端 OCR。OCR 是同步执行的，因此使用上传超时。
func (c *restClient) ProcessOCR(ctx context.Context, documentID string) (*model.OCRResult, error) {
	var resp model.OCRResult
	path := "/api/documents/" + url.PathEscape(documentID) + "/process-ocr"
	if err := c.sendJSON(ctx, "触发 OCR "+documentID, http.MethodPost, path, c.uploadTimeout, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetValidation 获取校对表单。
func (c *restClient) GetValidation(ctx context.Context, documentID string) (*model.ValidationForm, error) {
	var form model.ValidationForm
	path := "/api/documents/" + url.PathEscape(documentID) + "/validation"
	if err := c.getJSON(ctx, "获取校对表单 "+documentID, path, &form); err != nil {
		return nil, err
	}
	return &form, nil
}

// SubmitValidation 提交校对后的完整字段集合。
func (c *restClient) SubmitValidation(ctx context.Context, documentID string, data map[string]any) error {
	path := "/api/documents/" + url.PathEscape(documentID) + "/validate"
	return c.sendJSON(ctx, "提交校对 "+documentID, http.MethodPost, path, c.metadataTimeout, data, nil)
}

// Queue 返回指定队列中的文档。
func (c *restClient) Queue(ctx context.Context, name string) ([]model.DocumentSummary, error) {
	path, ok := queuePaths[name]
	if !ok {
		return nil, fmt.Errorf("未知的队列: %s", name)
	}
	var raw json.RawMessage
	if err := c.getJSON(ctx, "查询队列 "+name, path, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	docs, err := decodeList[model.DocumentSummary](raw)
	if err != nil {
		return nil, fmt.Errorf("查询队列 %s: 解析响应失败: %w", name, err)
	}
	return docs, nil
}

// QueueNames 返回所有支持的队列名称。
func QueueNames() []string {
	return []string{QueueValidation, QueueProcessing, QueueCompleted, QueueUnprocessed}
}
