// Package model 定义了在各层之间传递的纯数据结构。
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// UploadState 描述单个文件从选择到处理完成的生命周期状态。
type UploadState string

const (
	StateQueued      UploadState = "queued"
	StateCompressing UploadState = "compressing"
	StateUploading   UploadState = "uploading"
	StateUploaded    UploadState = "uploaded"
	StateAssigning   UploadState = "assigning"
	StateProcessing  UploadState = "processing"
	StateValidated   UploadState = "validated"
	StateError       UploadState = "error"
)

// RemoteID 是后端分配的标识符。后端有时返回数字，有时返回 UUID 字符串。
type RemoteID string

// UnmarshalJSON 同时接受 JSON 字符串和数字。
func (id *RemoteID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*id = RemoteID(str)
		return nil
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return fmt.Errorf("无效的 id: %s", s)
	}
	*id = RemoteID(s)
	return nil
}

// String 返回 id 的字符串形式。
func (id RemoteID) String() string { return string(id) }

// UploadRecord 表示会话中一个已上传但尚未处理的文件。
// ThumbnailURL 只在本地生成并返回给界面，从不发送到后端。
type UploadRecord struct {
	ID             string        `json:"id"`
	Filename       string        `json:"filename"`
	ContentType    string        `json:"contentType,omitempty"`
	OriginalSize   int64         `json:"originalSize"`
	CompressedSize int64         `json:"compressedSize"`
	FilePath       string        `json:"filePath"`
	UploadedAt     time.Time     `json:"uploadedAt"`
	ExpiresAt      time.Time     `json:"expiresAt"`
	PatientID      *string       `json:"patientId"`
	DocumentType   *DocumentType `json:"documentType"`
	ThumbnailURL   string        `json:"thumbnailUrl,omitempty"`
	State          UploadState   `json:"state"`
	Error          string        `json:"error,omitempty"`
}

// Clone 返回记录的深拷贝，避免调用方修改内部状态。
func (r *UploadRecord) Clone() *UploadRecord {
	c := *r
	if r.PatientID != nil {
		p := *r.PatientID
		c.PatientID = &p
	}
	if r.DocumentType != nil {
		d := *r.DocumentType
		c.DocumentType = &d
	}
	return &c
}

// ReadyForProcessing 报告记录是否已具备触发 OCR 的条件。
func (r *UploadRecord) ReadyForProcessing() error {
	if r.PatientID == nil || *r.PatientID == "" {
		return fmt.Errorf("文件 %s 尚未分配患者", r.Filename)
	}
	if r.DocumentType == nil || *r.DocumentType == "" {
		return fmt.Errorf("文件 %s 尚未设置文档类型", r.Filename)
	}
	return nil
}

// ExpiryLevel 是过期状态的分类。
type ExpiryLevel string

const (
	ExpiryOK      ExpiryLevel = "ok"
	ExpiryWarning ExpiryLevel = "warning"
	ExpiryExpired ExpiryLevel = "expired"
)

// DefaultWarningDays 是进入 warning 状态的剩余天数阈值。
const DefaultWarningDays = 7

// ExpiryStatus 描述记录距离过期的状态。
type ExpiryStatus struct {
	Level    ExpiryLevel `json:"level"`
	DaysLeft int         `json:"daysLeft"`
}

// ComputeExpiry 根据 expiresAt - now 计算过期状态，剩余天数向上取整。
// 剩余时长 <= 0 视为 expired。
func ComputeExpiry(expiresAt, now time.Time, warningDays int) ExpiryStatus {
	remaining := expiresAt.Sub(now)
	if remaining <= 0 {
		return ExpiryStatus{Level: ExpiryExpired, DaysLeft: 0}
	}
	days := int(math.Ceil(remaining.Hours() / 24))
	if days <= warningDays {
		return ExpiryStatus{Level: ExpiryWarning, DaysLeft: days}
	}
	return ExpiryStatus{Level: ExpiryOK, DaysLeft: days}
}

// UploadReceipt 是后端接受上传后返回的最小信息。
type UploadReceipt struct {
	ID       string `json:"id"`
	FilePath string `json:"filePath"`
}

// DirectUploadResult 是直接上传到患者名下后的返回结果。
type DirectUploadResult struct {
	DocumentID       RemoteID `json:"document_id"`
	OriginalFilename string   `json:"original_filename"`
	SavedFilename    string   `json:"saved_filename"`
	PatientName      string   `json:"patient_name"`
	FileSize         int64    `json:"file_size"`
	Status           string   `json:"status"`
	OCRStatus        string   `json:"ocr_status"`
}

// Assignment 是批量分配的内容，nil 字段表示不修改。
type Assignment struct {
	PatientID    *string       `json:"patientId,omitempty"`
	DocumentType *DocumentType `json:"documentType,omitempty"`
}

// Empty 报告分配是否没有任何字段。
func (a Assignment) Empty() bool {
	return a.PatientID == nil && a.DocumentType == nil
}
