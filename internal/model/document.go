package model

import (
	"fmt"
	"strings"
)

// DocumentType 是文档的医学分类。
type DocumentType string

const (
	DocIdentity        DocumentType = "identity_document"
	DocLabResult       DocumentType = "lab_result"
	DocXRay            DocumentType = "xray"
	DocCTScan          DocumentType = "ct_scan"
	DocMRI             DocumentType = "mri"
	DocUltrasound      DocumentType = "ultrasound"
	DocMammography     DocumentType = "mammography"
	DocEndoscopy       DocumentType = "endoscopy"
	DocECG             DocumentType = "ecg"
	DocDischargeNote   DocumentType = "discharge_note"
	DocPrescription    DocumentType = "prescription"
	DocConsultation    DocumentType = "consultation"
	DocSurgicalReport  DocumentType = "surgical_report"
	DocPathologyReport DocumentType = "pathology_report"
	DocGeneral         DocumentType = "general"
)

// DocumentTypes 按界面下拉框的顺序列出所有文档类型。
var DocumentTypes = []DocumentType{
	DocIdentity, DocLabResult, DocXRay, DocCTScan, DocMRI, DocUltrasound, DocMammography,
	DocEndoscopy, DocECG, DocDischargeNote, DocPrescription, DocConsultation,
	DocSurgicalReport, DocPathologyReport, DocGeneral,
}

// ParseDocumentType 校验并返回文档类型。
func ParseDocumentType(s string) (DocumentType, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for _, t := range DocumentTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("未知的文档类型: %q", s)
}

// ValidationField 是 OCR 提取出的一个待校对字段。Type 决定界面控件（text、textarea、date、object 等）。
type ValidationField struct {
	Field    string `json:"field"`
	Label    string `json:"label"`
	Type     string `json:"type"`
	Value    any    `json:"value"`
	Required bool   `json:"required"`
}

// ValidationDocument 是校对页面展示的文档摘要。
type ValidationDocument struct {
	ID           RemoteID `json:"id"`
	Filename     string   `json:"filename"`
	DocumentType string   `json:"document_type"`
	OCRText      string   `json:"ocr_text"`
	IsValidated  bool     `json:"is_validated"`
}

// ValidationForm 是 GET /api/documents/{id}/validation 的响应。字段顺序即渲染顺序。
type ValidationForm struct {
	Document         ValidationDocument `json:"document"`
	ValidationFields []ValidationField  `json:"validation_fields"`
	OCRConfidence    float64            `json:"ocr_confidence"`
	Suggestions      []string           `json:"suggestions"`
}

// DocumentSummary 是各个列表标签页中的一行。
type DocumentSummary struct {
	ID           RemoteID `json:"id"`
	PatientID    RemoteID `json:"patient_id"`
	Filename     string   `json:"filename"`
	DocumentType string   `json:"document_type,omitempty"`
	Status       string   `json:"status,omitempty"`
	CreatedAt    string   `json:"created_at,omitempty"`
}

// ProcessingJob 描述一次 OCR 触发的结果。
type ProcessingJob struct {
	ID           string  `json:"id"`
	Started      bool    `json:"started"`
	DocumentType string  `json:"documentType,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// OCRResult 是 POST /api/documents/{id}/process-ocr 的响应摘要。
type OCRResult struct {
	DocumentID         RemoteID `json:"document_id"`
	DocumentType       string   `json:"document_type"`
	OCRConfidence      float64  `json:"ocr_confidence"`
	ValidationRequired bool     `json:"validation_required"`
	Message            string   `json:"message"`
}
