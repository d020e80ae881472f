// Package tasks defines the payloads exchanged over Kafka.
package tasks

import (
	"time"

	"reconomed-intake/internal/model"
)

// UploadEvent is published for every change of the upload session.
type UploadEvent struct {
	Session      string    `json:"session,omitempty"`
	Kind         string    `json:"kind"`
	RecordID     string    `json:"record_id,omitempty"`
	Filename     string    `json:"filename,omitempty"`
	State        string    `json:"state,omitempty"`
	PatientID    string    `json:"patient_id,omitempty"`
	DocumentType string    `json:"document_type,omitempty"`
	Count        int       `json:"count"`
	Quota        int       `json:"quota"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Key returns the partition key; events of one record stay ordered,
// record-less events are ordered per session.
func (e UploadEvent) Key() string {
	if e.RecordID != "" {
		return e.RecordID
	}
	if e.Session != "" {
		return e.Session
	}
	return e.Kind
}

// Processing statuses reported by the document backend.
const (
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusValidated  = "validated"
	StatusFailed     = "failed"
	StatusDeleted    = "deleted"
)

// ProcessingNotification is emitted by the document backend when the state of an upload changes server-side.
// The backend uses integer ids; RemoteID accepts both numbers and strings.
type ProcessingNotification struct {
	UploadID   model.RemoteID `json:"upload_id"`
	DocumentID model.RemoteID `json:"document_id"`
	Status     string         `json:"status"`
	Message    string         `json:"message,omitempty"`
}

// RecordID returns the id the upload session tracks the record under.
func (n ProcessingNotification) RecordID() string {
	if n.UploadID != "" {
		return n.UploadID.String()
	}
	return n.DocumentID.String()
}
