package model

import "strings"

// Patient 是后端返回的患者信息，仅保留界面分配所需字段。
type Patient struct {
	ID              RemoteID `json:"id"`
	ClinicID        string   `json:"clinic_id,omitempty"`
	FamilyName      string   `json:"family_name"`
	GivenName       string   `json:"given_name"`
	BirthDate       string   `json:"birth_date,omitempty"`
	CNP             string   `json:"cnp,omitempty"`
	Phone           string   `json:"phone,omitempty"`
	Email           string   `json:"email,omitempty"`
	InsuranceNumber string   `json:"insurance_number,omitempty"`
	CreatedAt       string   `json:"created_at,omitempty"`
}

// DisplayName 返回 "姓 名" 形式的展示名称。
func (p Patient) DisplayName() string {
	return strings.TrimSpace(p.FamilyName + " " + p.GivenName)
}

// PatientQuery 是患者列表的分页与搜索参数。
type PatientQuery struct {
	Skip   int    `form:"skip" json:"skip"`
	Limit  int    `form:"limit" json:"limit"`
	Search string `form:"search" json:"search"`
}

// Normalize 对分页参数做边界修正，与后端的校验范围一致 (limit 1..1000)。
func (q PatientQuery) Normalize() PatientQuery {
	if q.Skip < 0 {
		q.Skip = 0
	}
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
	q.Search = strings.TrimSpace(q.Search)
	return q
}
