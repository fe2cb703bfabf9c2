package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Reimbursement is a single CEAP expense claim as published by the Chamber of Deputies.
type Reimbursement struct {
	// Optional identifiers, used only by persistence
	ID       string `json:"id,omitempty"`
	TenantID string `json:"tenantId,omitempty"`

	ApplicantID         string `json:"applicant_id" yaml:"applicant_id" validate:"required"`
	SubquotaDescription string `json:"subquota_description" yaml:"subquota_description" validate:"required"`

	// CNPJCPF is the payee tax identifier: CNPJ (14 digits) for companies,
	// CPF (11 digits) for individuals. Punctuation is tolerated.
	CNPJCPF  string `json:"cnpj_cpf" yaml:"cnpj_cpf" validate:"required"`
	Supplier string `json:"supplier" yaml:"supplier"`

	TotalNetValue decimal.Decimal `json:"total_net_value" yaml:"total_net_value"`

	IssueDate time.Time `json:"issue_date,omitempty" yaml:"issue_date,omitempty"`
}

// Identity returns the payee identifier with every non-digit removed.
func (r *Reimbursement) Identity() string {
	return NormalizeIdentity(r.CNPJCPF)
}

// Value returns the net value as a float for statistical use.
func (r *Reimbursement) Value() float64 {
	return r.TotalNetValue.InexactFloat64()
}

// NormalizeIdentity strips formatting from a CNPJ/CPF ("67.661.714/0001-11" → "67661714000111").
func NormalizeIdentity(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, c := range raw {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// Identity lengths for Brazilian tax identifiers.
const (
	CPFLength  = 11
	CNPJLength = 14
)
