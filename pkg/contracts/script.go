package contracts

import "time"

// Script is a per-tenant stored program. The source held here is the
// working copy; every accepted edit is frozen into a ScriptVersion.
type Script struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenant_id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Source      string       `json:"source"`
	Language    string       `json:"language"` // "javascript" is the only accepted tag today
	Active      bool         `json:"active"`
	Config      ScriptConfig `json:"config"`
	Tags        []string     `json:"tags,omitempty"`
	CreatedBy   string       `json:"created_by"`
	UpdatedBy   string       `json:"updated_by"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	DeletedAt   *time.Time   `json:"deleted_at,omitempty"` // soft delete; logs outlive the script
}

// ScriptConfig carries per-script execution overrides and the capability
// set the script requests. Requested capabilities must be a subset of the
// owning tenant's grants; stores and admission both enforce it.
type ScriptConfig struct {
	TimeoutMS    int      `json:"timeout_ms,omitempty"`
	MemoryBytes  int64    `json:"memory_bytes,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// HasCapability reports whether the script requests the named capability.
func (c ScriptConfig) HasCapability(name string) bool {
	for _, cap := range c.Capabilities {
		if cap == name {
			return true
		}
	}
	return false
}

// ApprovalStatus is the review state of a ScriptVersion. Only approved
// versions are eligible for execution.
type ApprovalStatus string

const (
	ApprovalDraft    ApprovalStatus = "draft"
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Valid reports whether s is one of the recognised approval states.
func (s ApprovalStatus) Valid() bool {
	switch s {
	case ApprovalDraft, ApprovalPending, ApprovalApproved, ApprovalRejected:
		return true
	}
	return false
}

// ScriptVersion is an immutable snapshot of a script's source. Version
// numbers are monotonic per script; rollback creates a new version whose
// source equals an earlier one.
type ScriptVersion struct {
	ID             string         `json:"id"`
	ScriptID       string         `json:"script_id"`
	Version        int            `json:"version"`
	Source         string         `json:"source"`
	Checksum       string         `json:"checksum"` // sha256:<hex> of Source
	ApprovalStatus ApprovalStatus `json:"approval_status"`
	CreatedBy      string         `json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`
}
