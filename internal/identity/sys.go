package identity

import (
	"time"

	"idcore/internal/document"
)

// Sys timestamps are stored as RFC3339Nano strings so documents survive a
// JSON round-trip through any store adapter unchanged.

// SysDocument renders the audit stamp for embedding under document.FieldSys.
func SysDocument(s Sys) document.Document {
	return document.Document{
		"created_by":  s.CreatedBy,
		"created_at":  s.CreatedAt.UTC().Format(time.RFC3339Nano),
		"modified_by": s.ModifiedBy,
		"modified_at": s.ModifiedAt.UTC().Format(time.RFC3339Nano),
	}
}

// SysFromDocument reads the audit stamp out of a document, tolerating a
// missing or partially filled stamp.
func SysFromDocument(d document.Document) Sys {
	var s Sys
	s.CreatedBy, _ = document.GetString(d, "sys.created_by")
	s.ModifiedBy, _ = document.GetString(d, "sys.modified_by")
	if raw, ok := document.GetString(d, "sys.created_at"); ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			s.CreatedAt = t
		}
	}
	if raw, ok := document.GetString(d, "sys.modified_at"); ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			s.ModifiedAt = t
		}
	}
	return s
}
