// Package payload builds the record written to a friedn tag.
//
// The body is a compact JSON object:
//
//	{"createdAt":1700000000,"name":"default","version":"1.2.0","id":"<uuid>","tag":"friedn"}
//
// Readers use the "tag" field to tell friedn tags apart from unrelated NFC tags.
package payload

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/reindeer/friedn-agent/internal/logging"
)

const (
	// MIMEType is the NDEF record type of the payload.
	MIMEType = "application/json"
	// TagKind identifies records written by this system.
	TagKind = "friedn"
	// DefaultName is the profile name. Only one profile exists today.
	DefaultName = "default"
)

// Record is the provisioning record. Field order is the wire order.
type Record struct {
	CreatedAt int64  `json:"createdAt"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	ID        string `json:"id"`
	Tag       string `json:"tag"`
}

// Marshal serializes the record. Struct encoding keeps the field order stable,
// so the size measured before a write is the size written.
func (r Record) Marshal() []byte {
	// A struct of strings and an int64 cannot fail to encode.
	body, _ := json.Marshal(r)
	return body
}

// VersionFunc supplies the host application version.
type VersionFunc func() (string, error)

// Encoder creates records. The zero value is ready to use.
type Encoder struct {
	// Now defaults to time.Now.
	Now func() time.Time
	// NewID defaults to uuid.NewRandom.
	NewID func() (uuid.UUID, error)
}

// Build creates a fresh record for one write attempt.
func (e *Encoder) Build(appVersion string) Record {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	return Record{
		CreatedAt: now().Unix(),
		Name:      DefaultName,
		Version:   appVersion,
		ID:        e.newID(),
		Tag:       TagKind,
	}
}

func (e *Encoder) newID() string {
	newID := uuid.NewRandom
	if e.NewID != nil {
		newID = e.NewID
	}
	id, err := newID()
	if err != nil {
		// Entropy failure must not block provisioning; retry with the
		// package default, which panics only if the OS RNG is gone.
		logging.Warn(logging.CatTag, "Record ID generation failed, retrying", map[string]any{
			"error": err.Error(),
		})
		id = uuid.New()
	}
	return id.String()
}

// Encode builds a record and returns its MIME type and body.
func (e *Encoder) Encode(appVersion string) (mimeType string, body []byte) {
	return MIMEType, e.Build(appVersion).Marshal()
}

// ResolveVersion calls fn and substitutes an empty string on failure.
func ResolveVersion(fn VersionFunc) string {
	if fn == nil {
		return ""
	}
	v, err := fn()
	if err != nil {
		logging.Debug(logging.CatTag, "App version unavailable, writing empty version", map[string]any{
			"error": err.Error(),
		})
		return ""
	}
	return v
}
