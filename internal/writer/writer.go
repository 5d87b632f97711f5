// Package writer commits one provisioning record to a detected tag.
package writer

import (
	"errors"

	"github.com/reindeer/friedn-agent/internal/core"
	"github.com/reindeer/friedn-agent/internal/failure"
	"github.com/reindeer/friedn-agent/internal/logging"
	"github.com/reindeer/friedn-agent/internal/ndef"
)

// Capability is what a tag offers for writing. It is one of Formatted,
// Formattable or Unsupported.
type Capability interface {
	capability()
}

// Formatted is a tag already initialized for NDEF.
type Formatted struct {
	Tech core.NdefTech
}

// Formattable is a blank tag that is formatted as part of the write.
type Formattable struct {
	Tech core.FormatableTech
}

// Unsupported offers neither technology.
type Unsupported struct{}

func (Formatted) capability()   {}
func (Formattable) capability() {}
func (Unsupported) capability() {}

// Probe classifies tag. Only the two NDEF technologies are recognized.
func Probe(tag core.Tag) Capability {
	if tech, ok := tag.Ndef(); ok {
		return Formatted{Tech: tech}
	}
	if tech, ok := tag.Formatable(); ok {
		return Formattable{Tech: tech}
	}
	return Unsupported{}
}

// Writer writes a single MIME record to a tag. It holds no state between
// calls and is safe for concurrent use on different tags.
type Writer struct{}

// New returns a Writer.
func New() *Writer {
	return &Writer{}
}

// Write stores one NDEF MIME record on tag. A nil return means the record was
// written; any other return is a *failure.Error. The tag connection is closed
// before Write returns.
func (w *Writer) Write(tag core.Tag, mimeType string, body []byte) error {
	var err error
	switch c := Probe(tag).(type) {
	case Formatted:
		err = writeFormatted(tag, c.Tech, mimeType, body)
	case Formattable:
		err = writeFormattable(tag, c.Tech, mimeType, body)
	default:
		err = failure.Newf(failure.UnsupportedTag, "tag %s (%s) offers no NDEF technology", tag.UID(), tag.Type())
	}

	if err != nil {
		logging.Warn(logging.CatTag, "Tag write failed", map[string]any{
			"uid":   tag.UID(),
			"type":  tag.Type(),
			"kind":  failure.KindOf(err).String(),
			"error": err.Error(),
		})
		return err
	}
	logging.Info(logging.CatTag, "Tag written", map[string]any{
		"uid":   tag.UID(),
		"type":  tag.Type(),
		"bytes": len(body),
	})
	return nil
}

// closer is the part of both technologies needed to release the connection.
type closer interface {
	Close() error
}

// release closes the connection, also after a failed Connect. A close error
// never replaces the outcome decided before it.
func release(tag core.Tag, c closer) {
	if err := c.Close(); err != nil {
		logging.Warn(logging.CatTag, "Closing tag connection failed", map[string]any{
			"uid":   tag.UID(),
			"error": err.Error(),
		})
	}
}

func writeFormatted(tag core.Tag, tech core.NdefTech, mimeType string, body []byte) error {
	defer release(tag, tech)
	if err := tech.Connect(); err != nil {
		return failure.New(failure.TransportError, err)
	}

	if !tech.IsWritable() {
		return failure.Newf(failure.NotWritable, "tag %s is read-only", tag.UID())
	}

	size := ndef.MessageSize(mimeType, len(body))
	if size > tech.MaxSize() {
		return failure.Newf(failure.InsufficientCapacity, "record needs %d bytes, tag holds %d", size, tech.MaxSize())
	}

	if err := tech.WriteMessage(ndef.MimeRecord(mimeType, body)); err != nil {
		if errors.Is(err, core.ErrTagFull) {
			return failure.New(failure.InsufficientCapacity, err)
		}
		return failure.New(failure.TransportError, err)
	}
	return nil
}

func writeFormattable(tag core.Tag, tech core.FormatableTech, mimeType string, body []byte) error {
	defer release(tag, tech)
	if err := tech.Connect(); err != nil {
		return failure.New(failure.TransportError, err)
	}

	if err := tech.Format(ndef.MimeRecord(mimeType, body)); err != nil {
		if errors.Is(err, core.ErrTagFull) {
			return failure.New(failure.InsufficientCapacity, err)
		}
		return failure.New(failure.TransportError, err)
	}
	return nil
}
