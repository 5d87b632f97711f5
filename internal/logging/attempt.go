package logging

import (
	"strconv"
	"sync"
)

// Attempt identifies the provisioning attempt in progress. Crash reports and
// error events carry it so a failure can be matched to the journal.
type Attempt struct {
	Session uint64
	TagUID  string
	TagType string
}

var (
	attemptMu sync.RWMutex
	attempt   Attempt
)

// SetAttempt records the attempt in progress.
func SetAttempt(a Attempt) {
	attemptMu.Lock()
	attempt = a
	attemptMu.Unlock()
}

// ClearAttempt forgets the attempt of session. An attempt of a newer
// session is left alone.
func ClearAttempt(session uint64) {
	attemptMu.Lock()
	if attempt.Session == session {
		attempt = Attempt{}
	}
	attemptMu.Unlock()
}

// CurrentAttempt returns the attempt in progress, or the zero Attempt.
func CurrentAttempt() Attempt {
	attemptMu.RLock()
	defer attemptMu.RUnlock()
	return attempt
}

func (a Attempt) IsZero() bool {
	return a == Attempt{}
}

// tags are the searchable Sentry tags of the attempt.
func (a Attempt) tags() map[string]string {
	if a.IsZero() {
		return nil
	}
	tags := map[string]string{"session": strconv.FormatUint(a.Session, 10)}
	if a.TagType != "" {
		tags["tag_type"] = a.TagType
	}
	return tags
}

// fields is the attempt as structured event context.
func (a Attempt) fields() map[string]any {
	if a.IsZero() {
		return nil
	}
	f := map[string]any{"session": a.Session}
	if a.TagUID != "" {
		f["tagUid"] = a.TagUID
	}
	if a.TagType != "" {
		f["tagType"] = a.TagType
	}
	return f
}
