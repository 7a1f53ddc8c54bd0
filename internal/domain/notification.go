package domain

import (
	"strconv"
	"strings"
	"time"
)

// Object store event types that mean "a new object generation was written".
const (
	EventObjectFinalize   = "OBJECT_FINALIZE"
	EventCloudEventFinal  = "google.cloud.storage.object.v1.finalized"
	defaultCSVExtension   = ".csv"
	maxTableNameLength    = 1024
	fallbackTableStemName = "data"
)

// Notification describes one finalized object write.
type Notification struct {
	Bucket      string
	Object      string
	Generation  int64
	EventType   string
	MessageID   string
	PublishTime time.Time
}

// IsFinalize reports whether the event announces a newly written object.
func (n Notification) IsFinalize() bool {
	return n.EventType == EventObjectFinalize || n.EventType == EventCloudEventFinal
}

// IsCSV reports whether the object name carries a .csv extension, ignoring case.
func (n Notification) IsCSV() bool {
	return strings.HasSuffix(strings.ToLower(n.Object), defaultCSVExtension)
}

// Key returns the dedup key for this notification.
func (n Notification) Key() ProcessedKey {
	return ProcessedKey{Bucket: n.Bucket, Object: n.Object, Generation: n.Generation}
}

// Ref returns the generation-pinned object reference.
func (n Notification) Ref() ObjectRef {
	return ObjectRef{Bucket: n.Bucket, Object: n.Object, Generation: n.Generation}
}

// ObjectRef addresses one generation of one object.
type ObjectRef struct {
	Bucket     string `json:"bucket" yaml:"bucket"`
	Object     string `json:"object" yaml:"object"`
	Generation int64  `json:"generation" yaml:"generation"`
}

func (r ObjectRef) String() string {
	return r.Bucket + "/" + r.Object + "#" + strconv.FormatInt(r.Generation, 10)
}
