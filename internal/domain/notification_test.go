package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotification_Filters(t *testing.T) {
	tests := []struct {
		name     string
		n        Notification
		finalize bool
		csv      bool
	}{
		{"storage event", Notification{Object: "in/a.csv", EventType: EventObjectFinalize}, true, true},
		{"cloud event", Notification{Object: "in/a.CSV", EventType: EventCloudEventFinal}, true, true},
		{"delete", Notification{Object: "in/a.csv", EventType: "OBJECT_DELETE"}, false, true},
		{"missing event type", Notification{Object: "in/a.csv"}, false, true},
		{"not csv", Notification{Object: "in/a.csv.gz", EventType: EventObjectFinalize}, true, false},
		{"no extension", Notification{Object: "in/csv", EventType: EventObjectFinalize}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.finalize, tt.n.IsFinalize())
			assert.Equal(t, tt.csv, tt.n.IsCSV())
		})
	}
}

func TestNotification_KeyAndRef(t *testing.T) {
	n := Notification{Bucket: "b", Object: "in/a.csv", Generation: 9, MessageID: "m1"}

	assert.Equal(t, ProcessedKey{Bucket: "b", Object: "in/a.csv", Generation: 9}, n.Key())
	assert.Equal(t, ObjectRef{Bucket: "b", Object: "in/a.csv", Generation: 9}, n.Ref())
	assert.Equal(t, "b/in/a.csv#9", n.Ref().String())
}
