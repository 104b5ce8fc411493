// Package tags holds the identifiers attached to coordinator log entries.
package tags

import (
	log "github.com/sirupsen/logrus"
)

// LogTags identifies the job, vertex and subtask a log entry is about.
// Empty fields are omitted.
type LogTags struct {
	JobID    string
	VertexID string
	Subtask  int
	SlotID   string
}

// Fields returns the tags as logrus fields. Subtask is only included with a VertexID.
func (t LogTags) Fields() log.Fields {
	f := log.Fields{}
	if t.JobID != "" {
		f["jobID"] = t.JobID
	}
	if t.VertexID != "" {
		f["vertexID"] = t.VertexID
		f["subtask"] = t.Subtask
	}
	if t.SlotID != "" {
		f["slotID"] = t.SlotID
	}
	return f
}

// Entry returns a log entry carrying the tags.
func (t LogTags) Entry() *log.Entry {
	return log.WithFields(t.Fields())
}
