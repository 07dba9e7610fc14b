package datarecording

import (
	"os"
	"strings"
	"time"

	"github.com/rs/xid"
)

// RunInfoTable is the table that RunRecorder writes.
const RunInfoTable = "run_info"

const timeLayout = "2006-01-02 15:04:05.000000000"

// RunInfo is one property of a run.
type RunInfo struct {
	Property string
	Value    string
}

// RunRecorder records how and when a federation run happened.
type RunRecorder struct {
	recorder DataRecorder
	runID    string
	entries  []RunInfo
}

// NewRunRecorder creates the run table in recorder.
func NewRunRecorder(recorder DataRecorder) *RunRecorder {
	recorder.CreateTable(RunInfoTable, RunInfo{})

	return &RunRecorder{
		recorder: recorder,
		runID:    xid.New().String(),
	}
}

// RunID returns the unique id of the run.
func (r *RunRecorder) RunID() string {
	return r.runID
}

// Start notes the start time, the command line and the working directory.
func (r *RunRecorder) Start() {
	r.Set("Run ID", r.runID)
	r.Set("Start Time", time.Now().Format(timeLayout))
	r.Set("Command", strings.Join(os.Args, " "))

	if wd, err := os.Getwd(); err == nil {
		r.Set("Working Directory", wd)
	}
}

// Set notes a property of the run.
func (r *RunRecorder) Set(property, value string) {
	r.entries = append(r.entries, RunInfo{Property: property, Value: value})
}

// End writes the noted properties and the end time, then flushes.
func (r *RunRecorder) End() {
	for _, e := range r.entries {
		r.recorder.InsertData(RunInfoTable, e)
	}

	r.recorder.InsertData(RunInfoTable,
		RunInfo{Property: "End Time", Value: time.Now().Format(timeLayout)})

	r.entries = nil

	r.recorder.Flush()
}
