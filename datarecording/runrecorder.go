package datarecording

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// RunInfo is one property of the recorded run. Readers can map the
// run_info table onto it.
type RunInfo struct {
	Property string
	Value    string
}

const runInfoTable = "run_info"

// runRecorder logs what was executed, where, and when, so a recording
// can be traced back to the run that produced it.
type runRecorder struct {
	recorder DataRecorder
	entries  []RunInfo
}

func newRunRecorder(recorder DataRecorder) *runRecorder {
	r := &runRecorder{
		recorder: recorder,
	}

	r.recorder.CreateTable(runInfoTable, RunInfo{})

	return r
}

// Start collects the run metadata. Nothing is written until End, so a
// crashed run leaves an empty run_info table rather than a half one.
func (r *runRecorder) Start() {
	r.record("Start Time",
		time.Now().Format("2006-01-02 15:04:05.000000000"))
	r.record("Command", strings.Join(os.Args, " "))
	r.record("Pid", strconv.Itoa(os.Getpid()))

	if wd, err := os.Getwd(); err == nil {
		r.record("Working Directory", wd)
	}

	if host, err := os.Hostname(); err == nil {
		r.record("Hostname", host)
	}
}

// End writes the collected metadata along with the end time.
func (r *runRecorder) End() {
	for _, entry := range r.entries {
		r.recorder.InsertData(runInfoTable, entry)
	}
	r.entries = nil

	r.recorder.InsertData(runInfoTable, RunInfo{
		Property: "End Time",
		Value:    time.Now().Format("2006-01-02 15:04:05.000000000"),
	})

	r.recorder.Flush()
}

func (r *runRecorder) record(property, value string) {
	r.entries = append(r.entries, RunInfo{
		Property: property,
		Value:    value,
	})
}
