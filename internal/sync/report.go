package sync

import "time"

// Action names one of the three executor phases
type Action string

const (
	ActionRetrieve Action = "retrieve"
	ActionUpload   Action = "upload"
	ActionDelete   Action = "delete"
)

// Result is the outcome of applying one action to one document
type Result struct {
	Action Action
	Name   string
	Err    error

	// Set for successful retrievals whose annotated copy could be inspected
	Pages int
	Bytes int64
}

// OK reports whether the action succeeded
func (r Result) OK() bool {
	return r.Err == nil
}

// Report collects what a run found and what happened to every item
type Report struct {
	StartedAt  time.Time
	FinishedAt time.Time
	DryRun     bool
	Collection string
	Folder     string
	Found      int // desired documents in the collection
	OnDevice   int // documents in the device folder
	Plan       *Plan
	Results    []Result
}

func newReport(collection, folder string, dryRun bool) *Report {
	return &Report{
		StartedAt:  time.Now(),
		DryRun:     dryRun,
		Collection: collection,
		Folder:     folder,
	}
}

func (r *Report) add(action Action, name string, err error) {
	r.Results = append(r.Results, Result{Action: action, Name: name, Err: err})
}

// Succeeded counts successful results of the given action
func (r *Report) Succeeded(action Action) int {
	n := 0
	for _, res := range r.Results {
		if res.Action == action && res.OK() {
			n++
		}
	}
	return n
}

// RetrievedPages sums the page counts of the annotated copies brought back
func (r *Report) RetrievedPages() int {
	n := 0
	for _, res := range r.Results {
		if res.Action == ActionRetrieve && res.OK() {
			n += res.Pages
		}
	}
	return n
}

// Failures returns the failed results in execution order
func (r *Report) Failures() []Result {
	var failed []Result
	for _, res := range r.Results {
		if !res.OK() {
			failed = append(failed, res)
		}
	}
	return failed
}

// Duration returns how long the run took
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
