package model

// Progress is the live percentage/label snapshot of a running job.
// Now is 0-100 and non-decreasing by convention only.
type Progress struct {
	Now          int    `json:"now"`
	CurrentLabel string `json:"currentLabel"`
	Type         string `json:"type,omitempty"`
}

// ZeroProgress is returned by progress polls before any job is configured.
var ZeroProgress = Progress{Now: 0, CurrentLabel: ""}
