package scp

import (
	"sort"
	"time"
)

// SeriesInstance is one series observed within an association, carrying the
// descriptive attributes that fingerprint triggers evaluate. Absent DICOM
// tags are recorded as the literal string "None".
type SeriesInstance struct {
	SeriesInstanceUID string
	StudyDescription  string
	SeriesDescription string
	SOPClassUID       string
	// Dir is the directory holding this series' stored instances.
	Dir string
	// Instances counts instances stored into Dir.
	Instances int
}

// StudyGroup accumulates the series received over one association. It's
// owned by the association while receiving, and moves to the coordinator
// when the association releases.
type StudyGroup struct {
	// ID is the association identifier. It also names the group's storage
	// directory under the receiver's storage root.
	ID string
	// Dir is the group's storage directory.
	Dir       string
	FirstSeen time.Time
	LastSeen  time.Time
	// Series indexes the group's series by SeriesInstanceUID.
	Series map[string]*SeriesInstance
}

// SortedSeries returns the group's series ordered by SeriesInstanceUID.
func (g *StudyGroup) SortedSeries() []*SeriesInstance {
	var uids = make([]string, 0, len(g.Series))
	for uid := range g.Series {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	var out = make([]*SeriesInstance, len(uids))
	for i, uid := range uids {
		out[i] = g.Series[uid]
	}
	return out
}

// InstanceCount returns the total instances stored across all series.
func (g *StudyGroup) InstanceCount() int {
	var n int
	for _, series := range g.Series {
		n += series.Instances
	}
	return n
}
