package sync

import (
	"github.com/schaermu/zotsyncd/internal/device"
	"github.com/schaermu/zotsyncd/internal/papers"
)

// Plan represents the sync operations to perform. Every desired document
// lands in exactly one of Retrieve or Upload; every device entry is matched
// by Retrieve or listed in Delete.
type Plan struct {
	Retrieve []papers.Document // on both sides, fetch annotations back
	Upload   []papers.Document // desired but missing from the device
	Delete   []string          // on the device but no longer desired
}

// matchKey is the join key between a desired document and a device entry.
// Matching is exact and case-sensitive on the display name.
func matchKey(name string) string {
	return name
}

// BuildPlan partitions desired documents and device entries into the three
// action lists. Retrieve and Upload follow desired order, Delete follows
// device order. It has no side effects.
func BuildPlan(onDevice []device.Entry, desired []papers.Document) *Plan {
	plan := &Plan{
		Retrieve: make([]papers.Document, 0),
		Upload:   make([]papers.Document, 0),
		Delete:   make([]string, 0),
	}

	present := make(map[string]struct{}, len(onDevice))
	for _, entry := range onDevice {
		present[matchKey(entry.Name)] = struct{}{}
	}

	wanted := make(map[string]struct{}, len(desired))
	for _, doc := range desired {
		key := matchKey(doc.Name)
		wanted[key] = struct{}{}

		if _, ok := present[key]; ok {
			plan.Retrieve = append(plan.Retrieve, doc)
		} else {
			plan.Upload = append(plan.Upload, doc)
		}
	}

	for _, entry := range onDevice {
		if _, ok := wanted[matchKey(entry.Name)]; !ok {
			plan.Delete = append(plan.Delete, entry.Name)
		}
	}

	return plan
}

// Empty reports whether the plan has nothing to do
func (p *Plan) Empty() bool {
	return len(p.Retrieve) == 0 && len(p.Upload) == 0 && len(p.Delete) == 0
}
