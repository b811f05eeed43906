package metrics

import "sort"

// FailureBucket is the aggregated count for one failure kind and label.
type FailureBucket struct {
	Kind  string `json:"kind"`
	Label string `json:"label"`
	Count int    `json:"count"`
}

// FlattenFailureBuckets converts a nested kind->label map into sorted rows.
// Rows are sorted by descending count, then by kind/label for stability.
func FlattenFailureBuckets(buckets map[string]map[string]int) []FailureBucket {
	if len(buckets) == 0 {
		return nil
	}
	rows := make([]FailureBucket, 0)
	for kind, labels := range buckets {
		for label, count := range labels {
			rows = append(rows, FailureBucket{Kind: kind, Label: label, Count: count})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count == rows[j].Count {
			if rows[i].Kind == rows[j].Kind {
				return rows[i].Label < rows[j].Label
			}
			return rows[i].Kind < rows[j].Kind
		}
		return rows[i].Count > rows[j].Count
	})
	return rows
}
