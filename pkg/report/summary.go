package report

import (
	"fmt"
	"strings"
)

// classify turns one failing record into its one-line reason, per §4.7:
// failure_str wins outright; otherwise a "test" feature, then a non-empty
// useflags list, then the generic fallback.
func classify(r Record) string {
	if reason := r["failure_str"]; reason != "" {
		return fmt.Sprintf("special fail: %s", reason)
	}
	if hasFeature(r["features"], "test") {
		return "test run failed"
	}
	if useflags := strings.TrimSpace(r["useflags"]); useflags != "" {
		return fmt.Sprintf("USE flag run failed: [%s]", useflags)
	}
	return "default USE failed"
}

func hasFeature(features, want string) bool {
	for _, f := range strings.Fields(features) {
		if f == want {
			return true
		}
	}
	return false
}

// Summarize builds the human summary for a finished job: "" if every record
// passed (the pipeline reports "success" in that case per §4.5 step 4), or
// "fail (K fails / N runs):\n   <atom> <reason>" per failing record (§8 S4).
func Summarize(records []Record) string {
	var failLines []string
	for _, r := range records {
		if r["result"] == "true" {
			continue
		}
		failLines = append(failLines, fmt.Sprintf("   %s %s", r["atom"], classify(r)))
	}
	if len(failLines) == 0 {
		return ""
	}
	return fmt.Sprintf("fail (%d fails / %d runs):\n%s", len(failLines), len(records), strings.Join(failLines, "\n"))
}
