package incident

import "time"

// ComputeTimings derives the response-time metrics from first-entry state
// timestamps. Metrics whose states were never entered are omitted.
//
//	ttd_ms  detected -> triaged
//	tti_ms  detected -> planning
//	ttr_ms  detected -> verifying
//	ttv_ms  detected -> resolved
func ComputeTimings(inc *Incident) map[string]int64 {
	out := make(map[string]int64)
	start, ok := parseStamp(inc.StateTimestamps[string(StateDetected)])
	if !ok {
		return out
	}

	spans := map[string]State{
		"ttd_ms": StateTriaged,
		"tti_ms": StatePlanning,
		"ttr_ms": StateVerifying,
		"ttv_ms": StateResolved,
	}
	for metric, state := range spans {
		if end, ok := parseStamp(inc.StateTimestamps[string(state)]); ok {
			out[metric] = end.Sub(start).Milliseconds()
		}
	}
	return out
}

func parseStamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
