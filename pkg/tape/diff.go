package tape

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// jsonDiff summarizes the difference between a recorded request body and
// the live one for mismatch diagnostics. Both sides must be JSON text.
func jsonDiff(recorded, live string) string {
	if recorded == "" || live == "" {
		return "missing_body"
	}
	var recObj, liveObj any
	if json.Unmarshal([]byte(recorded), &recObj) != nil || json.Unmarshal([]byte(live), &liveObj) != nil {
		return "non_json_or_unparseable"
	}
	diffs := diffKeys(recObj, liveObj, "$")
	if len(diffs) == 0 {
		return "no_diff"
	}
	return strings.Join(diffs, "; ")
}

func diffKeys(rec, live any, path string) []string {
	var diffs []string
	switch recVal := rec.(type) {
	case map[string]any:
		liveVal, ok := live.(map[string]any)
		if !ok {
			return appendValueDiff(diffs, rec, live, path)
		}
		keys := make([]string, 0, len(recVal)+len(liveVal))
		seen := map[string]struct{}{}
		for k := range recVal {
			keys = append(keys, k)
			seen[k] = struct{}{}
		}
		for k := range liveVal {
			if _, dup := seen[k]; !dup {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			childPath := path + "." + k
			recChild, inRec := recVal[k]
			liveChild, inLive := liveVal[k]
			switch {
			case !inRec:
				diffs = append(diffs, childPath+": missing_in_recorded")
			case !inLive:
				diffs = append(diffs, childPath+": missing_in_live")
			default:
				diffs = append(diffs, diffKeys(recChild, liveChild, childPath)...)
			}
		}
	case []any:
		liveVal, ok := live.([]any)
		if !ok {
			return appendValueDiff(diffs, rec, live, path)
		}
		if len(recVal) != len(liveVal) {
			diffs = append(diffs, fmt.Sprintf("%s: length %d != %d", path, len(recVal), len(liveVal)))
		}
	default:
		diffs = appendValueDiff(diffs, rec, live, path)
	}
	return diffs
}

func appendValueDiff(diffs []string, rec, live any, path string) []string {
	if fmt.Sprint(rec) != fmt.Sprint(live) {
		diffs = append(diffs, fmt.Sprintf("%s: %v != %v", path, rec, live))
	}
	return diffs
}
