package dimona

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Anomaly codes returned by the authority that drive state decisions.
const (
	AnomalyFlexiRequirementsNotMet   = "90017-510"
	AnomalyStudentRequirementsNotMet = "90017-369"
	AnomalyAlreadyCancelled          = "90017-385"

	// AnomalyAuthorityUnreachable tags a declaration the authority never
	// received. It is local and never returned by the authority.
	AnomalyAuthorityUnreachable = "dimona-unreachable"
)

// Anomalies is the loosely structured anomaly list attached to a declaration.
// Entries are either bare code strings or records carrying a "code" key next
// to free text.
type Anomalies []any

// AnomaliesFromBody turns a raw response body into an anomaly list. JSON
// arrays are kept as they are, any other JSON value becomes a single entry
// and non-JSON bodies are kept as text.
func AnomaliesFromBody(body []byte) Anomalies {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Anomalies{}
	}
	var list []any
	if err := json.Unmarshal(trimmed, &list); err == nil {
		return Anomalies(list)
	}
	var value any
	if err := json.Unmarshal(trimmed, &value); err == nil && value != nil {
		return Anomalies{value}
	}
	return Anomalies{string(trimmed)}
}

// Has reports whether any entry carries code. A code that merely appears in
// free text also counts as present.
func (a Anomalies) Has(code string) bool {
	if code == "" {
		return false
	}
	for _, entry := range a {
		if entryHas(entry, code) {
			return true
		}
	}
	return false
}

func entryHas(entry any, code string) bool {
	switch v := entry.(type) {
	case string:
		return v != "" && strings.Contains(v, code)
	case map[string]any:
		if c, ok := v["code"].(string); ok && c == code {
			return true
		}
		for _, field := range v {
			if s, ok := field.(string); ok && s != "" && strings.Contains(s, code) {
				return true
			}
		}
	}
	return false
}

// EligibilityUnmet reports whether the anomalies say the worker does not meet
// the requirements of workerType.
func (a Anomalies) EligibilityUnmet(workerType WorkerType) bool {
	switch workerType {
	case WorkerTypeFlexi:
		return a.Has(AnomalyFlexiRequirementsNotMet)
	case WorkerTypeStudent:
		return a.Has(AnomalyStudentRequirementsNotMet)
	default:
		return false
	}
}

// AlreadyCancelled reports whether the authority refused a cancel because the
// period is already gone.
func (a Anomalies) AlreadyCancelled() bool {
	return a.Has(AnomalyAlreadyCancelled)
}

// Unreachable reports whether the request never reached the authority.
func (a Anomalies) Unreachable() bool {
	return a.Has(AnomalyAuthorityUnreachable)
}
