// Package model defines the records and verdicts shared by the judge
// pipeline, its repositories, and the worker service.
package model

// Verdict represents the outcome of a single testcase or of a whole
// submission.
type Verdict string

const (
	VerdictAC  Verdict = "AC"  // accepted
	VerdictWA  Verdict = "WA"  // wrong answer
	VerdictTLE Verdict = "TLE" // time limit exceeded
	VerdictMLE Verdict = "MLE" // memory limit exceeded
	VerdictRE  Verdict = "RE"  // runtime error
	VerdictCE  Verdict = "CE"  // compile error
	VerdictOLE Verdict = "OLE" // output limit exceeded, reserved
	VerdictIE  Verdict = "IE"  // internal error
	VerdictFN  Verdict = "FN"  // file not found
)

// severity maps a verdict onto the total order used to aggregate
// per-testcase outcomes into a submission verdict. Higher is worse.
func severity(v Verdict) int {
	switch v {
	case VerdictAC:
		return 0
	case VerdictWA:
		return 1
	case VerdictTLE:
		return 2
	case VerdictMLE:
		return 3
	case VerdictRE:
		return 4
	case VerdictCE:
		return 5
	case VerdictOLE:
		return 6
	case VerdictIE:
		return 7
	case VerdictFN:
		return 8
	default:
		return 8
	}
}

// MaxBySeverity returns the worse of two verdicts.
func MaxBySeverity(a, b Verdict) Verdict {
	if severity(b) > severity(a) {
		return b
	}
	return a
}

// IsAccepted reports whether the verdict is AC.
func (v Verdict) IsAccepted() bool {
	return v == VerdictAC
}
