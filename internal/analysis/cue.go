package analysis

import (
	"github.com/meltforce/repform/internal/exercise"
	"github.com/meltforce/repform/internal/phase"
	"github.com/meltforce/repform/internal/scoring"
)

// Cue returns a short coaching line for one frame. A medium or high
// severity issue takes precedence over where the movement stands.
func Cue(def exercise.Definition, ph phase.Phase, drive float64, issues []scoring.FormIssue) string {
	if worst, ok := worstIssue(issues); ok {
		switch worst.Severity {
		case scoring.SeverityHigh:
			return "Poor form! " + worst.Correction
		case scoring.SeverityMedium:
			return "Improve form: " + worst.Correction
		}
	}

	switch ph {
	case phase.Deep:
		switch {
		case def.PerfectRange.Contains(drive):
			return "Good depth!"
		case drive > def.PerfectRange.Max:
			return "A little further"
		}
		return "Too far, ease back"
	case phase.Transition:
		return "Control the movement"
	}
	return "Ready"
}

// worstIssue is the first issue of the highest severity.
func worstIssue(issues []scoring.FormIssue) (scoring.FormIssue, bool) {
	if len(issues) == 0 {
		return scoring.FormIssue{}, false
	}
	worst := issues[0]
	for _, is := range issues[1:] {
		if severityRank(is.Severity) > severityRank(worst.Severity) {
			worst = is
		}
	}
	return worst, true
}
