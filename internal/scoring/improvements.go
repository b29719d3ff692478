package scoring

import "sort"

type improvementTemplate struct {
	title      string
	summary    string
	steps      []string
	difficulty Difficulty
}

var templates = map[IssueType]improvementTemplate{
	Alignment: {
		title:   "Improve joint alignment",
		summary: "Keep knees tracking over the toes and hips level.",
		steps: []string{
			"Film a set from the front and check knee tracking.",
			"Push the knees out slightly on the way down.",
			"Practice the movement slowly with a mirror.",
		},
		difficulty: DifficultyModerate,
	},
	Posture: {
		title:   "Keep your torso upright",
		summary: "Excessive forward lean shifts load onto the lower back.",
		steps: []string{
			"Brace your core before each rep.",
			"Keep your chest up and eyes forward.",
			"Work on ankle and hip mobility between sessions.",
		},
		difficulty: DifficultyModerate,
	},
	RangeOfMotion: {
		title:   "Reach full depth",
		summary: "Partial reps leave strength and mobility gains on the table.",
		steps: []string{
			"Lower the weight until you reach the target depth.",
			"Use a box or bench as a depth marker.",
			"Add mobility drills for hips and ankles.",
		},
		difficulty: DifficultyHard,
	},
	Timing: {
		title:   "Control the tempo",
		summary: "Rushed reps reduce control and time under tension.",
		steps: []string{
			"Count two seconds on the way down.",
			"Pause briefly at the bottom.",
		},
		difficulty: DifficultyEasy,
	},
	Consistency: {
		title:   "Stay in view of the camera",
		summary: "Unclear landmarks make every rep harder to assess.",
		steps: []string{
			"Stand side-on to the camera with your whole body in frame.",
			"Improve lighting and avoid loose clothing.",
		},
		difficulty: DifficultyEasy,
	},
}

var timeToImprove = map[Severity]string{
	SeverityHigh:   "4-6 weeks",
	SeverityMedium: "2-4 weeks",
	SeverityLow:    "1-2 weeks",
}

var baseImprovement = map[Severity]float64{
	SeverityHigh:   35,
	SeverityMedium: 20,
	SeverityLow:    10,
}

type issueGroup struct {
	typ   IssueType
	worst FormIssue
	count int
	order int
}

// improvements returns one suggestion per issue type, most severe first,
// at most maxImprovements.
func improvements(issues []FormIssue) []Improvement {
	groups := map[IssueType]*issueGroup{}
	for _, is := range issues {
		if _, ok := templates[is.Type]; !ok {
			continue
		}
		g, ok := groups[is.Type]
		if !ok {
			g = &issueGroup{typ: is.Type, worst: is, order: len(groups)}
			groups[is.Type] = g
		}
		g.count++
		if is.Severity.rank() > g.worst.Severity.rank() {
			g.worst = is
		}
	}

	sorted := make([]*issueGroup, 0, len(groups))
	for _, g := range groups {
		sorted = append(sorted, g)
	}
	sort.Slice(sorted, func(i, j int) bool {
		ri, rj := sorted[i].worst.Severity.rank(), sorted[j].worst.Severity.rank()
		if ri != rj {
			return ri > rj
		}
		return sorted[i].order < sorted[j].order
	})
	if len(sorted) > maxImprovements {
		sorted = sorted[:maxImprovements]
	}

	out := make([]Improvement, 0, len(sorted))
	for _, g := range sorted {
		out = append(out, g.improvement())
	}
	return out
}

func (g *issueGroup) improvement() Improvement {
	tpl := templates[g.typ]
	sev := g.worst.Severity
	if sev.rank() == 0 {
		sev = SeverityLow
	}

	steps := make([]string, 0, len(tpl.steps)+1)
	if g.worst.Correction != "" {
		steps = append(steps, g.worst.Correction)
	}
	steps = append(steps, tpl.steps...)

	desc := tpl.summary
	if g.worst.Description != "" {
		desc = g.worst.Description + " " + tpl.summary
	}

	expected := min(baseImprovement[sev]+5*float64(g.count-1), 50)

	return Improvement{
		Title:               tpl.title,
		Description:         desc,
		ActionSteps:         steps,
		ExpectedImprovement: expected,
		Priority:            Priority(sev),
		Difficulty:          tpl.difficulty,
		Category:            g.typ,
		TimeToImprove:       timeToImprove[sev],
	}
}
