package scoring

// history is a fixed-size ring of overall scores.
type history struct {
	scores []float64
	head   int
	size   int
}

func newHistory(n int) *history {
	return &history{scores: make([]float64, n)}
}

func (h *history) add(v float64) {
	if h.size < len(h.scores) {
		h.scores[(h.head+h.size)%len(h.scores)] = v
		h.size++
		return
	}
	h.scores[h.head] = v
	h.head = (h.head + 1) % len(h.scores)
}

// values returns the scores oldest first.
func (h *history) values() []float64 {
	out := make([]float64, h.size)
	for i := range out {
		out[i] = h.scores[(h.head+i)%len(h.scores)]
	}
	return out
}

func (e *Engine) record(sessionID string, overall float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.sessions[sessionID]
	if !ok {
		h = newHistory(e.sessionCap)
		e.sessions[sessionID] = h
	}
	h.add(overall)
}

// GetSessionProgress summarizes a session's score history. ok is false for
// sessions with no recorded scores.
func (e *Engine) GetSessionProgress(sessionID string) (SessionProgress, bool) {
	e.mu.Lock()
	h, ok := e.sessions[sessionID]
	var scores []float64
	if ok {
		scores = h.values()
	}
	e.mu.Unlock()

	if !ok || len(scores) == 0 {
		return SessionProgress{}, false
	}

	var sum float64
	for _, s := range scores {
		sum += s
	}
	avg := sum / float64(len(scores))

	p := SessionProgress{
		SessionID:        sessionID,
		Scores:           scores,
		AverageScore:     avg,
		Improvement:      scores[len(scores)-1] - scores[0],
		ConsistencyTrend: trend(scores),
	}
	p.Recommendations = recommendations(p.ConsistencyTrend, avg)
	return p, true
}

// ClearSession drops a session's history.
func (e *Engine) ClearSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionID)
}

// trend fits a least-squares line through the most recent scores and
// classifies its slope.
func trend(scores []float64) Trend {
	if len(scores) > trendWindow {
		scores = scores[len(scores)-trendWindow:]
	}
	n := float64(len(scores))
	if n < 2 {
		return TrendStable
	}

	var sx, sy, sxy, sxx float64
	for i, y := range scores {
		x := float64(i)
		sx += x
		sy += y
		sxy += x * y
		sxx += x * x
	}
	slope := (n*sxy - sx*sy) / (n*sxx - sx*sx)

	switch {
	case slope > trendEpsilon:
		return TrendImproving
	case slope < -trendEpsilon:
		return TrendDeclining
	}
	return TrendStable
}

func recommendations(t Trend, avg float64) []string {
	var out []string
	switch t {
	case TrendDeclining:
		out = append(out, "Form is slipping. Take a longer rest or end the set.")
	case TrendImproving:
		out = append(out, "Form is improving. Keep the same tempo and focus.")
	}
	switch {
	case avg < 0.7:
		out = append(out, "Reduce load or depth and focus on technique.")
	case avg >= StrengthCutoff && t != TrendDeclining:
		out = append(out, "Form is solid. Consider progressing load or difficulty.")
	}
	if len(out) == 0 {
		out = append(out, "Work through the suggested improvements one at a time.")
	}
	return out
}
