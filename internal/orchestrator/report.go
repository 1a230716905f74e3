package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const unknown = "unknown"

// ReportStage assembles the final artifact from the synthesis and the task
// results. It calls no collaborator and reads neither facts nor documents.
type ReportStage struct{}

func (ReportStage) Name() StageName { return StageReport }

func (ReportStage) Run(_ context.Context, st Snapshot) (Partial, error) {
	return Partial{Report: BuildReport(st.SessionID, st.Synthesis, st.Results)}, nil
}

// BuildReport is deterministic: the same synthesis and results always give
// the same report. Synthesis findings come first, then task findings in plan
// order; task findings named in an override are marked superseded.
func BuildReport(sessionID string, syn *Synthesis, results []TaskResult) *Report {
	if syn == nil {
		syn = &Synthesis{}
	}
	rep := &Report{
		SessionID:      sessionID,
		Title:          "Feasibility evaluation " + orUnknown(sessionID),
		Recommendation: syn.Recommendation,
		Confidence:     unknown,
	}
	if rep.Recommendation.Decision == "" {
		rep.Recommendation.Decision = unknown
	}
	if syn.Confidence != nil {
		rep.Confidence = fmt.Sprintf("%.2f", *syn.Confidence)
	}

	rep.Findings = append(rep.Findings, Finding{Source: "synthesis", Title: "Summary", Text: orUnknown(syn.Summary)})
	for _, r := range syn.Risks {
		rep.Findings = append(rep.Findings, Finding{
			Source: "synthesis",
			Title:  fmt.Sprintf("%s (%s)", orUnknown(r.Title), orUnknown(r.Severity)),
			Text:   orUnknown(r.Description),
		})
	}

	overrides := make(map[string]Override, len(syn.Overrides))
	for _, o := range syn.Overrides {
		if _, dup := overrides[o.TaskID]; !dup {
			overrides[o.TaskID] = o
		}
	}

	ordered := append([]TaskResult(nil), results...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Index != ordered[j].Index {
			return ordered[i].Index < ordered[j].Index
		}
		return ordered[i].TaskID < ordered[j].TaskID
	})
	for _, r := range ordered {
		if !r.Success {
			rep.FailedTasks = append(rep.FailedTasks, r.TaskID)
			continue
		}
		f := Finding{Source: r.TaskID, Title: orUnknown(r.Name), Text: orUnknown(strings.TrimSpace(r.Output))}
		if o, ok := overrides[r.TaskID]; ok {
			f.Superseded = true
			f.SupersededBy = orUnknown(o.Reason)
		}
		rep.Findings = append(rep.Findings, f)
	}

	rep.Markdown = renderMarkdown(rep, syn, ordered)
	return rep
}

func renderMarkdown(rep *Report, syn *Synthesis, results []TaskResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", rep.Title)
	fmt.Fprintf(&b, "**Recommendation:** %s  \n", rep.Recommendation.Decision)
	fmt.Fprintf(&b, "**Confidence:** %s\n\n", rep.Confidence)
	if rep.Recommendation.Rationale != "" {
		fmt.Fprintf(&b, "%s\n\n", rep.Recommendation.Rationale)
	}
	if len(rep.Recommendation.Conditions) > 0 {
		b.WriteString("### Conditions\n\n")
		for _, c := range rep.Recommendation.Conditions {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Summary\n\n%s\n\n", orUnknown(syn.Summary))

	if len(syn.Risks) > 0 {
		b.WriteString("## Interaction risks\n\n")
		for i, r := range syn.Risks {
			fmt.Fprintf(&b, "### %d. %s (%s)\n\n%s\n", i+1, orUnknown(r.Title), orUnknown(r.Severity), orUnknown(r.Description))
			if len(r.SourceTasks) > 0 {
				fmt.Fprintf(&b, "\n_Sources: %s_\n", strings.Join(r.SourceTasks, ", "))
			}
			b.WriteString("\n")
		}
	}

	if len(syn.SharedAssumptions) > 0 {
		b.WriteString("## Shared assumptions\n\n")
		for _, a := range syn.SharedAssumptions {
			fmt.Fprintf(&b, "- %s\n", a)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Task findings\n\n")
	for _, f := range rep.Findings {
		if f.Source == "synthesis" {
			continue
		}
		fmt.Fprintf(&b, "### %s: %s\n\n", f.Source, f.Title)
		if f.Superseded {
			fmt.Fprintf(&b, "> Superseded by synthesis: %s\n\n", f.SupersededBy)
		}
		fmt.Fprintf(&b, "%s\n\n", f.Text)
	}

	var failed []TaskResult
	for _, r := range results {
		if !r.Success {
			failed = append(failed, r)
		}
	}
	if len(failed) > 0 {
		b.WriteString("## Tasks without findings\n\n")
		for _, r := range failed {
			fmt.Fprintf(&b, "- %s (%s): %s\n", r.TaskID, orUnknown(r.Name), orUnknown(r.Error))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return unknown
	}
	return s
}
