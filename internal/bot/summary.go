package bot

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"rewards-automation/internal/activity"
	"rewards-automation/internal/browser"
	"rewards-automation/internal/progress"
	"rewards-automation/internal/search"
)

// Summary is what a run did, phase by phase.
type Summary struct {
	Record     progress.RunRecord
	Searches   map[browser.Profile]search.Result
	Activities *activity.Result
	// Planned holds the terms a dry run would have searched.
	Planned map[browser.Profile][]string
}

func newSummary(rec progress.RunRecord) *Summary {
	return &Summary{
		Record:   rec,
		Searches: map[browser.Profile]search.Result{},
		Planned:  map[browser.Profile][]string{},
	}
}

func (s *Summary) addSearch(res search.Result) {
	s.Searches[res.Profile] = res
	switch res.Profile {
	case browser.Desktop:
		s.Record.DesktopSearches = res.Completed
	case browser.Mobile:
		s.Record.MobileSearches = res.Completed
	}
}

func (s *Summary) addActivities(res activity.Result) {
	s.Activities = &res
	s.Record.ActivitiesCompleted = res.Completed
	s.Record.ActivitiesSkipped = res.Skipped
	s.Record.ActivitiesMissed = res.Missed
}

// Write prints the summary for a terminal.
func (s *Summary) Write(w io.Writer) {
	r := s.Record
	title := fmt.Sprintf("%s run %s", r.Mode, r.Day)
	if r.Account != "" {
		title = r.Account + ": " + title
	}
	if r.DryRun {
		title += " (dry run)"
	}
	fmt.Fprintln(w, title)
	fmt.Fprintln(w, strings.Repeat("-", len(title)))

	if s.Activities != nil {
		a := s.Activities
		fmt.Fprintf(w, "activities  completed %d  skipped %d  missed %d  already done %d\n",
			a.Completed, a.Skipped, a.Missed, a.AlreadyDone)
		if r.DryRun {
			for _, c := range a.Cards {
				fmt.Fprintf(w, "  %-10s %s\n", c.State, c)
			}
		}
	}

	for _, p := range sortedProfiles(s.Searches) {
		res := s.Searches[p]
		fmt.Fprintf(w, "%-10s  %s  %d/%d completed  %d missed  %d attempts\n",
			p, res.State, res.Completed, res.Quota, res.Misses, res.Attempts)
		if res.AbortReason != "" {
			fmt.Fprintf(w, "  stopped: %s\n", res.AbortReason)
		}
	}
	for _, p := range sortedProfiles(s.Planned) {
		fmt.Fprintf(w, "%-10s  would search %d terms\n", p, len(s.Planned[p]))
		for _, term := range s.Planned[p] {
			fmt.Fprintf(w, "  %s\n", term)
		}
	}

	if !r.FinishedAt.IsZero() {
		fmt.Fprintf(w, "elapsed     %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Second))
	}
	if r.AbortReason != "" {
		fmt.Fprintf(w, "ABORTED     %s\n", r.AbortReason)
	}
}

func sortedProfiles[V any](m map[browser.Profile]V) []browser.Profile {
	out := make([]browser.Profile, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
