package generate

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/reverie/internal/journal"
)

// Entry is one decrypted memory ready for prompting.
type Entry struct {
	CreatedAt string
	Mood      string
	Text      string
}

// BuildPrompt assembles the aggregate prompt for one period: a header
// naming the window, the mood-tag distribution, and the decrypted entries
// in chronological order.
func BuildPrompt(p journal.Period, moods journal.MoodSummary, entries []Entry) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are a private journaling assistant. Write a short, warm %s reflection for the period %s to %s.\n",
		p.Kind, p.Start.Format("2006-01-02"), p.End.Format("2006-01-02"))
	fmt.Fprintf(&b, "The user recorded %d entries. Mood distribution: %s.\n", moods.Total(), moods.String())
	b.WriteString("Summarize recurring themes and mood patterns. Address the user directly. Do not quote entries verbatim.\n\nEntries:\n")

	for _, e := range entries {
		mood := e.Mood
		if mood == "" {
			mood = "untagged"
		}
		fmt.Fprintf(&b, "- [%s, %s] %s\n", e.CreatedAt, mood, e.Text)
	}

	return b.String()
}
