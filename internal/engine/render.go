package engine

import (
	"fmt"
	"html"
	"strings"

	"nudge/internal/domain"
)

func reminderSubject(rec domain.Record) string {
	return fmt.Sprintf("Reminder: %s status update due", rec.Name)
}

func reminderBody(rec domain.Record, link string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<p>Hi %s,</p>", html.EscapeString(rec.Owner))
	fmt.Fprintf(&b, "<p>This week's status update for <strong>%s</strong> is still outstanding.</p>", html.EscapeString(rec.Name))
	if link != "" {
		fmt.Fprintf(&b, `<p><a href="%s">Mark %s as updated</a> once you've posted it.</p>`,
			html.EscapeString(link), html.EscapeString(rec.Name))
	} else {
		b.WriteString("<p>Reply to this message or use the dashboard once you've posted it.</p>")
	}
	b.WriteString("<p>Thanks!</p>")
	return b.String()
}

func chaseSubject(pending, total int) string {
	return fmt.Sprintf("Chase: %d of %d portfolio updates still pending", pending, total)
}

func chaseBody(pending []domain.Record, total int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<p>%d of %d portfolio updates are still pending this cycle:</p>", len(pending), total)
	b.WriteString(recordList(pending))
	b.WriteString("<p>Please give the owners above a push.</p>")
	return b.String()
}

func reviewSubject(completed, total int) string {
	return fmt.Sprintf("Review: %d/%d portfolio updates complete", completed, total)
}

func reviewBody(completed, pending []domain.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<p>Status this cycle: %d/%d complete.</p>", len(completed), len(completed)+len(pending))
	b.WriteString("<h3>Complete</h3>")
	if len(completed) == 0 {
		b.WriteString("<p>None yet.</p>")
	} else {
		b.WriteString(recordList(completed))
	}
	b.WriteString("<h3>Pending</h3>")
	if len(pending) == 0 {
		b.WriteString("<p>Nothing outstanding.</p>")
	} else {
		b.WriteString(recordList(pending))
	}
	return b.String()
}

func finalSubject(rate, completed, total int) string {
	if total > 0 && completed == total {
		return "Final report: all portfolio updates are in"
	}
	return fmt.Sprintf("Final report: %d%% of portfolio updates complete", rate)
}

func finalBody(rate int, completed, pending []domain.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<p>End of cycle: %d of %d updates in (%d%%).</p>",
		len(completed), len(completed)+len(pending), rate)
	if len(pending) > 0 {
		b.WriteString("<h3>Missing</h3>")
		b.WriteString(recordList(pending))
	} else {
		b.WriteString("<p>Nothing missing this week.</p>")
	}
	return b.String()
}

func recordList(recs []domain.Record) string {
	var b strings.Builder
	b.WriteString("<ul>")
	for _, rec := range recs {
		fmt.Fprintf(&b, "<li>%s (%s)</li>", html.EscapeString(rec.Name), html.EscapeString(rec.Owner))
	}
	b.WriteString("</ul>")
	return b.String()
}
