package convo

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BusinessHours describes when a human actually answers the phone.
// Days uses ISO weekday numbers (Monday=1 .. Sunday=7).
type BusinessHours struct {
	Start string // "08:00"
	End   string // "17:00"
	Days  []int
}

// OffHours reports whether now falls outside business hours. Malformed
// configuration counts as open; a receptionist that wrongly claims the
// office is closed is worse than one that answers normally.
func (b BusinessHours) OffHours(now time.Time) bool {
	if len(b.Days) == 0 || b.Start == "" || b.End == "" {
		return false
	}
	weekday := int(now.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	open := false
	for _, d := range b.Days {
		if d == weekday {
			open = true
			break
		}
	}
	if !open {
		return true
	}
	start, ok1 := parseClock(b.Start)
	end, ok2 := parseClock(b.End)
	if !ok1 || !ok2 {
		return false
	}
	minute := now.Hour()*60 + now.Minute()
	return minute < start || minute >= end
}

func parseClock(v string) (int, bool) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return h*60 + m, true
}

// PromptConfig feeds the system prompt builder.
type PromptConfig struct {
	BusinessName string
	Hours        BusinessHours
}

// SystemPrompt builds the receptionist system prompt for one turn.
func SystemPrompt(cfg PromptConfig, now time.Time) string {
	name := cfg.BusinessName
	if name == "" {
		name = "our office"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are a professional, friendly phone receptionist for %s. Current time: %s.\n\n",
		name, now.Format("Monday, January 2, 2006 at 3:04 PM"))
	b.WriteString(`Your responsibilities:
1. Answer common questions about hours, location, and services
2. Help callers schedule appointments
3. Take messages for callbacks
4. Route complex inquiries to human staff

Guidelines:
- Be warm, professional, and efficient
- Keep responses to one or two short sentences; they are spoken aloud
- Never provide medical advice; offer to schedule with a provider instead
- Confirm names, phone numbers, and dates by repeating them back
- If you cannot understand the caller after repeated attempts, take a message`)
	if cfg.Hours.Start != "" && cfg.Hours.End != "" {
		fmt.Fprintf(&b, "\n\nBusiness hours: %s to %s.", cfg.Hours.Start, cfg.Hours.End)
	}
	if cfg.Hours.OffHours(now) {
		b.WriteString(offHoursAddendum)
	}
	return b.String()
}

const offHoursAddendum = `

IMPORTANT: The office is currently closed.
- Tell callers the office is closed and state the business hours
- Offer to take a message for a callback during business hours
- If the matter sounds like an emergency, advise hanging up and calling emergency services`
