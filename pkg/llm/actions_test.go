package llm

import "testing"

func TestParseActionKnown(t *testing.T) {
	cases := map[string]Action{
		"answer_fact":          ActionAnswerFact,
		"schedule":             ActionSchedule,
		"take_message":         ActionTakeMessage,
		"route_to_human":       ActionRouteToHuman,
		"escalate":             ActionEscalate,
		"none":                 ActionNone,
		"answer_faq":           ActionAnswerFact,
		"schedule_appointment": ActionSchedule,
	}
	for raw, want := range cases {
		if got := ParseAction(raw); got != want {
			t.Errorf("ParseAction(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestParseActionUnknownFallsBackToTakeMessage(t *testing.T) {
	for _, raw := range []string{"", "transfer_call", "ANSWER_FACT", "order_pizza"} {
		if got := ParseAction(raw); got != ActionTakeMessage {
			t.Errorf("ParseAction(%q) = %s, want take_message", raw, got)
		}
	}
}
