package llm

// Action is the closed set of outcomes the assistant can select. The
// model returns an open-ended string; ParseAction maps anything outside
// this set to message-taking rather than silently ignoring it.
type Action string

const (
	ActionAnswerFact   Action = "answer_fact"
	ActionSchedule     Action = "schedule"
	ActionTakeMessage  Action = "take_message"
	ActionRouteToHuman Action = "route_to_human"
	ActionEscalate     Action = "escalate"
	ActionNone         Action = "none"
)

var knownActions = map[string]Action{
	string(ActionAnswerFact):   ActionAnswerFact,
	string(ActionSchedule):     ActionSchedule,
	string(ActionTakeMessage):  ActionTakeMessage,
	string(ActionRouteToHuman): ActionRouteToHuman,
	string(ActionEscalate):     ActionEscalate,
	string(ActionNone):         ActionNone,

	// Aliases seen from models prompted with older schema names.
	"answer_faq":           ActionAnswerFact,
	"schedule_appointment": ActionSchedule,
	"no_action":            ActionNone,
}

// ParseAction resolves a model-chosen action string. Unknown actions fall
// back to take_message so the caller always gets a usable outcome.
func ParseAction(raw string) Action {
	if a, ok := knownActions[raw]; ok {
		return a
	}
	return ActionTakeMessage
}

// ActionSchemaPrompt describes the reply format the model must produce.
// It is appended to every system prompt.
const ActionSchemaPrompt = `Respond with a single JSON object, no other text:
{"action": "<answer_fact|schedule|take_message|route_to_human|escalate|none>",
 "reply": "<what to say to the caller, one or two short sentences>",
 "args": {<action-specific parameters, may be empty>}}`
