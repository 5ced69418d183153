package models

// Action is the discriminator of a Decision.
type Action string

const (
	// ActionInjectPrompt sends a prompt to a managed session.
	ActionInjectPrompt Action = "inject_prompt"
	// ActionWait does nothing until the next trigger.
	ActionWait Action = "wait"
	// ActionAskHuman escalates a question to a human.
	ActionAskHuman Action = "ask_human"
)

// Valid returns true if the action is one of the three decision shapes.
func (a Action) Valid() bool {
	switch a {
	case ActionInjectPrompt, ActionWait, ActionAskHuman:
		return true
	default:
		return false
	}
}

// Decision is the output of one supervisory reasoning step.
// Only the fields relevant to Action are set.
type Decision struct {
	Action        Action `json:"action"`
	TargetSession string `json:"target_session,omitempty"`
	Prompt        string `json:"prompt,omitempty"`
	Question      string `json:"question,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Wait returns a wait decision carrying reason.
func Wait(reason string) Decision {
	return Decision{Action: ActionWait, Reason: reason}
}

// Inject returns an inject_prompt decision.
func Inject(target, prompt string) Decision {
	return Decision{Action: ActionInjectPrompt, TargetSession: target, Prompt: prompt}
}

// AskHuman returns an ask_human decision.
func AskHuman(target, question string) Decision {
	return Decision{Action: ActionAskHuman, TargetSession: target, Question: question}
}
