package orchestrator

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/ShayCichocki/bildir/pkg/models"
)

// rawDecision is the wire shape of a reply. Unknown fields are rejected so
// anything outside the three shapes fails at the boundary.
type rawDecision struct {
	Action        *string `json:"action"`
	TargetSession *string `json:"target_session"`
	Prompt        *string `json:"prompt"`
	Question      *string `json:"question"`
	Reason        *string `json:"reason"`
}

// ParseDecision turns a decision maker reply into a Decision.
//
// The reply may wrap the object in prose or a code fence, but it must hold
// exactly one top-level JSON object. Targets are checked against the
// orchestrator's managed sessions; an ask_human without a target is
// attributed to trigger.
func ParseDecision(raw string, o *models.Orchestrator, trigger string) (models.Decision, error) {
	obj, err := extractObject(raw)
	if err != nil {
		return models.Decision{}, err
	}

	dec := json.NewDecoder(bytes.NewReader(obj))
	dec.DisallowUnknownFields()
	var rd rawDecision
	if err := dec.Decode(&rd); err != nil {
		return models.Decision{}, &DecisionParseError{Raw: raw, Reason: err.Error()}
	}
	if rd.Action == nil {
		return models.Decision{}, &DecisionParseError{Raw: raw, Reason: "missing action"}
	}

	action := models.Action(strings.TrimSpace(*rd.Action))
	switch action {
	case models.ActionWait:
		if rd.TargetSession != nil || rd.Prompt != nil || rd.Question != nil {
			return models.Decision{}, &DecisionParseError{Raw: raw, Reason: "wait takes only a reason"}
		}
		return models.Wait(deref(rd.Reason)), nil

	case models.ActionInjectPrompt:
		if rd.Question != nil {
			return models.Decision{}, &DecisionParseError{Raw: raw, Reason: "inject_prompt does not take a question"}
		}
		prompt := strings.TrimSpace(deref(rd.Prompt))
		if prompt == "" {
			return models.Decision{}, &DecisionParseError{Raw: raw, Reason: "inject_prompt requires a prompt"}
		}
		target := strings.TrimSpace(deref(rd.TargetSession))
		if target == "" || !o.Manages(target) {
			return models.Decision{}, &InvalidTargetSession{Action: action, Target: target}
		}
		d := models.Inject(target, prompt)
		d.Reason = deref(rd.Reason)
		return d, nil

	case models.ActionAskHuman:
		if rd.Prompt != nil {
			return models.Decision{}, &DecisionParseError{Raw: raw, Reason: "ask_human does not take a prompt"}
		}
		question := strings.TrimSpace(deref(rd.Question))
		if question == "" {
			return models.Decision{}, &DecisionParseError{Raw: raw, Reason: "ask_human requires a question"}
		}
		target := strings.TrimSpace(deref(rd.TargetSession))
		if target == "" {
			target = trigger
		}
		if !o.Manages(target) {
			return models.Decision{}, &InvalidTargetSession{Action: action, Target: target}
		}
		d := models.AskHuman(target, question)
		d.Reason = deref(rd.Reason)
		return d, nil

	default:
		return models.Decision{}, &DecisionParseError{Raw: raw, Reason: "unknown action " + strings.TrimSpace(*rd.Action)}
	}
}

// extractObject returns the only balanced top-level JSON object in s.
func extractObject(s string) ([]byte, error) {
	var found []byte
	i := 0
	for i < len(s) {
		start := strings.IndexByte(s[i:], '{')
		if start < 0 {
			break
		}
		start += i
		end := matchBrace(s, start)
		if end < 0 {
			return nil, &DecisionParseError{Raw: s, Reason: "unbalanced JSON object"}
		}
		if found != nil {
			return nil, &DecisionParseError{Raw: s, Reason: "more than one JSON object"}
		}
		found = []byte(s[start : end+1])
		i = end + 1
	}
	if found == nil {
		return nil, &DecisionParseError{Raw: s, Reason: "no JSON object"}
	}
	return found, nil
}

// matchBrace returns the index of the brace closing the one at open,
// skipping braces inside strings, or -1.
func matchBrace(s string, open int) int {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
