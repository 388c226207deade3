package subscription

import "strings"

// Carrier-level keywords that re-enable delivery regardless of the
// configured subscribe keyword.
var networkSubscribe = []string{"start", "unstop"}

type Keywords struct {
	Subscribe   string
	Unsubscribe string
}

// Prior is the stored state of the sender before the message arrived.
type Prior struct {
	Exists bool
	Active bool
}

// Decision is the outcome of applying one inbound message to Prior.
//
// Create is set when no subscriber exists yet; Active is then the initial
// state. Otherwise Changed reports whether Active must be persisted.
type Decision struct {
	Create  bool
	Active  bool
	Changed bool
	Confirm bool
}

type intent int

const (
	intentNone intent = iota
	intentSubscribe
	intentUnsubscribe
)

// Evaluate maps the prior state and the raw message text to a decision.
// It has no side effects.
func Evaluate(prior Prior, text string, kw Keywords) Decision {
	in := classify(text, kw)

	if !prior.Exists {
		return Decision{Create: true, Active: in == intentSubscribe}
	}

	switch in {
	case intentSubscribe:
		return Decision{
			Active:  true,
			Changed: !prior.Active,
			Confirm: !prior.Active,
		}
	case intentUnsubscribe:
		return Decision{Active: false, Changed: prior.Active}
	default:
		return Decision{Active: prior.Active}
	}
}

func classify(text string, kw Keywords) intent {
	body := strings.ToLower(strings.TrimSpace(text))
	if body == "" {
		return intentNone
	}

	if sub := strings.ToLower(strings.TrimSpace(kw.Subscribe)); sub != "" && body == sub {
		return intentSubscribe
	}
	for _, k := range networkSubscribe {
		if body == k {
			return intentSubscribe
		}
	}
	if unsub := strings.ToLower(strings.TrimSpace(kw.Unsubscribe)); unsub != "" && body == unsub {
		return intentUnsubscribe
	}
	return intentNone
}
