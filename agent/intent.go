package agent

import (
	"slices"
	"strings"

	"github.com/tidwall/gjson"
)

// Intent is the classified purpose of a user message.
type Intent string

const (
	IntentGreeting        Intent = "greeting"
	IntentQuestion        Intent = "question"
	IntentSharingFeelings Intent = "sharing_feelings"
	IntentSeekingComfort  Intent = "seeking_comfort"
	IntentSmallTalk       Intent = "small_talk"
	IntentGoodbye         Intent = "goodbye"
	IntentOther           Intent = "other"
	// IntentUnclassified is used whenever the classifier output is unusable.
	IntentUnclassified Intent = "unclassified"
)

var knownIntents = []Intent{
	IntentGreeting, IntentQuestion, IntentSharingFeelings, IntentSeekingComfort,
	IntentSmallTalk, IntentGoodbye, IntentOther,
}

var knownMoods = []string{"happy", "sad", "anxious", "neutral", "excited", "angry", "tired"}

// Route selects the reply branch.
type Route int

const (
	RouteNormal Route = iota
	RouteSpecial
)

// Analysis is the typed classifier result.
type Analysis struct {
	Intent       Intent
	Mood         string
	Urgency      string
	NeedsComfort bool
	Topics       []string
}

// Unclassified is the fallback analysis.
func Unclassified() Analysis {
	return Analysis{Intent: IntentUnclassified, Mood: "neutral", Urgency: "low"}
}

// ParseAnalysis reads the classifier output. Anything that is not a JSON
// object with a known intent yields Unclassified; unknown moods fall back to
// neutral.
func ParseAnalysis(raw string) Analysis {
	obj := jsonObject(raw)
	if obj == "" {
		return Unclassified()
	}
	res := gjson.Parse(obj)
	intent := Intent(strings.ToLower(strings.TrimSpace(res.Get("intent").String())))
	if !slices.Contains(knownIntents, intent) {
		return Unclassified()
	}
	a := Analysis{
		Intent:       intent,
		Mood:         strings.ToLower(res.Get("mood").String()),
		Urgency:      strings.ToLower(res.Get("urgency").String()),
		NeedsComfort: res.Get("needs_comfort").Bool(),
	}
	if !slices.Contains(knownMoods, a.Mood) {
		a.Mood = "neutral"
	}
	if a.Urgency == "" {
		a.Urgency = "low"
	}
	for _, t := range res.Get("topics").Array() {
		if s := strings.TrimSpace(t.String()); s != "" {
			a.Topics = append(a.Topics, s)
		}
	}
	return a
}

// Route is total over every intent, Unclassified included.
func (a Analysis) Route() Route {
	switch a.Intent {
	case IntentSeekingComfort, IntentGoodbye:
		return RouteSpecial
	default:
		return RouteNormal
	}
}

// jsonObject extracts the outermost {...} span, tolerating code fences and
// surrounding prose.
func jsonObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	obj := raw[start : end+1]
	if !gjson.Valid(obj) {
		return ""
	}
	return obj
}
