package brain

import "strings"

// Mood labels match the expression set the nobu endpoint can render.
const (
	MoodNeutral  = "neutral"
	MoodHappy    = "happy"
	MoodSad      = "sad"
	MoodExcited  = "excited"
	MoodThinking = "thinking"
	MoodSleepy   = "sleepy"
)

var moodKeywords = map[string][]string{
	MoodHappy: {
		"glad", "happy", "great", "wonderful", "nice", "thanks", "thank you",
		"love", "enjoy", "good news", "haha", "fun", "awesome",
	},
	MoodSad: {
		"sad", "sorry", "unfortunately", "miss you", "lonely", "upset",
		"cry", "hurt", "bad news", "regret", "afraid",
	},
	MoodExcited: {
		"amazing", "incredible", "can't wait", "cant wait", "wow", "exciting",
		"fantastic", "let's go", "lets go", "unbelievable", "brilliant",
	},
	MoodThinking: {
		"hmm", "let me think", "consider", "maybe", "not sure", "depends",
		"interesting question", "on one hand", "i wonder",
	},
	MoodSleepy: {
		"good night", "goodnight", "sleepy", "tired", "rest", "bedtime",
		"sweet dreams", "yawn",
	},
}

// ClassifyMood derives a mood tag from the assistant utterance, falling back
// to the user's utterance when the reply itself is flat. Used when the
// upstream responder does not tag its own replies.
func ClassifyMood(userText, replyText string) string {
	if mood := scoreMood(replyText); mood != MoodNeutral {
		return mood
	}
	return scoreMood(userText)
}

func scoreMood(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return MoodNeutral
	}

	best := MoodNeutral
	bestScore := 0
	for _, mood := range []string{MoodHappy, MoodSad, MoodExcited, MoodThinking, MoodSleepy} {
		score := 0
		for _, kw := range moodKeywords[mood] {
			if strings.Contains(normalized, kw) {
				score += 3
			}
		}
		if score > bestScore {
			best = mood
			bestScore = score
		}
	}

	if bestScore == 0 && strings.Count(text, "!") >= 2 {
		return MoodExcited
	}
	return best
}
