// Package goodbye recognises farewell intent in outgoing chat text.
package goodbye

import "strings"

// phrases are matched as lower-case substrings, so "bye" also covers
// "goodbye" and "bye bye". A farewell anywhere in the message counts.
var phrases = []string{
	// English
	"bye",
	"see you later",
	"see ya",
	"talk to you later",
	"ttyl",
	"gotta go",
	"good night",
	"thanks for helping",
	"thank you for helping",
	"thanks for your help",
	"thank you for your help",
	"thanks for listening",
	"thank you so much",

	// Malayalam
	"നന്ദി",
	"പോയി വരാം",
	"പിന്നെ കാണാം",
	"ശുഭരാത്രി",

	// Hindi
	"धन्यवाद",
	"शुक्रिया",
	"अलविदा",
	"फिर मिलेंगे",
	"शुभ रात्रि",
}

// IsGoodbye reports whether text contains a farewell phrase.
func IsGoodbye(text string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return false
	}
	for _, p := range phrases {
		if strings.Contains(normalized, p) {
			return true
		}
	}
	return false
}

var farewells = []string{
	"Take care of yourself okay? I'm always here when you need to talk 💜",
	"Bye for now! Drink some water and be gentle with yourself today 💜",
	"Okay bestie, go rest. Proud of you for showing up today ✨",
	"Talk soon! Remember, one small thing at a time 💜",
	"Sending you a big hug. Come back anytime, no judgment ever 💜",
}

// Farewell returns one of the farewell acknowledgements. pick receives the
// number of choices and returns an index; out of range values are clamped.
func Farewell(pick func(n int) int) string {
	i := 0
	if pick != nil {
		i = pick(len(farewells))
	}
	if i < 0 || i >= len(farewells) {
		i = 0
	}
	return farewells[i]
}
