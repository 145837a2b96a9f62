package intelligence

import "strings"

// Forbidden reply patterns. A generated reply containing any of these is
// replaced with the canned line for its intent: occupancy-confirming phrases,
// credential echoes, and shell-injection indicators.
var forbiddenPatterns = []string{
	// Occupancy confirmation or denial.
	"no one is home",
	"nobody is home",
	"nobody's home",
	"not at home",
	"is at home",
	"home alone",
	"away right now",
	"out of town",
	"on vacation",
	// Credential echoes.
	"otp",
	"password",
	"passcode",
	"pin code",
	"verification code",
	// Shell-injection indicators.
	"$(",
	"`",
	"&&",
	"||",
	";rm",
	"; rm",
}

// filterReply checks text against the forbidden patterns. It returns the text
// unchanged and false when clean, or the original text and true when a
// pattern matched; the caller substitutes the canned line.
func filterReply(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, p := range forbiddenPatterns {
		if strings.Contains(lower, p) {
			return text, true
		}
	}
	return text, false
}
