package perception

import (
	"strings"

	"github.com/dwarpal/dwarpal/internal/agent"
)

// Emotion vocabulary, English plus romanized Hindi. Matching is substring
// based on the lowercased normalized transcript; aggression wins over
// distress.
var (
	aggressiveKeywords = []string{
		"angry", "open the door", "break", "smash", "kill",
		"threat", "hit", "punch", "attack", "fight",
		"dekh lena", "todenge", "maar", "kholiye warna", "warna",
		"dhamki", "peetna", "chaku", "goli", "maarunga",
		"jaan se", "barbad", "khatam", "darwaza tod",
	}
	distressedKeywords = []string{
		"help", "emergency", "accident", "fire", "ambulance",
		"hospital", "blood", "hurt", "injured",
		"lost", "missing", "scared", "afraid", "please",
		"bachao", "madad", "aag lagi", "kho gayi",
		"mummy kho", "daddy kho", "dard", "chot", "gir gaya",
		"ro raha", "khoon", "kripya",
	}
)

func inferEmotion(normalized string) agent.Emotion {
	text := strings.ToLower(strings.TrimSpace(normalized))
	if text == "" {
		return agent.EmotionNeutral
	}
	for _, kw := range aggressiveKeywords {
		if strings.Contains(text, kw) {
			return agent.EmotionAggressive
		}
	}
	for _, kw := range distressedKeywords {
		if strings.Contains(text, kw) {
			return agent.EmotionDistressed
		}
	}
	return agent.EmotionNeutral
}

// Context-flag vocabulary for common Indian doorstep scenarios.
var (
	deliveryWords = []string{"delivery", "parcel", "package", "courier", "amazon", "flipkart", "dhl"}

	packageLabels = map[string]bool{
		"backpack": true, "suitcase": true, "handbag": true,
		"box": true, "package": true, "bag": true,
	}

	otpPhrases = []string{"otp", "verification code", "verify karna", "code bata"}

	occupancyPhrases = []string{
		"koi ghar pe", "koi hai", "anyone home", "is anyone",
		"ghar pe hai", "kaun hai ghar", "owner hai kya",
	}

	entryPhrases = []string{
		"andar aana", "andar aane", "let me in", "open the door",
		"darwaza khol", "gate khol", "lift use", "building mein",
		"enter", "come inside",
	}

	financialPhrases = []string{
		"upi", "qr scan", "bank", "account number", "paisa",
		"rupees", "payment", "transfer", "refund", "cod",
		"change milega", "paise", "cash",
	}

	identityPhrases = []string{
		"owner ne bola", "relative hoon", "chacha hoon", "mama hoon",
		"friend hoon", "personally jaanta", "i know the owner",
		"unke bete", "unki wife", "ghar wale", "family member",
	}

	authorityPhrases = []string{
		"police", "government", "court", "legal notice", "tax",
		"aadhaar", "kyc", "bijli", "electricity", "gas",
		"water board", "meter reading", "inspection", "verification",
	}

	staffPhrases = []string{
		"kaam karungi", "kaam karta", "bai", "maid", "cook",
		"driver", "chaabi", "keys", "kaam wali", "safai",
		"purani bai", "replacement",
	}

	donationPhrases = []string{
		"chanda", "donation", "mandir", "temple", "masjid",
		"church", "gurudwara", "havan", "puja", "bhagwan",
		"society collection", "ganpati", "durga",
	}
)

// Context flag names attached to a PerceptionReport.
const (
	FlagClaimObjectMismatch = "claim_object_mismatch"
	FlagOTPRequest          = "otp_request"
	FlagOccupancyProbe      = "occupancy_probe"
	FlagEntryRequest        = "entry_request"
	FlagFinancialRequest    = "financial_request"
	FlagIdentityClaim       = "identity_claim"
	FlagAuthorityClaim      = "authority_claim"
	FlagStaffClaim          = "staff_claim"
	FlagDonationRequest     = "donation_request"
	FlagMultiPerson         = "multi_person"
)

// detectContextFlags cross-checks the transcript against the detected objects
// for mismatches and known doorstep risk signals.
func detectContextFlags(normalized string, objects []agent.ObjectDetection, personDetected bool, numPersons int) []string {
	var flags []string
	text := strings.ToLower(normalized)

	objLabels := make(map[string]bool, len(objects))
	for _, o := range objects {
		objLabels[strings.ToLower(o.Label)] = true
	}

	// Delivery claim with no visible package.
	if containsAny(text, deliveryWords) && personDetected {
		hasPackage := false
		for label := range packageLabels {
			if objLabels[label] {
				hasPackage = true
				break
			}
		}
		if !hasPackage {
			flags = append(flags, FlagClaimObjectMismatch)
		}
	}

	if containsAny(text, otpPhrases) {
		flags = append(flags, FlagOTPRequest)
	}
	if containsAny(text, occupancyPhrases) {
		flags = append(flags, FlagOccupancyProbe)
	}
	if containsAny(text, entryPhrases) {
		flags = append(flags, FlagEntryRequest)
	}
	if containsAny(text, financialPhrases) {
		flags = append(flags, FlagFinancialRequest)
	}
	if containsAny(text, identityPhrases) {
		flags = append(flags, FlagIdentityClaim)
	}
	if containsAny(text, authorityPhrases) {
		flags = append(flags, FlagAuthorityClaim)
	}
	if containsAny(text, staffPhrases) {
		flags = append(flags, FlagStaffClaim)
	}
	if containsAny(text, donationPhrases) {
		flags = append(flags, FlagDonationRequest)
	}
	if numPersons > 1 {
		flags = append(flags, FlagMultiPerson)
	}

	return flags
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
