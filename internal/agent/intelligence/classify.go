package intelligence

import (
	"strings"
	"time"

	"github.com/dwarpal/dwarpal/internal/agent"
)

// Intent vocabulary, English plus romanized Hindi. Transcripts are normalized
// to Latin before matching; matching is case-folded and substring based.
var (
	threatVocab = []string{
		"angry", "break", "smash", "kill", "threat", "hit", "punch",
		"attack", "fight", "dekh lena", "todenge", "maar", "warna",
		"dhamki", "peetna", "chaku", "goli", "maarunga", "jaan se",
		"barbad", "khatam", "darwaza tod",
	}

	distressVocab = []string{
		"help", "emergency", "accident", "fire", "ambulance", "hospital",
		"blood", "hurt", "injured", "scared", "afraid",
		"bachao", "madad", "aag lagi", "dard", "chot", "gir gaya", "khoon",
	}

	scamVocab = []string{
		"otp", "verification code", "verify karna", "code bata",
		"upi", "qr scan", "bank", "account number", "refund",
		"kyc", "aadhaar",
	}

	occupancyVocab = []string{
		"koi ghar pe", "koi hai", "anyone home", "is anyone",
		"ghar pe hai", "kaun hai ghar", "owner hai kya",
	}

	identityVocab = []string{
		"owner ne bola", "owner told me", "i know the owner",
		"relative", "chacha hoon", "mama hoon", "friend hoon",
		"personally jaanta", "unke bete", "unki wife", "ghar wale",
		"family member",
	}

	entryVocab = []string{
		"open the door", "let me in", "unlock", "darwaza khol",
		"gate khol", "andar aana", "andar aane", "lift use",
		"building mein", "come inside",
	}

	governmentVocab = []string{
		"electricity", "bijli", "gas", "water board", "police",
		"tax", "inspection", "meter reading", "government", "sarkari",
		"court", "legal notice",
	}

	staffVocab = []string{
		"maid", "driver", "cook", "helper", "bai", "kaam wali",
		"kaam karungi", "kaam karta", "safai", "purani bai",
	}

	donationVocab = []string{
		"chanda", "donation", "mandir", "temple", "masjid", "church",
		"gurudwara", "havan", "puja", "ganpati", "durga",
		"society collection", "festival",
	}

	salesVocab = []string{
		"demo", "free demo", "offer", "policy", "insurance",
		"sales", "discount", "scheme", "subscription", "broadband",
	}

	childElderVocab = []string{
		"mummy", "papa", "school", "bacha", "dada", "dadi",
		"uncle", "aunty", "beta", "grandmother", "grandfather",
	}

	hydrationVocab = []string{
		"paani", "water", "thirsty", "pyaas",
	}

	lostVocab = []string{
		"lost", "missing", "kho gayi", "kho gaya", "raasta bhool",
	}

	deliveryVocab = []string{
		"package", "delivery", "parcel", "courier", "amazon",
		"flipkart", "dhl", "cod",
	}

	visitorVocab = []string{
		"owner", "meet", "appointment", "friend", "family",
		"milna", "speak", "talk",
	}
)

// packageLabels are the detector labels accepted as proof of a carried
// package.
var packageLabels = []string{"package", "box", "backpack", "suitcase", "handbag", "bag"}

func packageDetected(report agent.PerceptionReport) bool {
	for _, label := range packageLabels {
		if report.HasObject(label) {
			return true
		}
	}
	return false
}

// classifyIntent maps the normalized transcript to the first matching intent
// in priority order.
func classifyIntent(normalized string, report agent.PerceptionReport) agent.Intent {
	text := strings.ToLower(normalized)
	has := func(vocab []string) bool {
		for _, kw := range vocab {
			if strings.Contains(text, kw) {
				return true
			}
		}
		return false
	}

	switch {
	case has(threatVocab):
		return agent.IntentAggression
	case has(distressVocab):
		return agent.IntentHelp
	case has(scamVocab):
		return agent.IntentScamAttempt
	case has(occupancyVocab):
		return agent.IntentOccupancyProbe
	case has(identityVocab):
		return agent.IntentIdentityClaim
	case has(entryVocab):
		return agent.IntentEntryRequest
	case has(governmentVocab):
		return agent.IntentGovernmentClaim
	case has(staffVocab):
		return agent.IntentDomesticStaff
	case has(donationVocab):
		return agent.IntentReligiousDonation
	case has(salesVocab):
		// A visible package outweighs sales wording.
		if has(deliveryVocab) && packageDetected(report) {
			return agent.IntentDelivery
		}
		return agent.IntentSalesMarketing
	case has(childElderVocab) && (has(distressVocab) || has(hydrationVocab) || has(lostVocab)):
		return agent.IntentChildElderly
	case has(deliveryVocab):
		return agent.IntentDelivery
	case has(visitorVocab):
		return agent.IntentVisitor
	default:
		return agent.IntentUnknown
	}
}

// intentAdjustments are the additive risk deltas applied after the base term.
// Delivery is handled separately because its sign depends on whether a
// package is visible.
var intentAdjustments = map[agent.Intent]float64{
	agent.IntentScamAttempt:       0.50,
	agent.IntentAggression:        0.60,
	agent.IntentOccupancyProbe:    0.40,
	agent.IntentEntryRequest:      0.55,
	agent.IntentIdentityClaim:     0.25,
	agent.IntentGovernmentClaim:   0.30,
	agent.IntentReligiousDonation: 0,
	agent.IntentDomesticStaff:     0.15,
	agent.IntentVisitor:           0,
	agent.IntentUnknown:           0.10,
}

// scoreRisk computes the composite risk score and the escalation verdict.
func scoreRisk(normalized string, intent agent.Intent, report agent.PerceptionReport, now time.Time) (float64, bool) {
	risk := 0.5*(1-report.VisionConfidence) +
		0.3*report.AntiSpoofScore +
		0.2*report.Emotion.Weight()

	if intent == agent.IntentDelivery {
		if packageDetected(report) {
			risk -= 0.20
		} else {
			risk += 0.30
		}
	} else {
		risk += intentAdjustments[intent]
	}

	escalated := false

	if report.WeaponDetected {
		if risk < 0.75 {
			risk = 0.75
		}
		escalated = true
	}

	if hour := now.Hour(); hour >= 22 || hour < 5 {
		risk += 0.30
	}

	if containsEntryVocab(normalized) {
		risk += 0.20
		escalated = true
	}

	if risk < 0 {
		risk = 0
	}
	if risk > 1 {
		risk = 1
	}
	risk = round3(risk)

	if risk >= 0.7 {
		escalated = true
	}
	return risk, escalated
}

func containsEntryVocab(normalized string) bool {
	text := strings.ToLower(normalized)
	for _, kw := range entryVocab {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
