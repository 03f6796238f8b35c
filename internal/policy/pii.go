package policy

import "regexp"

// PIIKind names one class of personally identifiable information the
// redactor detects.
type PIIKind string

// Detected PII kinds, in detection order.
const (
	PIIPhoneUS           PIIKind = "PHONE_US"
	PIIEmail             PIIKind = "EMAIL"
	PIISSN               PIIKind = "SSN"
	PIICreditCardLike    PIIKind = "CREDIT_CARD_LIKE"
	PIIStreetAddressLike PIIKind = "STREET_ADDRESS_LIKE"
	PIIIP                PIIKind = "IP"
)

// RedactionMode selects what the redactor does with a detection.
type RedactionMode string

// Redaction modes.
const (
	// RedactionModeRedact replaces each detected span with a
	// [KIND_REDACTED] token and yields a rewrite decision.
	RedactionModeRedact RedactionMode = "redact"

	// RedactionModeFlag records the detection without altering the text.
	RedactionModeFlag RedactionMode = "flag"
)

type piiDetector struct {
	kind PIIKind
	re   *regexp.Regexp
}

// piiDetectors run in this order. Phone runs before credit card so that a
// separated card number cannot be half-claimed by the looser phone shape;
// every digit-led alternative requires its full digit count between word
// boundaries. The parenthesized form carries no leading \b because a
// boundary never precedes "(".
var piiDetectors = []piiDetector{
	{PIIPhoneUS, regexp.MustCompile(`(?:\+?1[-. ])?\(\d{3}\)[-. ]?\d{3}[-. ]\d{4}\b|\b(?:\+?1[-. ])?\d{3}[-. ]\d{3}[-. ]\d{4}\b|\b\d{10}\b`)},
	{PIIEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{PIISSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{PIICreditCardLike, regexp.MustCompile(`\b\d(?:[-. ]?\d){12,15}\b`)},
	{PIIStreetAddressLike, regexp.MustCompile(`\b\d{1,5}\s+(?:[A-Za-z]+\s+){1,3}(?i:street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct|place|pl|way)\b`)},
	{PIIIP, regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
}

// Redactor detects PII in utterances and, depending on its mode, rewrites
// the detected spans. Safe for concurrent use; it is read-only after
// construction.
type Redactor struct {
	mode RedactionMode
}

// NewRedactor returns a redactor in the given mode. Anything other than
// RedactionModeFlag behaves as RedactionModeRedact.
func NewRedactor(mode RedactionMode) *Redactor {
	if mode != RedactionModeFlag {
		mode = RedactionModeRedact
	}
	return &Redactor{mode: mode}
}

// Detect returns the PII kinds present in text, in detection order, each
// kind at most once.
func (r *Redactor) Detect(text string) []PIIKind {
	var kinds []PIIKind
	for _, d := range piiDetectors {
		if d.re.MatchString(text) {
			kinds = append(kinds, d.kind)
		}
	}
	return kinds
}

// Redact replaces every detected span with a [KIND_REDACTED] token and
// returns the rewritten text plus the kinds found. Detectors run
// sequentially, so a span consumed by an earlier kind is invisible to later
// ones.
func (r *Redactor) Redact(text string) (string, []PIIKind) {
	var kinds []PIIKind
	out := text
	for _, d := range piiDetectors {
		if !d.re.MatchString(out) {
			continue
		}
		out = d.re.ReplaceAllString(out, "["+string(d.kind)+"_REDACTED]")
		kinds = append(kinds, d.kind)
	}
	return out, kinds
}

// check runs the configured mode over text. A clean text yields an allow
// with severity 0.
func (r *Redactor) check(text string) checkResult {
	var kinds []PIIKind
	var rewritten string
	if r.mode == RedactionModeFlag {
		kinds = r.Detect(text)
	} else {
		rewritten, kinds = r.Redact(text)
	}
	if len(kinds) == 0 {
		return checkResult{check: checkPII, decision: DecisionAllow}
	}

	res := checkResult{
		check:    checkPII,
		decision: DecisionAllow,
		severity: 1,
		reasons:  make([]string, 0, len(kinds)+1),
	}
	res.reasons = append(res.reasons, ReasonPIIDetected)
	for _, k := range kinds {
		res.reasons = append(res.reasons, "PII:"+string(k))
	}
	if r.mode == RedactionModeRedact {
		res.decision = DecisionRewrite
		res.safeRewrite = rewritten
	}
	return res
}
