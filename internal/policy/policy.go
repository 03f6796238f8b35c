// Package policy implements lane C: the safety pipeline that evaluates
// every finalized utterance flowing through a session.
//
// The pipeline order is fixed. A PII redactor runs first, then the
// moderator, then (for assistant text only) the claims checker. Each check
// produces a decision with a severity; the most severe decision wins, with
// ties resolved in favor of the earlier check. When the winning decision is
// a refusal at or above the cancel-output threshold, the override
// controller upgrades it to cancel_output so the session runtime can cut
// the response and hand the speaker to the fallback lane.
//
// Every evaluation emits policy.decision and control.audit on the session
// bus; overrides additionally emit control.override. All emissions carry
// source laneC, which downstream consumers use to reject spoofed policy
// events.
package policy

// Decision is a policy verdict for one utterance.
type Decision string

// Policy decisions, mildest first.
const (
	DecisionAllow        Decision = "allow"
	DecisionRewrite      Decision = "rewrite"
	DecisionRefuse       Decision = "refuse"
	DecisionEscalate     Decision = "escalate"
	DecisionCancelOutput Decision = "cancel_output"
)

// Role tags whose utterance is being evaluated.
type Role string

// Utterance roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Reason codes attached to decisions. Detector- and category-specific
// reasons use the "PII:<KIND>" and "MODERATION:<CATEGORY>" forms.
const (
	ReasonPIIDetected         = "PII_DETECTED"
	ReasonModerationViolation = "MODERATION_VIOLATION"
	ReasonClaimsDisallowed    = "CLAIMS_DISALLOWED"
)

// FallbackRefusePolitely is the fallback mode attached to cancel_output
// decisions.
const FallbackRefusePolitely = "refuse_politely"

// Pipeline check names as recorded in checksRun.
const (
	checkPII        = "pii"
	checkModeration = "moderation"
	checkClaims     = "claims"
)

// Result is the full decision record for one evaluation.
type Result struct {
	// Decision is the effective verdict, after any override.
	Decision Decision

	// ReasonCodes collects the reasons from every check that flagged the
	// utterance, in pipeline order.
	ReasonCodes []string

	// Severity is the winning check's severity, 0 to 4.
	Severity int

	// SafeRewrite is the replacement text for rewrite decisions, empty
	// otherwise.
	SafeRewrite string

	// RequiredDisclaimerID names a disclaimer the response must carry,
	// empty when none applies.
	RequiredDisclaimerID string

	// FallbackMode is set on cancel_output decisions.
	FallbackMode string

	// ChecksRun lists the checks that executed, in pipeline order.
	ChecksRun []string
}

// checkResult is the outcome of a single pipeline check.
type checkResult struct {
	check        string
	decision     Decision
	severity     int
	reasons      []string
	safeRewrite  string
	disclaimerID string
}
