package policy

import (
	"log/slog"
	"regexp"
	"strings"
)

// Category names one moderation category.
type Category string

// Moderation categories, in match order. The first matching category wins.
const (
	CategoryJailbreak       Category = "JAILBREAK"
	CategoryViolenceThreats Category = "VIOLENCE_THREATS"
	CategorySelfHarm        Category = "SELF_HARM"
	CategoryHateSpeech      Category = "HATE_SPEECH"
	CategoryIllegalActivity Category = "ILLEGAL_ACTIVITY"
	CategoryExplicitContent Category = "EXPLICIT_CONTENT"
	CategoryHarassment      Category = "HARASSMENT"
)

type categoryRule struct {
	category     Category
	decision     Decision
	severity     int
	disclaimerID string
	patterns     []*regexp.Regexp
}

// categoryRules is the ordered rule table. Refusals at severity 4 are
// upgraded to cancel_output by the override controller; escalations are
// routed to a human regardless of severity.
var categoryRules = []categoryRule{
	{
		category: CategoryJailbreak,
		decision: DecisionRefuse,
		severity: 4,
		patterns: compilePatterns(
			`(?i)\bignore (?:all |your |any )?(?:previous|prior|earlier) (?:instructions|rules|guidelines|prompts)\b`,
			`(?i)\bdisregard (?:your|all|the) (?:instructions|rules|system prompt)\b`,
			`(?i)\b(?:jailbreak|developer mode)\b`,
			`(?i)\bpretend (?:you are|you're|to be) (?:not )?(?:an? )?(?:ai|assistant|human)\b`,
		),
	},
	{
		category: CategoryViolenceThreats,
		decision: DecisionEscalate,
		severity: 4,
		patterns: compilePatterns(
			`(?i)\bi(?:'m| am) going to (?:kill|hurt|attack|shoot|stab)\b`,
			`(?i)\bi(?:'ll| will) (?:kill|hurt|attack|shoot|stab) (?:you|him|her|them)\b`,
			`(?i)\b(?:bomb|shooting) threat\b`,
			`(?i)\bthreaten(?:ing)? to (?:kill|hurt|attack)\b`,
		),
	},
	{
		category:     CategorySelfHarm,
		decision:     DecisionEscalate,
		severity:     4,
		disclaimerID: "self_harm_resources",
		patterns: compilePatterns(
			`(?i)\b(?:kill|hurt|harm) myself\b`,
			`(?i)\bsuicid(?:e|al)\b`,
			`(?i)\bself[- ]harm\b`,
			`(?i)\bend my (?:own )?life\b`,
		),
	},
	{
		category: CategoryHateSpeech,
		decision: DecisionRefuse,
		severity: 4,
		patterns: compilePatterns(
			`(?i)\ball \w+ (?:people )?(?:should|deserve to) die\b`,
			`(?i)\bgo back to (?:your|their) country\b`,
			`(?i)\bsubhuman\b`,
		),
	},
	{
		category: CategoryIllegalActivity,
		decision: DecisionRefuse,
		severity: 4,
		patterns: compilePatterns(
			`(?i)\bhow to (?:make|build|cook) (?:a )?(?:bomb|pipe bomb|explosives?|meth)\b`,
			`(?i)\b(?:buy|sell|where to get) (?:illegal drugs|stolen (?:goods|cards))\b`,
			`(?i)\blaunder(?:ing)? money\b`,
			`(?i)\bsteal (?:a car|credit cards?|identit(?:y|ies))\b`,
		),
	},
	{
		category: CategoryExplicitContent,
		decision: DecisionRefuse,
		severity: 3,
		patterns: compilePatterns(
			`(?i)\b(?:explicit|graphic) sex(?:ual)?\b`,
			`(?i)\bporn(?:ography)?\b`,
			`(?i)\bnude (?:photo|picture|image)s?\b`,
		),
	},
	{
		category: CategoryHarassment,
		decision: DecisionRefuse,
		severity: 3,
		patterns: compilePatterns(
			`(?i)\byou(?:'re| are) (?:an? )?(?:idiot|moron|loser|worthless|pathetic)\b`,
			`(?i)\bnobody (?:likes|wants) you\b`,
			`(?i)\bkill yourself\b`,
		),
	},
}

func compilePatterns(exprs ...string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(exprs))
	for i, expr := range exprs {
		res[i] = regexp.MustCompile(expr)
	}
	return res
}

// ValidCategory reports whether name is a known moderation category.
// Matching is case-insensitive.
func ValidCategory(name string) bool {
	c := Category(strings.ToUpper(strings.TrimSpace(name)))
	for _, r := range categoryRules {
		if r.category == c {
			return true
		}
	}
	return false
}

// Moderator matches utterances against the ordered category rule table.
// Read-only after construction, safe for concurrent use.
type Moderator struct {
	rules []categoryRule
}

// NewModerator returns a moderator restricted to the named categories. An
// empty list enables every category; unknown names are skipped with a
// warning.
func NewModerator(categories []string) *Moderator {
	if len(categories) == 0 {
		return &Moderator{rules: categoryRules}
	}
	want := make(map[Category]bool, len(categories))
	for _, name := range categories {
		c := Category(strings.ToUpper(strings.TrimSpace(name)))
		if !ValidCategory(string(c)) {
			slog.Warn("unknown moderation category", "category", name)
			continue
		}
		want[c] = true
	}
	var rules []categoryRule
	for _, r := range categoryRules {
		if want[r.category] {
			rules = append(rules, r)
		}
	}
	return &Moderator{rules: rules}
}

// check returns the first matching category's verdict, or a clean allow.
func (m *Moderator) check(text string) checkResult {
	for _, rule := range m.rules {
		for _, re := range rule.patterns {
			if re.MatchString(text) {
				return checkResult{
					check:        checkModeration,
					decision:     rule.decision,
					severity:     rule.severity,
					reasons:      []string{ReasonModerationViolation, "MODERATION:" + string(rule.category)},
					disclaimerID: rule.disclaimerID,
				}
			}
		}
	}
	return checkResult{check: checkModeration, decision: DecisionAllow}
}
