package guardian

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/psantana5/agent-guardian/pkg/models"
)

type severityRule struct {
	class    models.SeverityClass
	patterns []*regexp.Regexp
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(`(?i)` + e)
	}
	return out
}

// severityRules are checked in order; the first match wins
var severityRules = []severityRule{
	{models.SeverityCatastrophic, compile(
		`corrupt`,
		`data loss`,
		`unrecoverable`,
		`irrecoverable`,
		`no space left on device`,
		`disk (is )?full`,
		`checksum mismatch`,
		`integrity check failed`,
		`database disk image is malformed`,
	)},
	{models.SeverityConfiguration, compile(
		`api[ _-]?key`,
		`credential`,
		`unauthori[sz]ed`,
		`\b40[13]\b`,
		`forbidden`,
		`permission denied`,
		`authentication`,
		`(missing|unknown|unregistered) tool`,
		`tool .*not (found|available|registered)`,
		`not configured`,
		`(missing|unset) (env|environment|config)`,
		`environment variable`,
		`invalid (config|configuration|setting)`,
	)},
	{models.SeverityLogic, compile(
		`(key|type|value|attribute|index|name|syntax)error`,
		`traceback`,
		`nil pointer`,
		`index out of range`,
		`(invalid|malformed|unexpected) output`,
		`output format`,
		`(failed to|cannot|could not) parse`,
		`parse error`,
		`infinite loop`,
		`max(imum)? (iterations|steps|node visits)`,
		`recursion`,
		`assertion`,
	)},
	{models.SeverityTransient, compile(
		`time(d)? ?out`,
		`deadline exceeded`,
		`rate[ _-]?limit`,
		`too many requests`,
		`\b(429|502|503|504)\b`,
		`temporar(il)?y unavailable`,
		`service unavailable`,
		`connection (reset|refused|closed)`,
		`broken pipe`,
		`\beof\b`,
		`network`,
		`try again`,
		`throttl`,
		`overloaded`,
	)},
}

// Classify assigns a severity to the signal's error. Unmatched errors are logic failures.
func Classify(sig models.FailureSignal) models.SeverityClass {
	class, _ := classify(sig)
	return class
}

// classify also returns the pattern that decided the class
func classify(sig models.FailureSignal) (models.SeverityClass, string) {
	text := classificationText(sig)
	for _, rule := range severityRules {
		for _, re := range rule.patterns {
			if re.MatchString(text) {
				return rule.class, re.String()
			}
		}
	}
	return models.SeverityLogic, "default"
}

// classificationText is the error plus any error type the runtime recorded
func classificationText(sig models.FailureSignal) string {
	parts := []string{sig.Error}
	for _, key := range []string{"error_type", "exception"} {
		if v, ok := sig.Context[key]; ok {
			parts = append(parts, fmt.Sprint(v))
		}
	}
	return strings.Join(parts, "\n")
}
