// Package extract turns a session's free-form output into structured fields.
// The orchestration core treats the fields as opaque; nil means nothing could
// be extracted and is a valid outcome.
package extract

import (
	"regexp"
	"strings"
)

// Extractor is the pure extraction contract consumed by the executor.
type Extractor func(raw string) map[string]string

var (
	sellerRe  = regexp.MustCompile(`(?i)seller\s*[:：]\s*([^\n,，。]+)`)
	amountRes = map[string]*regexp.Regexp{
		"price":        regexp.MustCompile(`(?i)(?:unit |discounted |item )?price\s*[:：]?\s*[¥$]?\s*(\d+(?:\.\d+)?)`),
		"delivery_fee": regexp.MustCompile(`(?i)delivery fee\s*[:：]?\s*[¥$]?\s*(\d+(?:\.\d+)?)`),
		"pack_fee":     regexp.MustCompile(`(?i)pack(?:ag(?:e|ing))? fee\s*[:：]?\s*[¥$]?\s*(\d+(?:\.\d+)?)`),
		"total":        regexp.MustCompile(`(?i)(?:total|amount due)\s*[:：]?\s*[¥$]?\s*(\d+(?:\.\d+)?)`),
	}
	minimumRe = regexp.MustCompile(`(?i)minimum (?:order|spend)\s*[:：]?\s*[¥$]?\s*(\d+(?:\.\d+)?)`)
)

// Fields is the default extractor for the built-in shopping targets. It
// returns nil when the output contains no recognizable price information.
func Fields(raw string) map[string]string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	fields := make(map[string]string)
	for name, re := range amountRes {
		if m := re.FindStringSubmatch(raw); m != nil {
			fields[name] = m[1]
		}
	}
	if _, ok := fields["price"]; !ok {
		if _, ok := fields["total"]; !ok {
			return nil
		}
	}

	if m := sellerRe.FindStringSubmatch(raw); m != nil {
		fields["seller"] = strings.TrimSpace(m[1])
	}
	if m := minimumRe.FindStringSubmatch(raw); m != nil {
		fields["minimum"] = m[1]
	}
	return fields
}
