package compliance

import (
	"regexp"
	"sort"
)

// PIIType names a kind of personal data found in request text
type PIIType string

const (
	PIIEmail      PIIType = "email"
	PIIPhone      PIIType = "phone"
	PIISSN        PIIType = "ssn"
	PIICreditCard PIIType = "credit_card"
)

var (
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)
	phonePattern = regexp.MustCompile(`(?:\+?1[-.\s]?)?\(?\b[0-9]{3}\)?[-.\s][0-9]{3}[-.\s][0-9]{4}\b`)
	ssnPattern   = regexp.MustCompile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:[0-9][ -]?){12,18}[0-9]\b`)
)

// DetectPII returns the distinct PII types present in text, sorted
func DetectPII(text string) []PIIType {
	found := make(map[PIIType]struct{})
	if emailPattern.MatchString(text) {
		found[PIIEmail] = struct{}{}
	}
	if ssnPattern.MatchString(text) {
		found[PIISSN] = struct{}{}
	}
	if phonePattern.MatchString(text) {
		found[PIIPhone] = struct{}{}
	}
	for _, candidate := range cardPattern.FindAllString(text, -1) {
		if luhnValid(candidate) {
			found[PIICreditCard] = struct{}{}
			break
		}
	}

	types := make([]PIIType, 0, len(found))
	for t := range found {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// luhnValid checks the card checksum, ignoring spaces and dashes
func luhnValid(s string) bool {
	sum, digits := 0, 0
	double := false
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c == ' ' || c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		digits++
		double = !double
	}
	return digits >= 13 && sum%10 == 0
}
