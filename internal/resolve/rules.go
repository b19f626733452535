package resolve

import "strings"

// keywordRule maps a traditional-medicine keyword to its conventional
// target code. Rules are checked in order; the first keyword contained in
// the query term wins.
type keywordRule struct {
	Keyword string
	Code    string
}

// keywordRules is the curated rule table for common AYUSH terms. Curated by
// clinical reviewers; ordering matters because earlier rules take
// precedence for compound terms.
var keywordRules = []keywordRule{
	{"amlapitta", "K21.0"},
	{"aamla", "K21.0"},
	{"kasa", "J20.9"},
	{"shwasa", "J98.8"},
	{"jwara", "R50.9"},
	{"shotha", "M79.1"},
	{"aruchi", "R63.0"},
	{"amavata", "M79.3"},
	{"pandu", "D64.9"},
	{"kamala", "K59.0"},
	{"atisara", "K59.0"},
	{"grahani", "K58.9"},
	{"chhardi", "R11"},
	{"vibandha", "K59.0"},
	{"prameha", "E11.9"},
	{"apasmara", "G40.9"},
	{"shiroshula", "R51"},
	{"ardhavabhedaka", "G43.9"},
	{"netraroga", "H57.9"},
	{"timira", "H53.1"},
}

// matchRule returns the first rule whose keyword is a substring of the
// lowercased term.
func matchRule(term string) (keywordRule, bool) {
	lower := strings.ToLower(term)
	for _, r := range keywordRules {
		if strings.Contains(lower, r.Keyword) {
			return r, true
		}
	}
	return keywordRule{}, false
}
