package utils

import "strings"

// MatchCode checks a permission code against a pattern. Codes are
// dot-separated (e.g. "payroll.payslips.view"). Patterns may include:
//   - '*' matching a single segment ("payroll.*" matches "payroll.view"
//     but not "payroll.payslips.view").
//   - a trailing ".**" matching any remaining segments.
//
// A pattern without wildcards must match exactly.
func MatchCode(code, pattern string) bool {
	if pattern == code || pattern == "**" {
		return true
	}
	if !strings.ContainsAny(pattern, "*") {
		return false
	}
	if rest, ok := strings.CutSuffix(pattern, ".**"); ok {
		return matchPrefix(code, rest)
	}
	cSegs := strings.Split(code, ".")
	pSegs := strings.Split(pattern, ".")
	if len(cSegs) != len(pSegs) {
		return false
	}
	for i, p := range pSegs {
		if p == "*" {
			continue
		}
		if p != cSegs[i] {
			return false
		}
	}
	return true
}

// matchPrefix verifies the fixed prefix of a ".**" pattern segment by
// segment, honoring single-segment '*' inside the prefix.
func matchPrefix(code, prefix string) bool {
	cSegs := strings.Split(code, ".")
	pSegs := strings.Split(prefix, ".")
	if len(cSegs) < len(pSegs) {
		return false
	}
	for i, p := range pSegs {
		if p == "*" {
			continue
		}
		if p != cSegs[i] {
			return false
		}
	}
	return true
}
