// Package answer defines what counts as an answer. The candidate client, the
// turn endpoint and the evaluator all derive "unanswered" through this package
// so the three can never disagree.
package answer

import "strings"

// IsUnanswered reports whether raw carries no spoken content at all.
func IsUnanswered(raw string) bool {
	return strings.TrimSpace(raw) == ""
}

// Append adds one transcript fragment to an accumulated answer.
func Append(acc, fragment string) string {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return acc
	}
	if strings.TrimSpace(acc) == "" {
		return fragment
	}
	return acc + " " + fragment
}

// Reconcile picks the answer of record: the submitted final text when it has
// content, otherwise whatever the transcript fragments add up to.
func Reconcile(final string, fragments []string) string {
	if !IsUnanswered(final) {
		return strings.TrimSpace(final)
	}
	return Join(fragments)
}

// Join folds fragments with Append.
func Join(fragments []string) string {
	var acc string
	for _, f := range fragments {
		acc = Append(acc, f)
	}
	return acc
}
