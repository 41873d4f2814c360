// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// Population is a named, manually curated group of hosts that share an
// expected role. Hosts join a population only by explicit assignment.
type Population struct {
	Name         string    `json:"name"`
	ExpectedRole string    `json:"expected_role"`
	TargetQuery  string    `json:"target_query,omitempty"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	CreatedBy    string    `json:"created_by,omitempty"`
}

// TargetQuery is a conjunction of predicates over Host attributes.
// The textual form is a whitespace-separated list of terms:
//
//	field=value    equality
//	field!=value   inequality
//	field~glob     shell glob match (path.Match syntax)
//
// Supported fields: hostname, observed_role, expected_role, sshable,
// sudoable, override_present, disabled. Boolean fields accept true or
// false. The empty query matches every host.
type TargetQuery struct {
	Terms []QueryTerm
}

// QueryTerm is one predicate of a TargetQuery.
type QueryTerm struct {
	Field    string
	Operator string
	Value    string
}

var queryFields = map[string]bool{
	"hostname":         false,
	"observed_role":    false,
	"expected_role":    false,
	"sshable":          true,
	"sudoable":         true,
	"override_present": true,
	"disabled":         true,
}

// ParseTargetQuery parses the textual query form. Unknown fields,
// missing operators, and non-boolean values for boolean fields are
// rejected.
func ParseTargetQuery(text string) (TargetQuery, error) {
	var query TargetQuery
	for _, token := range strings.Fields(text) {
		term, err := parseQueryTerm(token)
		if err != nil {
			return TargetQuery{}, err
		}
		query.Terms = append(query.Terms, term)
	}
	return query, nil
}

func parseQueryTerm(token string) (QueryTerm, error) {
	for _, operator := range []string{"!=", "=", "~"} {
		index := strings.Index(token, operator)
		if index <= 0 {
			continue
		}
		term := QueryTerm{
			Field:    token[:index],
			Operator: operator,
			Value:    token[index+len(operator):],
		}
		isBool, known := queryFields[term.Field]
		if !known {
			return QueryTerm{}, fmt.Errorf("target query: unknown field %q", term.Field)
		}
		if isBool {
			if operator == "~" {
				return QueryTerm{}, fmt.Errorf("target query: glob not supported on boolean field %q", term.Field)
			}
			if _, err := strconv.ParseBool(term.Value); err != nil {
				return QueryTerm{}, fmt.Errorf("target query: field %q wants true or false, got %q", term.Field, term.Value)
			}
		}
		if operator == "~" {
			if _, err := path.Match(term.Value, ""); err != nil {
				return QueryTerm{}, fmt.Errorf("target query: bad glob %q: %w", term.Value, err)
			}
		}
		return term, nil
	}
	return QueryTerm{}, fmt.Errorf("target query: term %q has no operator", token)
}

// Matches reports whether host satisfies every term.
func (q TargetQuery) Matches(host Host) bool {
	for _, term := range q.Terms {
		if !term.matches(host) {
			return false
		}
	}
	return true
}

func (t QueryTerm) matches(host Host) bool {
	var actual string
	switch t.Field {
	case "hostname":
		actual = host.Hostname
	case "observed_role":
		actual = host.ObservedRole
	case "expected_role":
		actual = host.ExpectedRole
	case "sshable":
		actual = strconv.FormatBool(host.SSHable)
	case "sudoable":
		actual = strconv.FormatBool(host.Sudoable)
	case "override_present":
		actual = strconv.FormatBool(host.OverridePresent)
	case "disabled":
		actual = strconv.FormatBool(host.Disabled)
	}

	want := t.Value
	if queryFields[t.Field] {
		parsed, _ := strconv.ParseBool(want)
		want = strconv.FormatBool(parsed)
	}

	switch t.Operator {
	case "=":
		return actual == want
	case "!=":
		return actual != want
	case "~":
		matched, _ := path.Match(want, actual)
		return matched
	}
	return false
}

// SelectTargets returns the hosts of population that satisfy query and
// are eligible rollout targets (see [Host.Eligible]). Hosts without an
// expected role or population never appear in the result regardless of
// the query.
func SelectTargets(population string, query TargetQuery, hosts []Host) []Host {
	var selected []Host
	for _, host := range hosts {
		if !host.Eligible(population) {
			continue
		}
		if query.Matches(host) {
			selected = append(selected, host)
		}
	}
	return selected
}
