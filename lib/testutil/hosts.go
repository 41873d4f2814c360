// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import "strconv"

// Hosts returns count host names "prefix1.domain" through
// "prefixN.domain". An empty domain yields bare names.
func Hosts(prefix, domain string, count int) []string {
	suffix := ""
	if domain != "" {
		suffix = "." + domain
	}
	hosts := make([]string, count)
	for i := range hosts {
		hosts[i] = prefix + strconv.Itoa(i+1) + suffix
	}
	return hosts
}
