// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package override

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	assignment   = regexp.MustCompile(`(?m)^\s*([A-Z_]+)=["']([^\n"']*)["']`)
	branchName   = regexp.MustCompile(`^[a-zA-Z0-9/_-]+$`)
	emailAddress = regexp.MustCompile(`^[^@]+@[^@]+\.[^@]+$`)
	workerType   = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)
)

// Validate checks override content before it is written anywhere:
// it must be UTF-8, and the well-known shell assignments it sets must
// have usable values. Every problem found is reported.
func Validate(content []byte) error {
	if !utf8.Valid(content) {
		return errors.New("override is not valid UTF-8")
	}
	variables := make(map[string]string)
	for _, match := range assignment.FindAllStringSubmatch(string(content), -1) {
		variables[match[1]] = match[2]
	}

	var errs []error
	if repo, ok := variables["PUPPET_REPO"]; ok {
		if !strings.HasSuffix(repo, ".git") {
			errs = append(errs, fmt.Errorf("PUPPET_REPO must end with .git, got %q", repo))
		}
		if !strings.HasPrefix(repo, "http://") && !strings.HasPrefix(repo, "https://") && !strings.HasPrefix(repo, "git@") {
			errs = append(errs, fmt.Errorf("PUPPET_REPO must be an http(s):// or git@ URL, got %q", repo))
		}
	}
	if branch, ok := variables["PUPPET_BRANCH"]; ok && !branchName.MatchString(branch) {
		errs = append(errs, fmt.Errorf("PUPPET_BRANCH may only contain letters, digits, '/', '_' and '-', got %q", branch))
	}
	if mail, ok := variables["PUPPET_MAIL"]; ok && !emailAddress.MatchString(mail) {
		errs = append(errs, fmt.Errorf("PUPPET_MAIL must be an email address, got %q", mail))
	}
	if worker, ok := variables["WORKER_TYPE_OVERRIDE"]; ok && !workerType.MatchString(worker) {
		errs = append(errs, fmt.Errorf("WORKER_TYPE_OVERRIDE may only contain letters, digits and '-', got %q", worker))
	}
	return errors.Join(errs...)
}
