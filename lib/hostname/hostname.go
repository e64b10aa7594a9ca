// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package hostname validates tenant hostnames and derives the names
// built from them: the single-label preview hostname and the systemd
// unit label. Hostnames come from the registry and, transitively, from
// user input upstream, so everything that renders them into routing
// config or unit names validates first.
package hostname

import (
	"fmt"
	"strings"
)

// MaxLength is the maximum hostname length accepted (RFC 1035 limits
// a full domain name to 253 characters).
const MaxLength = 253

// maxLabelLength is the RFC 1035 limit for one dot-separated label.
const maxLabelLength = 63

// PreviewPrefix marks derived preview hostnames. A preview hostname is
// a single DNS label, so the tenant hostname's dots collapse to
// dashes: a.example.com → preview--a-example-com.
const PreviewPrefix = "preview--"

// allowedChars is the set of bytes permitted in a hostname: lowercase
// DNS labels plus the separators checked structurally below. Uppercase
// is rejected rather than folded: the registry stores lowercase and
// routing config is case-sensitive about what it was given.
var allowedChars = func() [256]bool {
	var allowed [256]bool
	for c := byte('a'); c <= 'z'; c++ {
		allowed[c] = true
	}
	for c := byte('0'); c <= '9'; c++ {
		allowed[c] = true
	}
	allowed['-'] = true
	allowed['.'] = true
	return allowed
}()

// Validate checks that name is a plausible public DNS hostname:
//
//   - Only lowercase a-z, 0-9, '-', '.'
//   - At least two labels (a bare label is never a public site)
//   - No empty labels, no label over 63 characters
//   - Labels neither start nor end with '-'
//   - Maximum 253 characters
func Validate(name string) error {
	if name == "" {
		return fmt.Errorf("hostname is empty")
	}
	if len(name) > MaxLength {
		return fmt.Errorf("hostname is %d characters, maximum is %d", len(name), MaxLength)
	}

	for i := 0; i < len(name); i++ {
		if !allowedChars[name[i]] {
			return fmt.Errorf("invalid character %q at position %d (allowed: a-z, 0-9, '-', '.')", name[i], i)
		}
	}

	labels := strings.Split(name, ".")
	if len(labels) < 2 {
		return fmt.Errorf("hostname %q has no dot (need at least two labels)", name)
	}
	for _, label := range labels {
		if label == "" {
			return fmt.Errorf("hostname contains empty label (leading, trailing, or double dot)")
		}
		if len(label) > maxLabelLength {
			return fmt.Errorf("label %q is %d characters, maximum is %d", label, len(label), maxLabelLength)
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return fmt.Errorf("label %q starts or ends with '-'", label)
		}
	}

	return nil
}

// Label flattens a hostname into a single DNS label by replacing dots
// with dashes. Used for preview hostnames and service unit names. The
// mapping is not reversible; anything that needs the original hostname
// back must carry it separately.
//
//	Label("a.example.com") → "a-example-com"
func Label(name string) string {
	return strings.ReplaceAll(name, ".", "-")
}

// PreviewHost derives the isolated preview hostname for a tenant site:
// the flattened label with the preview prefix, under the configured
// preview base domain.
//
//	PreviewHost("a.example.com", "alive.best") → "preview--a-example-com.alive.best"
func PreviewHost(name, previewBase string) string {
	return PreviewPrefix + Label(name) + "." + previewBase
}
