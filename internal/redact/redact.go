// Package redact masks credentials in build logs before they leave the process.
package redact

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Marker replaces every detected secret.
const Marker = "[REDACTED]"

// minKnownLength keeps short values like "1" or "on" from shredding logs.
const minKnownLength = 6

// Redactor combines the gitleaks rule set with values known to be secret
// (tokens and injected environment values).
type Redactor struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// New builds a redactor with the default gitleaks rules.
func New() (*Redactor, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("load gitleaks rules: %w", err)
	}
	return &Redactor{detector: detector}, nil
}

// String redacts s. known values are always masked, longest first.
func (r *Redactor) String(s string, known ...string) string {
	s = replaceKnown(s, known)
	if r == nil || r.detector == nil {
		return s
	}

	r.mu.Lock()
	findings := r.detector.DetectString(s)
	r.mu.Unlock()

	secrets := make([]string, 0, len(findings))
	for _, f := range findings {
		if f.Secret != "" {
			secrets = append(secrets, f.Secret)
		}
	}
	return replaceKnown(s, secrets)
}

// Lines redacts each line. The result is never nil.
func (r *Redactor) Lines(lines []string, known ...string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, r.String(line, known...))
	}
	return out
}

func replaceKnown(s string, known []string) string {
	values := make([]string, 0, len(known))
	for _, k := range known {
		if len(k) >= minKnownLength {
			values = append(values, k)
		}
	}
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	for _, v := range values {
		s = strings.ReplaceAll(s, v, Marker)
	}
	return s
}
