package router

import (
	"strconv"
	"strings"
)

// Requirement is a parsed capability requirement, written as "name" or
// "name@major.minor[.patch]".
type Requirement struct {
	Name    string
	Version string
}

// ParseRequirement parses a capability requirement string.
func ParseRequirement(s string) Requirement {
	s = strings.TrimSpace(s)
	name, version, _ := strings.Cut(s, "@")
	return Requirement{Name: strings.TrimSpace(name), Version: strings.TrimSpace(version)}
}

type semver struct {
	major, minor, patch int
}

func parseSemver(s string) (semver, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return semver{}, false
	}
	// drop pre-release and build metadata
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		s = s[:i]
	}
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return semver{}, false
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return semver{}, false
		}
		nums[i] = n
	}
	return semver{major: nums[0], minor: nums[1], patch: nums[2]}, true
}

// VersionCompatibility scores how well a candidate version satisfies a
// required one:
//
//	exact match (or no version required)            1.0
//	same major, same minor, patch >= required        1.0
//	same major, newer minor                          1.0 - 0.1 per extra minor step, floor 0.7
//	major mismatch, older minor, older patch         0.0
//
// Unparseable versions only match by exact string equality.
func VersionCompatibility(required, candidate string) float64 {
	if required == "" || required == candidate {
		return 1.0
	}
	req, ok1 := parseSemver(required)
	cand, ok2 := parseSemver(candidate)
	if !ok1 || !ok2 {
		return 0
	}
	if req.major != cand.major {
		return 0
	}
	steps := cand.minor - req.minor
	switch {
	case steps < 0:
		return 0
	case steps == 0:
		if cand.patch >= req.patch {
			return 1.0
		}
		return 0
	default:
		score := 1.0 - 0.1*float64(steps)
		if score < 0.7 {
			score = 0.7
		}
		return score
	}
}
