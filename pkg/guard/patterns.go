package guard

import (
	"math"
	"net/url"
	"strings"
)

var secretNameSuffixes = []string{
	"_KEY", "_SECRET", "_TOKEN", "_PASSWORD", "_PASSWD", "_PWD",
	"_CREDENTIALS", "_CREDENTIAL", "_PAT", "_AUTH",
}

var secretNames = map[string]bool{
	"PASSWORD": true, "SECRET": true, "TOKEN": true, "API_KEY": true,
	"APIKEY": true, "DATABASE_URL": true, "PGPASSWORD": true, "MYSQL_PWD": true,
}

var secretNameFragments = []string{"SECRET", "PASSWORD", "PASSWD", "PRIVATE_KEY", "APIKEY", "API_KEY"}

func secretName(name string) bool {
	upper := strings.ToUpper(name)
	if secretNames[upper] {
		return true
	}
	for _, suffix := range secretNameSuffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	for _, frag := range secretNameFragments {
		if strings.Contains(upper, frag) {
			return true
		}
	}
	return false
}

// providerPrefixes are the fixed leading strings of well-known API keys.
var providerPrefixes = []string{
	// Anthropic, OpenAI
	"sk-ant-", "sk-proj-", "sk-",
	// GitHub, GitLab
	"ghp_", "gho_", "ghu_", "ghs_", "ghr_", "github_pat_", "glpat-",
	// Slack
	"xoxb-", "xoxp-", "xoxa-", "xoxs-", "xapp-",
	// AWS access key IDs, Google
	"AKIA", "ASIA", "AIza",
	// Stripe
	"sk_live_", "rk_live_",
	"npm_", "hf_", "dop_v1_", "SG.", "pplx-", "gsk_",
}

const minPrefixedLength = 16

func providerPrefixed(value string) bool {
	if len(value) < minPrefixedLength || !tokenChars(value) {
		return false
	}
	for _, prefix := range providerPrefixes {
		if strings.HasPrefix(value, prefix) && len(value) > len(prefix)+8 {
			return true
		}
	}
	return false
}

const (
	minEntropyLength    = 20
	maxEntropyThreshold = 4.0
	minHexLength        = 32
	hexEntropyThreshold = 3.0
)

// highEntropy reports random-looking tokens. Paths, URLs and prose are
// excluded because they are not made only of token characters.
func highEntropy(value string) bool {
	if len(value) < minEntropyLength || !tokenChars(value) {
		return false
	}
	if strings.HasPrefix(value, "/") || strings.HasPrefix(value, "~") || strings.HasPrefix(value, ".") {
		return false
	}
	if isHex(value) {
		return len(value) >= minHexLength && charClasses(value) >= 2 && shannon(value) >= hexEntropyThreshold
	}
	if charClasses(value) < 2 {
		return false
	}
	threshold := math.Min(maxEntropyThreshold, 0.9*math.Log2(float64(len(value))))
	return shannon(value) >= threshold
}

func urlWithPassword(value string) bool {
	if !strings.Contains(value, "://") {
		return false
	}
	u, err := url.Parse(value)
	if err != nil || u.User == nil {
		return false
	}
	pass, ok := u.User.Password()
	return ok && pass != ""
}

func tokenChars(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("+/=_-.", r):
		default:
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f' || r >= 'A' && r <= 'F') {
			return false
		}
	}
	return true
}

// charClasses counts lower, upper, digit and symbol classes present in s.
func charClasses(s string) int {
	var lower, upper, digit, other bool
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		default:
			other = true
		}
	}
	n := 0
	for _, b := range []bool{lower, upper, digit, other} {
		if b {
			n++
		}
	}
	return n
}

// shannon returns the entropy of s in bits per byte.
func shannon(s string) float64 {
	if s == "" {
		return 0
	}
	var counts [256]int
	for i := 0; i < len(s); i++ {
		counts[s[i]]++
	}
	n := float64(len(s))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}
