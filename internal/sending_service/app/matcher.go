package app

import (
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/leadforge/outreach_services/internal/core_domain"
)

// Matcher pairs observed connections with stored prospects: profile URL first, then the
// normalized name. A name shared by several prospects never matches.
type Matcher struct {
	byURL  map[string]*core_domain.Prospect
	byName map[string][]*core_domain.Prospect
	names  []string
}

type MatchKind string

const (
	MatchByURL  MatchKind = "url"
	MatchByName MatchKind = "name"
	MatchNone   MatchKind = "none"
)

func NewMatcher(candidates []*core_domain.Prospect) *Matcher {
	m := &Matcher{
		byURL:  make(map[string]*core_domain.Prospect, len(candidates)),
		byName: make(map[string][]*core_domain.Prospect, len(candidates)),
	}
	for _, p := range candidates {
		if key := NormalizeProfileURL(p.ProfileURL); key != "" {
			m.byURL[key] = p
		}
		if key := NormalizeName(p.DisplayName()); key != "" {
			if _, seen := m.byName[key]; !seen {
				m.names = append(m.names, key)
			}
			m.byName[key] = append(m.byName[key], p)
		}
	}
	return m
}

func (m *Matcher) Match(obs core_domain.ObservedConnection) (*core_domain.Prospect, MatchKind) {
	if p, ok := m.byURL[NormalizeProfileURL(obs.ProfileURL)]; ok {
		return p, MatchByURL
	}
	name := NormalizeName(obs.FullName)
	if name == "" {
		return nil, MatchNone
	}
	if list := m.byName[name]; len(list) == 1 {
		return list[0], MatchByName
	} else if len(list) > 1 {
		return nil, MatchNone
	}
	if p := m.matchFirstLast(name); p != nil {
		return p, MatchByName
	}
	return nil, MatchNone
}

// matchFirstLast compares first and last tokens, ignoring middle names, and allows a
// single typo in names long enough for that to be safe.
func (m *Matcher) matchFirstLast(name string) *core_domain.Prospect {
	first, last := firstLast(name)
	var hit *core_domain.Prospect
	for _, candidate := range m.names {
		cf, cl := firstLast(candidate)
		same := cf == first && cl == last
		if !same && len(candidate) >= 8 && cf[:1] == first[:1] {
			same = levenshtein(candidate, name) <= 1
		}
		if !same {
			continue
		}
		list := m.byName[candidate]
		if hit != nil || len(list) != 1 {
			return nil
		}
		hit = list[0]
	}
	return hit
}

func firstLast(name string) (string, string) {
	fields := strings.Fields(name)
	return fields[0], fields[len(fields)-1]
}

// NormalizeProfileURL reduces a profile link to host and path, lowercased, without
// query, fragment, trailing slash or a leading www.
func NormalizeProfileURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + strings.TrimPrefix(raw, "//")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return strings.ToLower(strings.TrimRight(raw, "/"))
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	path := strings.TrimRight(strings.ToLower(u.EscapedPath()), "/")
	if unescaped, err := url.PathUnescape(path); err == nil {
		path = unescaped
	}
	return host + path
}

var foldMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeName folds case and diacritics, drops anything after a comma such as
// credentials, and keeps letters and single spaces only.
func NormalizeName(name string) string {
	name, _, _ = strings.Cut(name, ",")
	folded, _, err := transform.String(foldMarks, name)
	if err != nil {
		folded = name
	}
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case unicode.IsLetter(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-' || r == '.':
			space = true
		}
	}
	return b.String()
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
