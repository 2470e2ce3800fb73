// Package replace rewrites relayed text with admin-defined rules.
//
// Rules live in three categories applied in a fixed order: links, then
// words, then sentences. Later categories may re-match text produced by
// earlier ones. Keys are always literal text, never patterns.
package replace

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type Category string

const (
	Links     Category = "links"
	Words     Category = "words"
	Sentences Category = "sentences"
)

// Categories lists the categories in application order.
var Categories = []Category{Links, Words, Sentences}

// ParseCategory accepts singular or plural names ("link", "words", ...).
func ParseCategory(name string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "link", "links":
		return Links, nil
	case "word", "words":
		return Words, nil
	case "sentence", "sentences":
		return Sentences, nil
	}
	return "", fmt.Errorf("unknown replacement category %q", name)
}

// Singular returns "link", "word" or "sentence" for messages.
func (c Category) Singular() string {
	return strings.TrimSuffix(string(c), "s")
}

type Rule struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RuleSet holds ordered rules per category. Keys are unique within a
// category; adding an existing key replaces its value in place.
type RuleSet struct {
	Links     []Rule
	Words     []Rule
	Sentences []Rule
}

func (rs *RuleSet) list(c Category) *[]Rule {
	switch c {
	case Links:
		return &rs.Links
	case Words:
		return &rs.Words
	case Sentences:
		return &rs.Sentences
	}
	return nil
}

// Rules returns the rules of one category in application order.
func (rs RuleSet) Rules(c Category) []Rule {
	l := rs.list(c)
	if l == nil {
		return nil
	}
	return *l
}

// Add inserts or updates a rule. It reports whether the key was new.
func (rs *RuleSet) Add(c Category, from, to string) (bool, error) {
	l := rs.list(c)
	if l == nil {
		return false, fmt.Errorf("unknown replacement category %q", c)
	}
	if from == "" {
		return false, fmt.Errorf("replacement key must not be empty")
	}
	for i := range *l {
		if (*l)[i].From == from {
			(*l)[i].To = to
			return false, nil
		}
	}
	*l = append(*l, Rule{From: from, To: to})
	return true, nil
}

// Remove deletes a rule by key and reports whether it existed.
func (rs *RuleSet) Remove(c Category, from string) bool {
	l := rs.list(c)
	if l == nil {
		return false
	}
	for i := range *l {
		if (*l)[i].From == from {
			*l = append((*l)[:i], (*l)[i+1:]...)
			return true
		}
	}
	return false
}

func (rs RuleSet) Len() int {
	return len(rs.Links) + len(rs.Words) + len(rs.Sentences)
}

func (rs RuleSet) Clone() RuleSet {
	return RuleSet{
		Links:     append([]Rule(nil), rs.Links...),
		Words:     append([]Rule(nil), rs.Words...),
		Sentences: append([]Rule(nil), rs.Sentences...),
	}
}

// MarshalJSON writes the on-disk shape {"links":{old:new},...}. Go maps
// marshal with sorted keys, so the file is stable across rewrites.
func (rs RuleSet) MarshalJSON() ([]byte, error) {
	toMap := func(rules []Rule) map[string]string {
		m := make(map[string]string, len(rules))
		for _, r := range rules {
			m[r.From] = r.To
		}
		return m
	}
	return json.Marshal(struct {
		Links     map[string]string `json:"links"`
		Words     map[string]string `json:"words"`
		Sentences map[string]string `json:"sentences"`
	}{toMap(rs.Links), toMap(rs.Words), toMap(rs.Sentences)})
}

// UnmarshalJSON reads the on-disk shape. JSON objects carry no order, so
// rules are ordered longest key first (then lexically): a longer key is
// never pre-empted by one of its own substrings.
func (rs *RuleSet) UnmarshalJSON(data []byte) error {
	var raw struct {
		Links     map[string]string `json:"links"`
		Words     map[string]string `json:"words"`
		Sentences map[string]string `json:"sentences"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	fromMap := func(m map[string]string) []Rule {
		rules := make([]Rule, 0, len(m))
		for k, v := range m {
			if k == "" {
				continue
			}
			rules = append(rules, Rule{From: k, To: v})
		}
		sort.Slice(rules, func(i, j int) bool {
			if len(rules[i].From) != len(rules[j].From) {
				return len(rules[i].From) > len(rules[j].From)
			}
			return rules[i].From < rules[j].From
		})
		return rules
	}
	rs.Links = fromMap(raw.Links)
	rs.Words = fromMap(raw.Words)
	rs.Sentences = fromMap(raw.Sentences)
	return nil
}
