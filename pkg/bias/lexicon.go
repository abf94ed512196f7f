// Package bias detects demographic bias in generated answers and rewrites
// known problematic phrasing into clinically neutral language.
package bias

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed lexicon.yaml
var defaultLexicon []byte

// Patient groups a finding can be aimed at.
const (
	GroupFemale  = "female"
	GroupMale    = "male"
	GroupElderly = "elderly"
	GroupMinor   = "minor"
)

// Phrase is a problematic pattern and its neutral replacement. The
// replacement may reference pattern groups as ${n}. Group overrides the
// category's group for this pattern.
type Phrase struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
	Group       string `yaml:"group,omitempty"`

	re *regexp.Regexp
}

// Category is one bias dimension. Group names the patients its keywords
// and phrases are aimed at; empty means nobody in particular.
type Category struct {
	Name     string   `yaml:"name"`
	Group    string   `yaml:"group,omitempty"`
	Keywords []string `yaml:"keywords"`
	Phrases  []Phrase `yaml:"phrases"`

	keywordRes []*regexp.Regexp
}

// Lexicon is a compiled set of categories.
type Lexicon struct {
	Disclaimer string     `yaml:"disclaimer"`
	Categories []Category `yaml:"categories"`
}

// DefaultLexicon returns the built-in lexicon.
func DefaultLexicon() (*Lexicon, error) {
	return ParseLexicon(defaultLexicon)
}

// LoadLexicon reads a lexicon from a YAML file.
func LoadLexicon(path string) (*Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lexicon: %w", err)
	}
	return ParseLexicon(data)
}

// ParseLexicon parses and compiles a YAML lexicon.
func ParseLexicon(data []byte) (*Lexicon, error) {
	var lex Lexicon
	if err := yaml.Unmarshal(data, &lex); err != nil {
		return nil, fmt.Errorf("parse lexicon: %w", err)
	}
	for ci := range lex.Categories {
		c := &lex.Categories[ci]
		if c.Name == "" {
			return nil, fmt.Errorf("lexicon category %d has no name", ci)
		}
		if !validGroup(c.Group) {
			return nil, fmt.Errorf("category %s: unknown group %q", c.Name, c.Group)
		}
		c.keywordRes = make([]*regexp.Regexp, 0, len(c.Keywords))
		for ki, kw := range c.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			c.Keywords[ki] = kw
			if kw == "" {
				continue
			}
			c.keywordRes = append(c.keywordRes, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(kw)+`\b`))
		}
		for pi := range c.Phrases {
			p := &c.Phrases[pi]
			if !validGroup(p.Group) {
				return nil, fmt.Errorf("category %s phrase %d: unknown group %q", c.Name, pi, p.Group)
			}
			re, err := regexp.Compile("(?i)" + p.Pattern)
			if err != nil {
				return nil, fmt.Errorf("category %s phrase %d: %w", c.Name, pi, err)
			}
			p.re = re
		}
	}
	lex.Disclaimer = strings.TrimSpace(lex.Disclaimer)
	return &lex, nil
}

func validGroup(g string) bool {
	switch g {
	case "", GroupFemale, GroupMale, GroupElderly, GroupMinor:
		return true
	}
	return false
}
