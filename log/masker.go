/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"regexp"
	"sort"
	"strings"

	"github.com/cloudflare/ahocorasick"
)

// Mask replaces every match of RegExp with Mask.
type Mask struct {
	RegExp *regexp.Regexp
	Mask   string
}

// NewMask compiles cfg and panics if the regular expression is invalid.
func NewMask(cfg MaskConfig) Mask {
	return Mask{RegExp: regexp.MustCompile(cfg.RegExp), Mask: cfg.Mask}
}

// formatMasks builds the mask of a field for each supported representation.
var formatMasks = map[FieldMaskFormat]func(field string) MaskConfig{
	// "Authorization: Bearer xxx\r\n"
	FieldMaskFormatHTTPHeader: func(field string) MaskConfig {
		return MaskConfig{RegExp: `(?i)` + field + `: .+?\r\n`, Mask: field + ": ***\r\n"}
	},
	// metadata.MD printed with %v: "map[authorization:[Bearer xxx]]"
	FieldMaskFormatGRPCMetadata: func(field string) MaskConfig {
		return MaskConfig{RegExp: `(?i)` + field + `:\[[^\]]*\]`, Mask: strings.ToLower(field) + ":[***]"}
	},
	// {"password": "xxx"}
	FieldMaskFormatJSON: func(field string) MaskConfig {
		return MaskConfig{RegExp: `(?i)"` + field + `"\s*:\s*".*?[^\\]"`, Mask: `"` + field + `": "***"`}
	},
	// password=xxx&...
	FieldMaskFormatURLEncoded: func(field string) MaskConfig {
		return MaskConfig{RegExp: `(?i)` + field + `\s*=\s*[^&\s]+`, Mask: field + "=***"}
	},
}

// FieldMasker holds the masks of one field. Field is lowercase.
type FieldMasker struct {
	Field string
	Masks []Mask
}

// NewFieldMasker compiles the explicit masks of the rule followed by the masks of its formats.
// Unknown formats are ignored.
func NewFieldMasker(cfg MaskingRuleConfig) FieldMasker {
	fm := FieldMasker{Field: strings.ToLower(cfg.Field), Masks: make([]Mask, 0, len(cfg.Masks)+len(cfg.Formats))}
	for _, maskCfg := range cfg.Masks {
		fm.Masks = append(fm.Masks, NewMask(maskCfg))
	}
	for _, format := range cfg.Formats {
		if build, ok := formatMasks[format]; ok {
			fm.Masks = append(fm.Masks, NewMask(build(cfg.Field)))
		}
	}
	return fm
}

// Masker is used to mask various secrets in strings.
// Field names of all rules are looked up in a single Aho-Corasick pass and regular expressions run only
// for the fields that occur in the string. Rules without a field are always applied.
type Masker struct {
	fieldMasks []FieldMasker

	matcher      *ahocorasick.Matcher
	wordMasks    [][]int // dictionary word index -> indexes in fieldMasks
	alwaysMasks  []int
	hasFieldMask bool
}

func NewMasker(rules []MaskingRuleConfig) *Masker {
	r := &Masker{fieldMasks: make([]FieldMasker, 0, len(rules))}
	var dict []string
	wordIndex := make(map[string]int, len(rules))
	for i, rule := range rules {
		fm := NewFieldMasker(rule)
		r.fieldMasks = append(r.fieldMasks, fm)
		if fm.Field == "" {
			r.alwaysMasks = append(r.alwaysMasks, i)
			continue
		}
		idx, ok := wordIndex[fm.Field]
		if !ok {
			idx = len(dict)
			wordIndex[fm.Field] = idx
			dict = append(dict, fm.Field)
			r.wordMasks = append(r.wordMasks, nil)
		}
		r.wordMasks[idx] = append(r.wordMasks[idx], i)
	}
	if len(dict) > 0 {
		r.matcher = ahocorasick.NewStringMatcher(dict)
		r.hasFieldMask = true
	}
	return r
}

func (r *Masker) Mask(s string) string {
	maskIndexes := r.alwaysMasks
	if r.hasFieldMask {
		if hits := r.matcher.MatchThreadSafe([]byte(strings.ToLower(s))); len(hits) != 0 {
			maskIndexes = append([]int(nil), r.alwaysMasks...)
			for _, hit := range hits {
				maskIndexes = append(maskIndexes, r.wordMasks[hit]...)
			}
			sort.Ints(maskIndexes)
		}
	}
	for _, i := range maskIndexes {
		for _, rep := range r.fieldMasks[i].Masks {
			s = rep.RegExp.ReplaceAllString(s, rep.Mask)
		}
	}
	return s
}

// DefaultMasks are appended to the configured rules when MaskingConfig.UseDefaultRules is set.
var DefaultMasks = []MaskingRuleConfig{
	{Field: "Authorization", Formats: []FieldMaskFormat{FieldMaskFormatHTTPHeader, FieldMaskFormatGRPCMetadata}},
	{Field: "X-Api-Key", Formats: []FieldMaskFormat{FieldMaskFormatHTTPHeader, FieldMaskFormatGRPCMetadata}},
	{Field: "api_key", Formats: []FieldMaskFormat{FieldMaskFormatJSON, FieldMaskFormatURLEncoded}},
	{Field: "password", Formats: []FieldMaskFormat{FieldMaskFormatJSON, FieldMaskFormatURLEncoded}},
	{Field: "client_secret", Formats: []FieldMaskFormat{FieldMaskFormatJSON, FieldMaskFormatURLEncoded}},
	{Field: "access_token", Formats: []FieldMaskFormat{FieldMaskFormatJSON, FieldMaskFormatURLEncoded}},
	{Field: "refresh_token", Formats: []FieldMaskFormat{FieldMaskFormatJSON, FieldMaskFormatURLEncoded}},
	{Field: "id_token", Formats: []FieldMaskFormat{FieldMaskFormatJSON, FieldMaskFormatURLEncoded}},
	{Field: "assertion", Formats: []FieldMaskFormat{FieldMaskFormatJSON, FieldMaskFormatURLEncoded}},
}
