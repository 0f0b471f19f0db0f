// Package faq はインバウンドテキストと製品FAQの照合を提供する。
package faq

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Tokenize はテキストを正規化済みトークン集合に変換する。
// NFKC正規化、ケースフォールディングの後、文字と数字以外で分割する。
// cases.Caserはスレッドセーフではないため呼び出しごとに生成する。
func Tokenize(text string) map[string]struct{} {
	folded := cases.Fold().String(norm.NFKC.String(text))

	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	tokens := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		tokens[f] = struct{}{}
	}
	return tokens
}

// NormalizeKeywords はキーワード入力を正規化済みのソート済みトークン列に変換する。
// "How, to use" のような区切り混在の入力も個々のトークンに分解する。
func NormalizeKeywords(raw []string) []string {
	set := make(map[string]struct{})
	for _, kw := range raw {
		for tok := range Tokenize(kw) {
			set[tok] = struct{}{}
		}
	}

	out := make([]string, 0, len(set))
	for tok := range set {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}
