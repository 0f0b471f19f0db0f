// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は投稿本文やインバウンドイベントの本文からHTMLを除去し、
// プラットフォームにそのまま渡せるプレーンテキストに正規化する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はテキスト正規化のインターフェース。
type TextSanitizer interface {
	// Sanitize は全てのHTMLタグを除去し、文字参照を復元したプレーンテキストを返す。
	// 連続する空白は1つにまとめ、前後の空白は除去する。改行は段落の区切りとして残す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
// script, styleの中身も含めて全タグを除去するStrictPolicyを使用する。
func NewTextSanitizer() TextSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はプレーンテキストを返す。
func (s *textSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}

	// <br>と</p>は改行として残す
	r := strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "\n")
	stripped := s.policy.Sanitize(r.Replace(raw))
	text := html.UnescapeString(stripped)

	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
