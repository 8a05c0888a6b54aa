package security

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxMessageRunes はユーザーへ返すIdPメッセージの最大文字数。
const maxMessageRunes = 200

// MessageSanitizer はIdPから受け取ったメッセージをユーザー表示用に整える。
type MessageSanitizer interface {
	// Sanitize はHTMLタグを除去し、空白を詰め、長すぎる場合は切り詰める。
	Sanitize(msg string) string
}

// messageSanitizer はbluemondayのStrictPolicyでタグをすべて除去する。
type messageSanitizer struct {
	policy *bluemonday.Policy
}

// NewMessageSanitizer はMessageSanitizerの新しいインスタンスを生成する。
func NewMessageSanitizer() *messageSanitizer {
	return &messageSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はメッセージをサニタイズする。
func (s *messageSanitizer) Sanitize(msg string) string {
	cleaned := s.policy.Sanitize(msg)
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	if utf8.RuneCountInString(cleaned) > maxMessageRunes {
		runes := []rune(cleaned)
		cleaned = string(runes[:maxMessageRunes]) + "…"
	}
	return cleaned
}
