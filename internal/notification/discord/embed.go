package discord

import (
	"time"
)

// WebhookMessage는 Discord 웹훅 메시지를 정의합니다
type WebhookMessage struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

// Embed는 Discord 메시지 임베드를 정의합니다
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

// EmbedField는 임베드 필드를 정의합니다
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// EmbedFooter는 임베드 푸터를 정의합니다
type EmbedFooter struct {
	Text string `json:"text"`
}

const footerText = "Bulwark Safety Layer 🛡️"

// newEmbed는 공통 푸터와 타임스탬프가 설정된 임베드를 생성합니다
func newEmbed(title, description string, color int, at time.Time) Embed {
	return Embed{
		Title:       title,
		Description: description,
		Color:       color,
		Footer:      &EmbedFooter{Text: footerText},
		Timestamp:   at.Format(time.RFC3339),
	}
}

// withField는 필드를 추가한 임베드를 반환합니다
func (e Embed) withField(name, value string, inline bool) Embed {
	e.Fields = append(e.Fields, EmbedField{Name: name, Value: value, Inline: inline})
	return e
}
