package gmail

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

// Gmail API thread shapes, decoded from users/me/threads/{id}?format=full.

type thread struct {
	ID       string    `json:"id"`
	Messages []message `json:"messages"`
}

type message struct {
	ID      string `json:"id"`
	Payload part   `json:"payload"`
}

type part struct {
	MimeType string   `json:"mimeType"`
	Filename string   `json:"filename"`
	Headers  []header `json:"headers"`
	Body     partBody `json:"body"`
	Parts    []part   `json:"parts"`
}

type header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type partBody struct {
	Size int    `json:"size"`
	Data string `json:"data"`
}

var (
	styleScriptRe = regexp.MustCompile(`(?is)<(style|script)[^>]*>.*?</(style|script)>`)
	brRe          = regexp.MustCompile(`(?i)<br\s*/?>`)
	pCloseRe      = regexp.MustCompile(`(?i)</p>`)
	tagRe         = regexp.MustCompile(`<[^>]+>`)
	blankRunsRe   = regexp.MustCompile(`\n{3,}`)
)

// threadToMarkdown renders a full thread as one markdown document: subject
// heading, then per message the routing headers, the plain text body, and an
// attachments list, separated by horizontal rules.
func threadToMarkdown(t *thread) string {
	if len(t.Messages) == 0 {
		return ""
	}

	subject := t.Messages[0].headerValue("Subject")
	if subject == "" {
		subject = "(No Subject)"
	}
	parts := []string{fmt.Sprintf("# %s\n", subject)}

	for i := range t.Messages {
		msg := &t.Messages[i]

		from := msg.headerValue("From")
		if from == "" {
			from = "Unknown"
		}
		parts = append(parts, "**From:** "+from)
		if to := msg.headerValue("To"); to != "" {
			parts = append(parts, "**To:** "+to)
		}
		if cc := msg.headerValue("Cc"); cc != "" {
			parts = append(parts, "**Cc:** "+cc)
		}
		if date := msg.headerValue("Date"); date != "" {
			parts = append(parts, "**Date:** "+date)
		}
		parts = append(parts, "")

		if body := extractMessageBody(msg); body != "" {
			parts = append(parts, body)
		}

		if attachments := listAttachments(msg); len(attachments) > 0 {
			parts = append(parts, "\n**Attachments:**")
			for _, att := range attachments {
				parts = append(parts, "- "+att)
			}
		}

		parts = append(parts, "\n---\n")
	}

	if parts[len(parts)-1] == "\n---\n" {
		parts = parts[:len(parts)-1]
	}
	return strings.Join(parts, "\n")
}

func (m *message) headerValue(name string) string {
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// extractMessageBody pulls plain text from the MIME part tree, falling back
// to stripped HTML when no text/plain part exists.
func extractMessageBody(msg *message) string {
	if msg.Payload.Body.Data != "" && msg.Payload.MimeType == "text/plain" {
		return decodeBody(msg.Payload.Body.Data)
	}
	return findTextInParts(msg.Payload.Parts)
}

func findTextInParts(parts []part) string {
	var plainText, htmlText string

	for i := range parts {
		p := &parts[i]

		if len(p.Parts) > 0 {
			if result := findTextInParts(p.Parts); result != "" {
				return result
			}
		}

		if p.Body.Data == "" {
			continue
		}
		decoded := decodeBody(p.Body.Data)

		switch p.MimeType {
		case "text/plain":
			plainText = decoded
		case "text/html":
			if htmlText == "" {
				htmlText = decoded
			}
		}
	}

	if plainText != "" {
		return plainText
	}
	if htmlText != "" {
		return stripHTML(htmlText)
	}
	return ""
}

// decodeBody decodes the base64url body data Gmail returns, tolerating both
// padded and unpadded encodings.
func decodeBody(data string) string {
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	return ""
}

func stripHTML(html string) string {
	text := styleScriptRe.ReplaceAllString(html, "")
	text = brRe.ReplaceAllString(text, "\n")
	text = pCloseRe.ReplaceAllString(text, "\n\n")
	text = tagRe.ReplaceAllString(text, "")
	text = blankRunsRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func listAttachments(msg *message) []string {
	var attachments []string
	for _, p := range msg.Payload.Parts {
		if p.Filename == "" {
			continue
		}
		if p.Body.Size > 0 {
			attachments = append(attachments, fmt.Sprintf("%s (%.1f KB)", p.Filename, float64(p.Body.Size)/1024))
		} else {
			attachments = append(attachments, p.Filename)
		}
	}
	return attachments
}
