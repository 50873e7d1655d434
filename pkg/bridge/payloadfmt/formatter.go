// Copyright 2024-2026 Aiku AI

// Package payloadfmt renders inbound webhook payloads as Matrix message text.
package payloadfmt

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf16"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
)

// Supported rendering modes for the configured message format.
const (
	ModeRaw  = "raw"
	ModeJSON = "json"
	ModeYAML = "yaml"
)

// ErrUnknownFormat is returned by Render when the configured mode is not one
// of raw, json or yaml. The webhook handler maps it to 415.
var ErrUnknownFormat = errors.New("unknown message format")

// Formatter renders raw webhook bodies into the text relayed to Matrix. It is
// built once at startup from static configuration and is safe for concurrent
// use by the request handlers.
type Formatter struct {
	// Mode selects the rendering: raw passthrough, or re-serialization of the
	// parsed payload as indented JSON or YAML.
	Mode string
	// AllowUnicode keeps non-ASCII runes literal in structured output. When
	// false they are rewritten as \uXXXX escapes.
	AllowUnicode bool
	// ShowSender enables the bolded sender-label line prepended by Prefix.
	ShowSender bool
	// Markdown enables the secondary rich-text rendering done by RenderRich.
	Markdown bool

	Log zerolog.Logger
}

// Render converts a raw request body into message text per the configured
// mode.
//
// Structured modes never reject a payload. The body is parsed as JSON and
// re-serialized; bodies that do not parse degrade to a best-effort form
// decode. A body that parses as neither, or whose winning representation
// cannot be re-serialized, is relayed as plain text. The only error condition
// is an unknown mode.
func (f *Formatter) Render(raw []byte) (string, error) {
	switch f.Mode {
	case ModeRaw:
		return string(raw), nil
	case ModeJSON:
		var buf strings.Builder
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(f.decode(raw)); err != nil {
			f.Log.Error().Err(err).Msg("Error re-encoding payload as JSON, relaying the raw body")
			return f.escape(string(raw)), nil
		}
		// Encode appends a trailing newline.
		return f.escape(strings.TrimSuffix(buf.String(), "\n")), nil
	case ModeYAML:
		out, err := f.renderYAML(f.decode(raw))
		if err != nil {
			f.Log.Error().Err(err).Msg("Error re-encoding payload as YAML, relaying the raw body")
			return f.escape(string(raw)), nil
		}
		return out, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, f.Mode)
	}
}

// renderYAML re-serializes the decoded payload as block-style YAML. With
// unicode disallowed, scalars carrying non-ASCII text are forced into
// double-quoted style before encoding, where the escapes substituted
// afterwards are valid escape syntax on re-parse.
func (f *Formatter) renderYAML(data any) (string, error) {
	var doc any = data
	if !f.AllowUnicode {
		node := new(yaml.Node)
		if err := node.Encode(data); err != nil {
			return "", err
		}
		quoteNonASCII(node)
		doc = node
	}
	var buf strings.Builder
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	err := enc.Encode(doc)
	if err == nil {
		err = enc.Close()
	}
	if err != nil {
		return "", err
	}
	if f.AllowUnicode {
		return buf.String(), nil
	}
	return escapeNonASCIIYAML(buf.String()), nil
}

// Prefix prepends the bolded sender label when sender display is enabled. The
// two trailing spaces force a markdown line break so the label stays on its
// own line in rendered clients.
func (f *Formatter) Prefix(sender, text string) string {
	if !f.ShowSender {
		return text
	}
	return "**" + sender + "** says:  \n" + text
}

// RenderRich renders text to Matrix HTML when rich formatting is enabled.
// Empty returns mean plain-only delivery: either the toggle is off or the
// markdown renderer found nothing to format. The plain text is never mutated
// either way, both copies go out together.
func (f *Formatter) RenderRich(text string) (event.Format, string) {
	if !f.Markdown {
		return "", ""
	}
	content := format.RenderMarkdown(text, true, false)
	if content.Format != event.FormatHTML {
		return "", ""
	}
	return content.Format, content.FormattedBody
}

// decode parses the body as JSON, falling back to a form decode. Parse
// failures are logged and degraded, never surfaced.
func (f *Formatter) decode(raw []byte) any {
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		f.Log.Error().Err(err).Msg("Error decoding payload as JSON, degrading to form decode")
		return formDecode(raw)
	}
	return data
}

// formDecode interprets the body as a urlencoded form, flattening single-value
// keys. Bodies that do not look like a form collapse to the decoded string.
func formDecode(raw []byte) any {
	body := string(raw)
	if !strings.Contains(body, "=") {
		return body
	}
	values, err := url.ParseQuery(body)
	if err != nil || len(values) == 0 {
		return body
	}
	decoded := make(map[string]any, len(values))
	for key, vals := range values {
		if len(vals) == 1 {
			decoded[key] = vals[0]
		} else {
			decoded[key] = vals
		}
	}
	return decoded
}

// escape applies the AllowUnicode toggle to serialized output.
func (f *Formatter) escape(text string) string {
	if f.AllowUnicode {
		return text
	}
	return escapeNonASCII(text)
}

// escapeNonASCII rewrites every rune outside the ASCII range as a lowercase
// \uXXXX escape, using surrogate pairs for runes beyond the basic multilingual
// plane. Structured serializers only emit non-ASCII inside scalars, so the
// rewrite cannot corrupt syntax.
func escapeNonASCII(s string) string {
	if !strings.ContainsFunc(s, func(r rune) bool { return r > 0x7f }) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r <= 0x7f:
			b.WriteRune(r)
		case r > 0xffff:
			r1, r2 := utf16.EncodeRune(r)
			fmt.Fprintf(&b, `\u%04x\u%04x`, r1, r2)
		default:
			fmt.Fprintf(&b, `\u%04x`, r)
		}
	}
	return b.String()
}

// quoteNonASCII marks every scalar holding runes outside the ASCII range,
// mapping keys included, as double-quoted.
func quoteNonASCII(node *yaml.Node) {
	if node.Kind == yaml.ScalarNode {
		if strings.ContainsFunc(node.Value, func(r rune) bool { return r > 0x7f }) {
			node.Style = yaml.DoubleQuotedStyle
		}
		return
	}
	for _, child := range node.Content {
		quoteNonASCII(child)
	}
}

// escapeNonASCIIYAML is the YAML flavor of escapeNonASCII: runes beyond the
// basic multilingual plane use the eight-digit \UXXXXXXXX form, since YAML
// parsers do not recombine surrogate pairs.
func escapeNonASCIIYAML(s string) string {
	if !strings.ContainsFunc(s, func(r rune) bool { return r > 0x7f }) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r <= 0x7f:
			b.WriteRune(r)
		case r > 0xffff:
			fmt.Fprintf(&b, `\U%08x`, r)
		default:
			fmt.Fprintf(&b, `\u%04x`, r)
		}
	}
	return b.String()
}
