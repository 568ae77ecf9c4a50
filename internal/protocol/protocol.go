// Package protocol implements the delimiter-based tool-request protocol:
// extracting structured invocations from free-form AI-generated text and
// formatting execution results back into text the model can re-ingest.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/toolbridge/core/internal/corelog"
)

// Delimiters configures the literal strings bounding a tool-request block
// and the field value sigils within it. The value sigils are escaped before
// being compiled into the field regular expression; the block delimiters are
// matched as literal strings.
type Delimiters struct {
	Open       string
	Close      string
	ValueOpen  string
	ValueClose string
}

// DefaultDelimiters returns the spec's default delimiter set.
func DefaultDelimiters() Delimiters {
	return Delimiters{
		Open:       "<<<[TOOL_REQUEST]>>>",
		Close:      "<<<[END_TOOL_REQUEST]>>>",
		ValueOpen:  "「始」",
		ValueClose: "「末」",
	}
}

const reservedToolName = "tool_name"
const reservedArchery = "archery"

// Invocation is one parsed tool-request block.
type Invocation struct {
	Name    string
	Args    map[string]string
	Archery bool
	Raw     string
}

// Attachment describes a rich-content reference appended to a formatted
// result (image, file, video, audio).
type Attachment struct {
	Kind      string // "image", "file", "video", "audio"
	Reference string
}

// Parser extracts invocations from text and formats results back into text.
type Parser struct {
	delims    Delimiters
	fieldRE   *regexp.Regexp
	logger    *corelog.Logger
}

// New builds a Parser with the given delimiters. A nil logger disables
// diagnostic logging.
func New(delims Delimiters, logger *corelog.Logger) *Parser {
	p := &Parser{delims: delims, logger: logger}
	p.fieldRE = regexp.MustCompile(
		`([A-Za-z0-9_]+)\s*:\s*` + regexp.QuoteMeta(delims.ValueOpen) +
			`([\s\S]*?)` + regexp.QuoteMeta(delims.ValueClose) + `\s*,?`,
	)
	return p
}

// HasInvocations reports whether text contains at least one complete
// tool-request block (open delimiter followed somewhere by a close
// delimiter).
func (p *Parser) HasInvocations(text string) bool {
	idx := strings.Index(text, p.delims.Open)
	if idx == -1 {
		return false
	}
	return strings.Contains(text[idx+len(p.delims.Open):], p.delims.Close)
}

// Parse scans text for tool-request blocks and returns the invocations that
// successfully named a target plugin. Parse failures are logged and never
// propagated — the result is whatever could be recovered.
func (p *Parser) Parse(ctx context.Context, text string) []Invocation {
	var invocations []Invocation

	pos := 0
	for {
		openIdx := strings.Index(text[pos:], p.delims.Open)
		if openIdx == -1 {
			break
		}
		openIdx += pos
		blockStart := openIdx + len(p.delims.Open)

		closeIdx := strings.Index(text[blockStart:], p.delims.Close)
		if closeIdx == -1 {
			if p.logger != nil {
				p.logger.Warn(ctx, "tool request block missing close delimiter, skipping")
			}
			pos = blockStart
			continue
		}
		closeIdx += blockStart

		block := text[blockStart:closeIdx]
		raw := text[openIdx : closeIdx+len(p.delims.Close)]

		inv, ok := p.parseBlock(ctx, block, raw)
		if ok {
			invocations = append(invocations, inv)
		}

		pos = closeIdx + len(p.delims.Close)
	}

	return invocations
}

func (p *Parser) parseBlock(ctx context.Context, block, raw string) (Invocation, bool) {
	args := make(map[string]string)
	matches := p.fieldRE.FindAllStringSubmatch(block, -1)

	var name string
	var archery bool
	haveName := false

	for _, m := range matches {
		key := m[1]
		value := strings.TrimSpace(m[2])

		switch key {
		case reservedToolName:
			name = value
			haveName = true
		case reservedArchery:
			archery = value == "true" || value == "no_reply"
		default:
			args[key] = value
		}
	}

	if !haveName || name == "" {
		if p.logger != nil {
			p.logger.Warn(ctx, "tool request block missing tool_name, discarding")
		}
		return Invocation{}, false
	}

	return Invocation{Name: name, Args: args, Archery: archery, Raw: raw}, true
}

// FormatResult renders an execution outcome as text suitable for
// re-ingestion by the model: a labeled header, a fenced literal containing
// the (JSON-stringified, if structured) payload, and an enumerated list of
// any rich-content attachments.
func FormatResult(name string, payload any, ok bool, execErr error, attachments ...Attachment) string {
	var b strings.Builder

	status := "success"
	if !ok {
		status = "failure"
	}
	fmt.Fprintf(&b, "[Tool Result: %s] status: %s\n", name, status)

	if !ok && execErr != nil {
		fmt.Fprintf(&b, "error: %s\n", execErr.Error())
	}

	b.WriteString("```\n")
	b.WriteString(stringifyPayload(payload))
	b.WriteString("\n```\n")

	if len(attachments) > 0 {
		b.WriteString("Attachments:\n")
		for i, a := range attachments {
			fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, a.Kind, a.Reference)
		}
	}

	return b.String()
}

func stringifyPayload(payload any) string {
	switch v := payload.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
