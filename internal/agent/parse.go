package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ResultDelimiter is the token the prompt instructs the agent to print on
// its own line, immediately before the JSON result object.
const ResultDelimiter = "---RESULT---"

// Payload is the structured verdict the agent must emit
type Payload struct {
	Status              string        `json:"status"`
	Summary             string        `json:"summary"`
	FilesChanged        []string      `json:"filesChanged"`
	TestsPass           bool          `json:"testsPass"`
	LintPass            bool          `json:"lintPass"`
	TypecheckPass       bool          `json:"typecheckPass"`
	VerificationDetails *Verification `json:"verificationDetails,omitempty"`
}

// Verification carries the agent's free-form check output
type Verification struct {
	Tests     string `json:"tests,omitempty"`
	Lint      string `json:"lint,omitempty"`
	Typecheck string `json:"typecheck,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusRefused = "refused"
)

func (p *Payload) validate() error {
	if p.Status != StatusSuccess && p.Status != StatusRefused {
		return fmt.Errorf("status must be %q or %q, got %q", StatusSuccess, StatusRefused, p.Status)
	}
	return nil
}

var fencedBlock = regexp.MustCompile("(?s)```[a-zA-Z]*\\n(.*?)```")

// Parse runs the first two parsing stages over raw agent output: the
// delimiter protocol, then a scan of fenced code blocks. The caller decides
// whether to spend a reformat invocation on stage three.
func Parse(raw string) (*Payload, error) {
	if p, err := ParsePrimary(raw); err == nil {
		return p, nil
	}
	return ParseFenced(raw)
}

// ParsePrimary looks for the delimiter token and decodes the JSON object
// following it, tolerating a fenced code block around the object
func ParsePrimary(raw string) (*Payload, error) {
	idx := strings.LastIndex(raw, ResultDelimiter)
	if idx < 0 {
		return nil, fmt.Errorf("delimiter %s not found", ResultDelimiter)
	}

	tail := raw[idx+len(ResultDelimiter):]
	if m := fencedBlock.FindStringSubmatch(tail); m != nil {
		tail = m[1]
	}
	return decodePayload(tail)
}

// ParseFenced scans fenced code blocks, most recent first, for a
// schema-valid JSON object
func ParseFenced(raw string) (*Payload, error) {
	blocks := fencedBlock.FindAllStringSubmatch(raw, -1)
	for i := len(blocks) - 1; i >= 0; i-- {
		if p, err := decodePayload(blocks[i][1]); err == nil {
			return p, nil
		}
	}
	// A bare JSON object with no fences at all is still acceptable.
	if p, err := decodePayload(raw); err == nil {
		return p, nil
	}
	return nil, fmt.Errorf("no schema-valid JSON object in output")
}

func decodePayload(s string) (*Payload, error) {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "{")
	if start < 0 {
		return nil, fmt.Errorf("no JSON object")
	}

	var p Payload
	dec := json.NewDecoder(strings.NewReader(s[start:]))
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// TruncateHeadTail bounds s by keeping its head and tail and marking the
// elision. Used to keep the reformatting prompt within a sane size.
func TruncateHeadTail(s string, head, tail int) string {
	if len(s) <= head+tail {
		return s
	}
	return s[:head] + "\n... (output truncated) ...\n" + s[len(s)-tail:]
}

// Preview returns the first n bytes of raw output for error reporting
func Preview(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

const reformatPromptTemplate = `The text below is the output of an automated coding session. Extract its final result and print ONLY a JSON object of this exact shape, with no other text:

{"status": "success" or "refused", "summary": string, "filesChanged": [string], "testsPass": bool, "lintPass": bool, "typecheckPass": bool}

Output to reformat:
%s`

// ReformatPrompt builds the stage-three prompt that asks the agent to
// reshape its own earlier output
func ReformatPrompt(raw string) string {
	return fmt.Sprintf(reformatPromptTemplate, TruncateHeadTail(raw, 6000, 6000))
}

// StripArg removes a flag/value pair from an argument list, handling both
// the "--flag value" and "--flag=value" forms. Only exact matches are
// removed.
func StripArg(args []string, flag, value string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == flag && i+1 < len(args) && args[i+1] == value {
			i++
			continue
		}
		if args[i] == flag+"="+value {
			continue
		}
		out = append(out, args[i])
	}
	return out
}
