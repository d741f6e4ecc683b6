package replay

import (
	"regexp"
	"strconv"
	"strings"
)

// CommandKind classifies a normalized command.
type CommandKind int

const (
	KindRegular CommandKind = iota
	KindPrepare
	KindExecute
	KindUnprepare
	KindResetConn
	KindResetConnNonpooled
)

func (k CommandKind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindPrepare:
		return "prepare"
	case KindExecute:
		return "execute"
	case KindUnprepare:
		return "unprepare"
	case KindResetConn:
		return "reset_connection"
	case KindResetConnNonpooled:
		return "reset_connection_nonpooled"
	default:
		return "unknown"
	}
}

// HandlePlaceholder is the sentinel substituted with the server-assigned
// handle for Execute/Unprepare commands. Only the first occurrence is ever
// replaced.
const HandlePlaceholder = "§" // §

// NormalizedCommand is the pure-function result of classifying a
// CommandRecord's text.
type NormalizedCommand struct {
	Kind CommandKind

	// Text is ready to execute as-is for Regular/Prepare/ResetConn*, or
	// contains exactly one HandlePlaceholder occurrence for Execute/Unprepare.
	Text string

	// SourceHandleID is valid for Prepare/Execute/Unprepare.
	SourceHandleID int64
}

// Normalizer classifies command text into a NormalizedCommand. It must be a
// pure function of its input. The replay engine treats the normalizer as an
// external collaborator: production deployments are expected to supply one
// grounded in their own capture format. RegexNormalizer below is a reference
// implementation sufficient to drive the engine end-to-end and to exercise
// every recognized command kind.
type Normalizer interface {
	Normalize(text string) (NormalizedCommand, error)
}

// NormalizerFunc adapts a plain function to a Normalizer.
type NormalizerFunc func(text string) (NormalizedCommand, error)

func (f NormalizerFunc) Normalize(text string) (NormalizedCommand, error) {
	return f(text)
}

var (
	reResetConn          = regexp.MustCompile(`(?i)^\s*reset\s+connection\s*$`)
	reResetConnNonpooled = regexp.MustCompile(`(?i)^\s*reset\s+connection\s*\(\s*nonpooled\s*\)\s*$`)
	rePrepare            = regexp.MustCompile(`(?is)^\s*exec(?:ute)?\s+sp_prepare\s+(\d+)\s*,(.*)$`)
	reExecute            = regexp.MustCompile(`(?is)^\s*exec(?:ute)?\s+sp_execute\s+(\d+)\s*(?:,(.*))?$`)
	reUnprepare          = regexp.MustCompile(`(?is)^\s*exec(?:ute)?\s+sp_unprepare\s+(\d+)\s*$`)
)

// RegexNormalizer recognizes the textual shape commonly produced by
// SQL-Server-style trace capture for RPC session-control calls
// (sp_prepare/sp_execute/sp_unprepare) and the literal "reset connection"
// marker, falling back to KindRegular for everything else.
type RegexNormalizer struct{}

func (RegexNormalizer) Normalize(text string) (NormalizedCommand, error) {
	if reResetConnNonpooled.MatchString(text) {
		return NormalizedCommand{Kind: KindResetConnNonpooled, Text: text}, nil
	}
	if reResetConn.MatchString(text) {
		return NormalizedCommand{Kind: KindResetConn, Text: text}, nil
	}
	if m := rePrepare.FindStringSubmatch(text); m != nil {
		handle, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return NormalizedCommand{Kind: KindRegular, Text: text}, nil
		}
		return NormalizedCommand{
			Kind:           KindPrepare,
			Text:           strings.TrimSpace(m[2]),
			SourceHandleID: handle,
		}, nil
	}
	if m := reExecute.FindStringSubmatch(text); m != nil {
		handle, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return NormalizedCommand{Kind: KindRegular, Text: text}, nil
		}
		params := ""
		if len(m) > 2 {
			params = strings.TrimSpace(m[2])
		}
		normText := HandlePlaceholder
		if params != "" {
			normText = HandlePlaceholder + " " + params
		}
		return NormalizedCommand{
			Kind:           KindExecute,
			Text:           normText,
			SourceHandleID: handle,
		}, nil
	}
	if m := reUnprepare.FindStringSubmatch(text); m != nil {
		handle, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return NormalizedCommand{Kind: KindRegular, Text: text}, nil
		}
		return NormalizedCommand{
			Kind:           KindUnprepare,
			Text:           HandlePlaceholder,
			SourceHandleID: handle,
		}, nil
	}
	return NormalizedCommand{Kind: KindRegular, Text: text}, nil
}

// SubstituteHandle replaces the first occurrence of HandlePlaceholder in
// text with the decimal server handle. It is a no-op if the placeholder is
// absent.
func SubstituteHandle(text string, serverHandle int64) string {
	idx := strings.Index(text, HandlePlaceholder)
	if idx < 0 {
		return text
	}
	return text[:idx] + strconv.FormatInt(serverHandle, 10) + text[idx+len(HandlePlaceholder):]
}

var reParamAssignment = regexp.MustCompile(`(?i)^@\w+\s*=\s*(.*)$`)

// ExecuteArgs parses the parameter list trailing an Execute command's
// handle placeholder into positional bind values for the prepared
// statement it addresses. It understands the SQL-Server RPC parameter
// shape RegexNormalizer emits ("@p1=1, @p2='text'"); a normalizer for a
// different capture format can produce norm.Text in the same shape and
// reuse this parser unchanged. Returns nil when there is nothing after the
// placeholder, so a parameterless Execute still binds zero arguments.
func ExecuteArgs(text string) []any {
	rest := text
	if idx := strings.Index(text, HandlePlaceholder); idx >= 0 {
		rest = text[idx+len(HandlePlaceholder):]
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return nil
	}

	tokens := splitParamList(rest)
	args := make([]any, 0, len(tokens))
	for _, tok := range tokens {
		args = append(args, parseParamValue(tok))
	}
	return args
}

// splitParamList splits a comma-separated parameter list on commas outside
// single-quoted string literals, so a literal like 'a,b' is not split.
func splitParamList(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			cur.WriteByte(c)
		case c == ',' && !inQuote:
			parts = append(parts, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		parts = append(parts, rest)
	}
	return parts
}

// parseParamValue converts one "@pN=value" token (or a bare value, for a
// capture format that omits the "@pN=" prefix) into a typed Go value: NULL,
// a quoted string literal, an integer, a float, or the raw token text as a
// last resort.
func parseParamValue(tok string) any {
	val := tok
	if m := reParamAssignment.FindStringSubmatch(tok); m != nil {
		val = strings.TrimSpace(m[1])
	}
	switch {
	case strings.EqualFold(val, "NULL"):
		return nil
	case len(val) >= 2 && val[0] == '\'' && val[len(val)-1] == '\'':
		return strings.ReplaceAll(val[1:len(val)-1], "''", "'")
	}
	if i, err := strconv.ParseInt(val, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(val, 64); err == nil {
		return f
	}
	return val
}
