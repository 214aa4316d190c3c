// Package parser translates single lines of child output into marker
// events. The parser is stateless and total: any input yields either
// one event or none, and the original line is always routed to the log
// stream by the caller.
package parser

import (
	"strings"
)

// Kind identifies the marker event type.
type Kind string

const (
	KindStepStart    Kind = "step_start"
	KindStepComplete Kind = "step_complete"
	KindStepError    Kind = "step_error"
	KindArtifact     Kind = "artifact"
	KindMeta         Kind = "meta"
)

// Event is one parsed marker.
type Event struct {
	Kind Kind

	// Name is the step name for step_start / step_complete.
	Name string

	// Description carries the step_error description or the artifact
	// description.
	Description string

	// Path is the declared artifact path.
	Path string

	// Key and Value carry META payloads.
	Key   string
	Value string

	// StopOnError is the step_start failure policy. Defaults to true
	// when the option is absent.
	StopOnError bool

	// Options holds unrecognized step_start options; they are retained
	// in the step's metadata.
	Options map[string]string
}

const (
	prefixStepStart    = "STEP_START:"
	prefixStepComplete = "STEP_COMPLETE:"
	prefixStepError    = "STEP_ERROR:"
	prefixArtifact     = "ARTIFACT:"
	prefixMeta         = "META:"
)

// Parse scans one line (trailing newline already stripped) for a marker.
// A line is a marker only when, after trimming leading whitespace, it
// starts with a marker prefix and the remainder after the colon is
// non-empty. Everything else is ordinary output.
func Parse(line string) (Event, bool) {
	s := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(s, prefixStepStart):
		return parseStepStart(s[len(prefixStepStart):])
	case strings.HasPrefix(s, prefixStepComplete):
		rest := strings.TrimSpace(s[len(prefixStepComplete):])
		if rest == "" {
			return Event{}, false
		}
		return Event{Kind: KindStepComplete, Name: rest}, true
	case strings.HasPrefix(s, prefixStepError):
		rest := strings.TrimSpace(s[len(prefixStepError):])
		if rest == "" {
			return Event{}, false
		}
		return Event{Kind: KindStepError, Description: rest}, true
	case strings.HasPrefix(s, prefixArtifact):
		return parseArtifact(s[len(prefixArtifact):])
	case strings.HasPrefix(s, prefixMeta):
		return parseMeta(s[len(prefixMeta):])
	}
	return Event{}, false
}

// parseStepStart handles `<name>[ '[' key=value (',' key=value)* ']' ]`.
// The recognized option is stop_on_error; unknown options are retained.
func parseStepStart(rest string) (Event, bool) {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return Event{}, false
	}

	ev := Event{Kind: KindStepStart, StopOnError: true}

	name := rest
	if strings.HasSuffix(rest, "]") {
		if open := strings.LastIndex(rest, "["); open >= 0 {
			name = strings.TrimSpace(rest[:open])
			opts := rest[open+1 : len(rest)-1]
			for _, pair := range strings.Split(opts, ",") {
				kv := strings.SplitN(pair, "=", 2)
				if len(kv) != 2 {
					continue
				}
				k := strings.TrimSpace(kv[0])
				v := strings.TrimSpace(kv[1])
				if k == "" {
					continue
				}
				if k == "stop_on_error" {
					ev.StopOnError = !strings.EqualFold(v, "false")
					continue
				}
				if ev.Options == nil {
					ev.Options = map[string]string{}
				}
				ev.Options[k] = v
			}
		}
	}
	if name == "" {
		return Event{}, false
	}
	ev.Name = name
	return ev, true
}

// parseArtifact handles `<path>:<description>`. The split is on the
// first colon after the path; any further colons belong to the
// description. A bare path with no description is accepted.
func parseArtifact(rest string) (Event, bool) {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return Event{}, false
	}
	ev := Event{Kind: KindArtifact}
	if i := strings.Index(rest, ":"); i >= 0 {
		ev.Path = strings.TrimSpace(rest[:i])
		ev.Description = strings.TrimSpace(rest[i+1:])
	} else {
		ev.Path = rest
	}
	if ev.Path == "" {
		return Event{}, false
	}
	return ev, true
}

// parseMeta handles `<key>:<value>`. Both parts are required.
func parseMeta(rest string) (Event, bool) {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return Event{}, false
	}
	i := strings.Index(rest, ":")
	if i < 0 {
		return Event{}, false
	}
	key := strings.TrimSpace(rest[:i])
	value := strings.TrimSpace(rest[i+1:])
	if key == "" {
		return Event{}, false
	}
	return Event{Kind: KindMeta, Key: key, Value: value}, true
}
