// Package route classifies raw inbound text into the action it asks
// for: a control command, a direct tool invocation, or a model call
// under one of the cognition modes.
package route

import (
	"fmt"
	"strings"
)

// Mode is a cognition mode. It shapes the answer contract: free text
// for CHAT, a structured proof for PROVE, a structured derivation for
// DERIVE.
type Mode string

const (
	ModeChat   Mode = "CHAT"
	ModeProve  Mode = "PROVE"
	ModeDerive Mode = "DERIVE"
)

// ParseMode recognizes a mode name, case-insensitively.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CHAT":
		return ModeChat, true
	case "PROVE":
		return ModeProve, true
	case "DERIVE":
		return ModeDerive, true
	}
	return "", false
}

// Kind is what a classified message wants done.
type Kind int

const (
	// KindChat is a model call under Route.Mode.
	KindChat Kind = iota
	// KindIngestFile ingests a single document (TRANSMUTE:<path>).
	KindIngestFile
	// KindIngestDir ingests a directory tree (INDEX:<path>).
	KindIngestDir
	// KindReset clears the session history.
	KindReset
	// KindReflectSet switches reflection on or off.
	KindReflectSet
	// KindReflectStatus reports the reflection setting.
	KindReflectStatus
	// KindModeSwitch changes the session's persistent mode.
	KindModeSwitch
	// KindCalc evaluates an expression directly, no model involved.
	KindCalc
)

// Route is the classified form of one inbound message.
type Route struct {
	Kind Kind
	// Mode is the effective cognition mode for this call.
	Mode Mode
	// Arg carries the path, expression, mode name, or message text.
	Arg string
	// OneShot marks a mode applied for this call only (!prove, !derive).
	OneShot bool
	// SinglePass skips reflection for this call only (!fast).
	SinglePass bool
	// ReflectOn is the target state for KindReflectSet.
	ReflectOn bool
}

// cutBang matches a "!command" token at the start of upper. The token
// must be followed by whitespace or end the message, so "!calculate"
// is ordinary chat rather than a garbled "!calc". Returns the trimmed
// remainder from the original-case text.
func cutBang(trimmed, upper, cmd string) (string, bool) {
	if !strings.HasPrefix(upper, cmd) {
		return "", false
	}
	rest := trimmed[len(cmd):]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

// Classify decides what raw asks for. sessionMode is the connection's
// persistent mode, applied when the message itself does not override
// it. Errors describe malformed commands and are safe to show the user.
func Classify(raw string, sessionMode Mode) (Route, error) {
	trimmed := strings.TrimSpace(raw)
	upper := strings.ToUpper(trimmed)

	if rest, ok := cutBang(trimmed, upper, "!CALC"); ok {
		if rest == "" {
			return Route{}, fmt.Errorf("usage: !calc <expression>")
		}
		return Route{Kind: KindCalc, Arg: rest}, nil
	}
	if rest, ok := cutBang(trimmed, upper, "!FAST"); ok {
		if rest == "" {
			return Route{}, fmt.Errorf("usage: !fast <message>")
		}
		return Route{Kind: KindChat, Mode: sessionMode, Arg: rest, SinglePass: true}, nil
	}
	if rest, ok := cutBang(trimmed, upper, "!PROVE"); ok {
		if rest == "" {
			return Route{}, fmt.Errorf("usage: !prove <claim>")
		}
		return Route{Kind: KindChat, Mode: ModeProve, Arg: rest, OneShot: true}, nil
	}
	if rest, ok := cutBang(trimmed, upper, "!DERIVE"); ok {
		if rest == "" {
			return Route{}, fmt.Errorf("usage: !derive <goal>")
		}
		return Route{Kind: KindChat, Mode: ModeDerive, Arg: rest, OneShot: true}, nil
	}

	switch {
	case strings.HasPrefix(upper, "TRANSMUTE:"):
		path := strings.TrimSpace(trimmed[len("TRANSMUTE:"):])
		if path == "" {
			return Route{}, fmt.Errorf("usage: TRANSMUTE:<path>")
		}
		return Route{Kind: KindIngestFile, Arg: path}, nil

	case strings.HasPrefix(upper, "INDEX:"):
		path := strings.TrimSpace(trimmed[len("INDEX:"):])
		if path == "" {
			return Route{}, fmt.Errorf("usage: INDEX:<path>")
		}
		return Route{Kind: KindIngestDir, Arg: path}, nil

	case upper == "RESET":
		return Route{Kind: KindReset}, nil

	case upper == "REFLECT ON":
		return Route{Kind: KindReflectSet, ReflectOn: true}, nil

	case upper == "REFLECT OFF":
		return Route{Kind: KindReflectSet, ReflectOn: false}, nil

	case upper == "REFLECT STATUS":
		return Route{Kind: KindReflectStatus}, nil

	case strings.HasPrefix(upper, "MODE "):
		name := strings.TrimSpace(trimmed[len("MODE "):])
		mode, ok := ParseMode(name)
		if !ok {
			return Route{}, fmt.Errorf("unknown mode %q (valid: CHAT, PROVE, DERIVE)", name)
		}
		return Route{Kind: KindModeSwitch, Mode: mode}, nil

	}

	return Route{Kind: KindChat, Mode: sessionMode, Arg: trimmed}, nil
}
