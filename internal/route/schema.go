package route

import "encoding/json"

// ProofResult is the structured answer contract for PROVE mode.
type ProofResult struct {
	Claim       string   `json:"claim"`
	Definitions []string `json:"definitions"`
	Assumptions []string `json:"assumptions"`
	Steps       []string `json:"steps"`
	Result      string   `json:"result"` // PROVED, REFUTED, or UNDECIDED
	Confidence  float64  `json:"confidence"`
	Notes       string   `json:"notes"`
}

// DerivationStep is one move in a derivation.
type DerivationStep struct {
	Expr string `json:"expr"`
	Rule string `json:"rule"`
}

// DerivationResult is the structured answer contract for DERIVE mode.
type DerivationResult struct {
	Goal       string           `json:"goal"`
	Givens     []string         `json:"givens"`
	Steps      []DerivationStep `json:"steps"`
	Result     string           `json:"result"`
	Confidence float64          `json:"confidence"`
}

var proofSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "claim": {"type": "string"},
    "definitions": {"type": "array", "items": {"type": "string"}},
    "assumptions": {"type": "array", "items": {"type": "string"}},
    "steps": {"type": "array", "items": {"type": "string"}},
    "result": {"type": "string", "enum": ["PROVED", "REFUTED", "UNDECIDED"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "notes": {"type": "string"}
  },
  "required": ["claim", "assumptions", "steps", "result", "confidence"]
}`)

var derivationSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "goal": {"type": "string"},
    "givens": {"type": "array", "items": {"type": "string"}},
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "expr": {"type": "string"},
          "rule": {"type": "string"}
        },
        "required": ["expr", "rule"]
      }
    },
    "result": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  },
  "required": ["goal", "steps", "result", "confidence"]
}`)

// SchemaFor returns the JSON schema enforced on answers in the given
// mode. CHAT has no schema and returns nil.
func SchemaFor(mode Mode) json.RawMessage {
	switch mode {
	case ModeProve:
		return proofSchema
	case ModeDerive:
		return derivationSchema
	}
	return nil
}

// PromptFor returns the system-prompt fragment that explains the
// answer contract for the given mode. CHAT needs none.
func PromptFor(mode Mode) string {
	switch mode {
	case ModeProve:
		return "Treat the request as a claim to be proved or refuted. Work rigorously: state your definitions and assumptions, argue in numbered steps, and conclude PROVED, REFUTED, or UNDECIDED with a confidence between 0 and 1. Answer as JSON matching the required schema."
	case ModeDerive:
		return "Treat the request as a goal to derive from givens. Show every step as an expression paired with the rule that justifies it, then state the result with a confidence between 0 and 1. Answer as JSON matching the required schema."
	}
	return ""
}
