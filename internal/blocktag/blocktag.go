// Package blocktag implements the block-tag substitution transform that
// spec.md treats as an external collaborator ("a pure transform over the
// request"). The Rust source this spec was distilled from
// (replace_block_tags) applies it to every non-subscription call; this is a
// minimal, swappable implementation of that transform so the executor can
// be exercised end-to-end.
package blocktag

import (
	"encoding/json"
)

// NamedNumbers maps symbolic block tags to their current concrete value
// (typically a quantity hex string like "0x10"). Maintained by whatever
// component tracks chain head — out of scope here; rpcmux only consumes it.
type NamedNumbers map[string]string

// Substituter returns a request's parameters with block tags substituted,
// leaving the input untouched. The executor takes
// this as an interface (spec §4.G step 4) so a no-op or chain-specific
// implementation can be swapped in without touching the executor.
type Substituter interface {
	Substitute(method string, params json.RawMessage, numbers NamedNumbers) json.RawMessage
}

// Default replaces any parameter that is exactly one of the well-known
// symbolic tags ("latest", "earliest", "pending", "safe", "finalized")
// with its concrete value from NamedNumbers. Parameters that aren't a
// recognised tag, or for which no mapping exists, pass through unchanged.
type Default struct{}

var knownTags = map[string]bool{
	"latest":    true,
	"earliest":  true,
	"pending":   true,
	"safe":      true,
	"finalized": true,
}

func (Default) Substitute(_ string, params json.RawMessage, numbers NamedNumbers) json.RawMessage {
	if len(params) == 0 {
		return params
	}

	var list []json.RawMessage
	if err := json.Unmarshal(params, &list); err != nil {
		return params
	}

	changed := false
	for i, p := range list {
		var tag string
		if err := json.Unmarshal(p, &tag); err != nil {
			continue
		}
		if !knownTags[tag] {
			continue
		}
		replacement, ok := numbers[tag]
		if !ok {
			continue
		}
		b, err := json.Marshal(replacement)
		if err != nil {
			continue
		}
		list[i] = b
		changed = true
	}

	if !changed {
		return params
	}
	out, err := json.Marshal(list)
	if err != nil {
		return params
	}
	return out
}
