package engine

import _ "embed"

// DefaultRules is the compiled-in default rule layer (§4.1, §6.3),
// sourced from defaults.yaml. It is the first layer concatenated by the
// loader and is never editable at runtime.
//
//go:embed defaults.yaml
var DefaultRules []byte
