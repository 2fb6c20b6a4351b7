package wave

import "embed"

// builtinPlans holds the plan definitions shipped with the binary.
//
//go:embed plans/*.yml
var builtinPlans embed.FS
