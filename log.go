package hn4

import "github.com/hn4-dev/hn4/internal/hlog"

// log is the package-wide structured logger. Mount/unmount transitions,
// epoch advances, allocator fallbacks, and the genesis planner's
// soft-degradation signal all go through it; nothing in the core ever
// logs and returns a result instead of logging, per the "core code paths
// always return a result instead of aborting" design note (§9) — logging
// is observability, not control flow.
var log = hlog.New()
