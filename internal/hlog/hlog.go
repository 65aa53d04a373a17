// Package hlog is the thin logrus wrapper the volume lifecycle, epoch
// ring, and allocator log through. It exists mainly to pin the field
// names every call site OR's into its Fields so a log pipeline can filter
// on them consistently instead of each file inventing its own key.
package hlog

import "github.com/sirupsen/logrus"

// Field name constants shared by every structured log call site in hn4.
// Not every call uses every field: epoch_id only applies near the epoch
// ring, lba only near the allocator, but when a call site does log one of
// these concepts it uses the shared name.
const (
	FieldLBA            = "lba"
	FieldEpochID        = "epoch_id"
	FieldCopyGeneration = "copy_generation"
	FieldStateFlags     = "state_flags"
)

// Logger is logrus.Logger with nothing added; the type exists so callers
// depend on hlog.Logger rather than logrus directly.
type Logger = logrus.Logger

// Fields is an alias of logrus.Fields so call sites don't need their own
// import of logrus just to build one.
type Fields = logrus.Fields

// New returns a fresh logger with logrus's defaults.
func New() *Logger {
	return logrus.New()
}
