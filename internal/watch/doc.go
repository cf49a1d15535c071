// Package watch adapts fsnotify into the typed change stream consumed by
// the dev server. Files below the compiler's include roots with a source
// extension are reported as source changes; everything else under the
// watched directories is reported as a generic change. A Debouncer is
// provided for callers that want to coalesce bursts of changes.
package watch
