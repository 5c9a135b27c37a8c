package playback

import "strings"

// RecoverablePolicy decides which playback-preparation notes count as
// recoverable warnings during ingestion rather than hard failures. The
// policy is fixed at construction, not per call.
type RecoverablePolicy struct {
	notes    map[string]struct{}
	prefixes []string
}

// DefaultRecoverablePolicy matches ffmpeg_missing, playback_skipped and any
// note starting with "ffmpeg_".
func DefaultRecoverablePolicy() *RecoverablePolicy {
	return NewRecoverablePolicy(nil)
}

// NewRecoverablePolicy extends the default recoverable set with extraNotes.
func NewRecoverablePolicy(extraNotes []string) *RecoverablePolicy {
	p := &RecoverablePolicy{
		notes: map[string]struct{}{
			NoteFFmpegMissing:  {},
			"playback_skipped": {},
		},
		prefixes: []string{"ffmpeg_"},
	}
	for _, n := range extraNotes {
		if n != "" {
			p.notes[n] = struct{}{}
		}
	}
	return p
}

// IsRecoverable reports whether note allows a selection to succeed with a
// warning instead of failing the import.
func (p *RecoverablePolicy) IsRecoverable(note string) bool {
	if _, ok := p.notes[note]; ok {
		return true
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(note, prefix) {
			return true
		}
	}
	return false
}
