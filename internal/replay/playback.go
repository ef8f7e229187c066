package replay

import "time"

// PlaybackState is the replay scrubber. Invariant after every transition:
// StartMs <= CursorMs <= EndMs.
type PlaybackState struct {
	StartMs  uint64
	CursorMs uint64
	EndMs    uint64
	Playing  bool
}

// NewPlaybackState starts paused at the window start.
func NewPlaybackState(startMs, endMs uint64) PlaybackState {
	if endMs < startMs {
		endMs = startMs
	}
	return PlaybackState{StartMs: startMs, CursorMs: startMs, EndMs: endMs}
}

// TogglePlay flips between playing and paused.
func (s *PlaybackState) TogglePlay() {
	s.Playing = !s.Playing
}

// StepBack pauses and moves the cursor back by stepMs, clamped to start.
func (s *PlaybackState) StepBack(stepMs uint64) {
	s.Playing = false
	if s.CursorMs < s.StartMs+stepMs {
		s.CursorMs = s.StartMs
	} else {
		s.CursorMs -= stepMs
	}
}

// StepForward pauses and moves the cursor forward by stepMs, clamped to
// end.
func (s *PlaybackState) StepForward(stepMs uint64) {
	s.Playing = false
	s.CursorMs += stepMs
	if s.CursorMs > s.EndMs {
		s.CursorMs = s.EndMs
	}
}

// Home pauses and jumps to the window start.
func (s *PlaybackState) Home() {
	s.Playing = false
	s.CursorMs = s.StartMs
}

// End pauses and jumps to the window end.
func (s *PlaybackState) End() {
	s.Playing = false
	s.CursorMs = s.EndMs
}

// Rewind pauses and returns the cursor to the window start.
func (s *PlaybackState) Rewind() {
	s.Playing = false
	s.CursorMs = s.StartMs
}

// Tick advances a playing cursor by whole tick strides covered by the
// elapsed wall time, clamping to the end; reaching the end pauses.
// Returns how many milliseconds the cursor moved.
func (s *PlaybackState) Tick(elapsed time.Duration, tickMs uint64) uint64 {
	if !s.Playing || tickMs == 0 {
		return 0
	}
	strides := uint64(elapsed.Milliseconds()) / tickMs
	advance := strides * tickMs
	before := s.CursorMs
	s.CursorMs += advance
	if s.CursorMs >= s.EndMs {
		s.CursorMs = s.EndMs
		s.Playing = false
	}
	return s.CursorMs - before
}

// SnapshotMarkers hold optional user-set start/end pins for snapshot
// emission, clamped into the playback window when resolved.
type SnapshotMarkers struct {
	Start *uint64
	End   *uint64
}

// MarkStart pins the snapshot start to the cursor.
func (m *SnapshotMarkers) MarkStart(cursorMs uint64) {
	value := cursorMs
	m.Start = &value
}

// MarkEnd pins the snapshot end to the cursor.
func (m *SnapshotMarkers) MarkEnd(cursorMs uint64) {
	value := cursorMs
	m.End = &value
}

// Clear removes both pins.
func (m *SnapshotMarkers) Clear() {
	m.Start = nil
	m.End = nil
}

// Resolve produces the effective snapshot range: both pins when set, a pin
// paired with the cursor when one is set, otherwise the default range (or
// start..cursor). The result is clamped to the window and reordered if
// inverted.
func (m *SnapshotMarkers) Resolve(state *PlaybackState, defaultRange *[2]uint64) (uint64, uint64) {
	var start, end uint64
	switch {
	case m.Start != nil && m.End != nil:
		start, end = *m.Start, *m.End
	case m.Start != nil:
		start, end = *m.Start, state.CursorMs
	case m.End != nil:
		start, end = state.CursorMs, *m.End
	case defaultRange != nil:
		start, end = defaultRange[0], defaultRange[1]
	default:
		start, end = state.StartMs, state.CursorMs
	}
	start = clamp(start, state.StartMs, state.EndMs)
	end = clamp(end, state.StartMs, state.EndMs)
	if start > end {
		start, end = end, start
	}
	return start, end
}

func clamp(v, lo, hi uint64) uint64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
