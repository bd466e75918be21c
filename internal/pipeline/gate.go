package pipeline

// SetAutoExecute drives the auto-execute gate from the external preference.
//
// On the false→true transition every currently known id is snapshotted into
// the baseline: those tools predate the feature being enabled and are never
// auto-queued. Disabling has no retroactive effect — anything already
// auto-queued runs to completion. The auto-queued set is monotone for the
// store's lifetime, so toggling the gate off and back on cannot re-execute a
// tool, and neither can a Clear.
func (s *Store) SetAutoExecute(on bool) {
	s.mu.Lock()
	if on && !s.autoExecute {
		s.baseline = make(map[string]struct{}, len(s.records))
		for id := range s.records {
			s.baseline[id] = struct{}{}
		}
	}
	changed := s.autoExecute != on
	s.autoExecute = on
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// AutoExecuteEnabled reports whether the gate is open.
func (s *Store) AutoExecuteEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoExecute
}
