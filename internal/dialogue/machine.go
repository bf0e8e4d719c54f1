package dialogue

import (
	"github.com/ashureev/leadqual/internal/domain"
)

// Transition describes the effect of one user message on a session.
type Transition struct {
	From       domain.Stage
	State      domain.SessionState
	Focus      domain.Field
	Extraction Extraction
	// Advanced is true when the stage changed on this message.
	Advanced bool
	// Confirmed is true when an affirmative token moved the session to COMPLETE.
	Confirmed bool
	// Corrected is true when a confirmation-stage correction replaced a slot.
	Corrected bool
}

// Machine computes stage transitions. It holds no session state.
type Machine struct {
	extractor *Extractor
}

// NewMachine returns a machine that extracts slots with e.
func NewMachine(e *Extractor) *Machine {
	if e == nil {
		e = NewExtractor(0, 0)
	}
	return &Machine{extractor: e}
}

// Extractor returns the machine's slot extractor.
func (m *Machine) Extractor() *Extractor {
	return m.extractor
}

// Advance applies utterance to state and returns the resulting transition.
// The input state is not modified.
func (m *Machine) Advance(state domain.SessionState, utterance string) Transition {
	next := state.Clone()
	t := Transition{From: state.Stage}

	switch state.Stage {
	case domain.StageComplete:
		// Terminal.
	case domain.StageConfirmation:
		m.confirm(&next, utterance, &t)
	default:
		m.collect(&next, utterance, &t)
	}

	t.State = next
	t.Advanced = next.Stage != state.Stage
	return t
}

func (m *Machine) collect(s *domain.SessionState, utterance string, t *Transition) {
	focus, missing := s.Slots.FirstMissing()
	if !missing {
		Reconcile(s)
		return
	}

	t.Focus = focus
	t.Extraction = m.extractor.Extract(utterance, focus)
	if t.Extraction.Accepted() {
		s.Slots.Set(focus, t.Extraction.Value)
	}
	Reconcile(s)
}

func (m *Machine) confirm(s *domain.SessionState, utterance string, t *Transition) {
	if !s.Slots.Complete() {
		// A slot was cleared underneath us; go back to collecting.
		Reconcile(s)
		return
	}

	if IsAffirmative(utterance) {
		s.Stage = domain.StageComplete
		s.PendingConfirmation = false
		t.Confirmed = true
		return
	}

	field, rest, ok := CorrectionTarget(utterance)
	if !ok {
		return
	}
	t.Focus = field
	ex := m.extractor.Extract(rest, field)
	if !ex.Accepted() {
		ex = m.extractor.Extract(utterance, field)
	}
	t.Extraction = ex
	if ex.Accepted() {
		s.Slots.Set(field, ex.Value)
		t.Corrected = true
	}
}

// Reconcile derives stage, status and the confirmation flag from the collected
// slots. Sessions in COMPLETE are left untouched.
func Reconcile(s *domain.SessionState) {
	if s.Stage == domain.StageComplete {
		return
	}

	if focus, missing := s.Slots.FirstMissing(); missing {
		s.Stage = domain.StageFor(focus)
		s.PendingConfirmation = false
		if focus != domain.FieldName || s.Status != domain.LeadStatusNew {
			s.Status = domain.LeadStatusCollecting
		}
		return
	}

	s.Stage = domain.StageConfirmation
	s.PendingConfirmation = true
	s.Status = domain.LeadStatusConfirmationPending
}
