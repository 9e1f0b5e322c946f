package queue

// forward lists the statuses reachable in one step from each
// non-terminal status.
var forward = map[AppointmentStatus][]AppointmentStatus{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

// ValidTransition reports whether from -> to is an edge of the
// appointment lifecycle.
func ValidTransition(from, to AppointmentStatus) bool {
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

// authorizeTransition checks actor's authority over appt. It does not
// check lifecycle validity.
func authorizeTransition(actor Actor, clinic *Clinic, appt *Appointment, to AppointmentStatus) error {
	if clinic.OwnedBy(actor) {
		return nil
	}
	if actor.Role == RolePatient && actor.ID == appt.PatientID {
		if to == StatusCancelled && appt.Status.Waiting() {
			return nil
		}
	}
	return ErrForbidden
}

// checkTransition applies the lifecycle rules in order: terminal states
// reject everyone, then authority, then the edge itself.
func checkTransition(actor Actor, clinic *Clinic, appt *Appointment, to AppointmentStatus) error {
	if appt.Status.Terminal() {
		return ErrInvalidTransition
	}
	if err := authorizeTransition(actor, clinic, appt, to); err != nil {
		return err
	}
	if !ValidTransition(appt.Status, to) {
		return ErrInvalidTransition
	}
	return nil
}
