package scheduling

import "time"

// ValidateNotPast rejects a timestamp earlier than now.
func ValidateNotPast(t, now time.Time) error {
	if t.Before(now) {
		return temporalf(PastDate, "start %s is in the past", t.Format(time.RFC3339))
	}
	return nil
}

// ValidateSameDay rejects windows whose end falls on a different calendar
// date than start, both read in start's location.
func ValidateSameDay(start, end time.Time) error {
	end = end.In(start.Location())
	sy, sm, sd := start.Date()
	ey, em, ed := end.Date()
	if sy != ey || sm != em || sd != ed {
		return temporalf(CrossDay, "window spans %s to %s", start.Format(time.DateOnly), end.Format(time.DateOnly))
	}
	return nil
}

// ValidateMinimumDuration rejects windows where end <= start + slot.
func ValidateMinimumDuration(start, end time.Time, slot time.Duration) error {
	if !end.After(start.Add(slot)) {
		return temporalf(TooShort, "window %s-%s does not exceed one %s slot",
			start.Format(slotKeyLayout), end.Format(slotKeyLayout), slot)
	}
	return nil
}

// ValidateDuration requires a whole number of minutes; break may be zero.
func ValidateDuration(d time.Duration, allowZero bool) error {
	if d < 0 || (d == 0 && !allowZero) || d%time.Minute != 0 {
		return temporalf(InvalidDuration, "duration %s must be a positive whole number of minutes", d)
	}
	return nil
}

// validateStructure checks the rules that hold for every stored window,
// including slot-state writes made while booking.
func validateStructure(start, end time.Time, slot, brk time.Duration) error {
	if err := ValidateDuration(slot, false); err != nil {
		return err
	}
	if err := ValidateDuration(brk, true); err != nil {
		return err
	}
	if err := ValidateSameDay(start, end); err != nil {
		return err
	}
	return ValidateMinimumDuration(start, end, slot)
}

// ValidateWindow runs every temporal rule for a window edit made by its
// doctor. The stride must also yield at least one slot.
func ValidateWindow(start, end time.Time, slot, brk time.Duration, now time.Time) error {
	if err := ValidateNotPast(start, now); err != nil {
		return err
	}
	if err := validateStructure(start, end, slot, brk); err != nil {
		return err
	}
	if SlotCount(start, end, slot, brk) == 0 {
		return temporalf(TooShort, "no %s slot plus %s break fits in the window", slot, brk)
	}
	return nil
}
