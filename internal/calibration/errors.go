package calibration

import (
	"fmt"

	"github.com/MrWong99/vocalis/pkg/types"
)

// InsufficientSamplesError reports that a calibration run captured too few
// usable frames for a vowel. The user can simply try again.
type InsufficientSamplesError struct {
	Phoneme types.Phoneme
	Got     int
	Need    int
}

// Error implements [error].
func (e *InsufficientSamplesError) Error() string {
	return fmt.Sprintf("calibration: only %d usable %q samples captured (need %d); chant a little louder and closer to the microphone, then try again",
		e.Got, e.Phoneme, e.Need)
}

// Retryable reports that running the calibration again may succeed.
func (e *InsufficientSamplesError) Retryable() bool { return true }
