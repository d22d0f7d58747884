package testrun

import "time"

// SetStatus returns an UpdateSetter that sets the test run's status.
func SetStatus(status Status) UpdateSetter {
	return func(tr *TestRun) error {
		if !status.IsValid() {
			return ErrInvalidStatus
		}
		tr.Status = status
		return nil
	}
}

// SetErrorMessage returns an UpdateSetter that sets the test run's error message.
func SetErrorMessage(msg string) UpdateSetter {
	return func(tr *TestRun) error {
		tr.ErrorMessage = msg
		return nil
	}
}

// SetStartedAt returns an UpdateSetter that stamps the start time.
func SetStartedAt(at time.Time) UpdateSetter {
	return func(tr *TestRun) error {
		tr.StartedAt = &at
		return nil
	}
}

// SetCompletedAt returns an UpdateSetter that stamps the completion time.
func SetCompletedAt(at time.Time) UpdateSetter {
	return func(tr *TestRun) error {
		tr.CompletedAt = &at
		return nil
	}
}
