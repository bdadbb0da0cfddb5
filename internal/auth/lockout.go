package auth

import "time"

// lockoutTransition is the pure state machine step applied to a lockout row
// after a password verification outcome. It returns the next counter value
// and lock timestamp.
//
//	Open(n)  --failure--> Open(n+1)        while n+1 < max
//	Open(n)  --failure--> Locked(now)      when n+1 >= max
//	any      --success--> Open(0)
//
// The counter is clamped to max so a configured maximum can never be
// exceeded even if rows were written under a higher historical threshold.
func lockoutTransition(current Lockout, success bool, max int, now time.Time) (failedAttempts int, lockedAt *time.Time) {
	if success {
		return 0, nil
	}
	next := current.FailedAttempts + 1
	if next > max {
		next = max
	}
	if next >= max {
		if current.LockedAt != nil {
			return next, current.LockedAt
		}
		t := now.UTC()
		return next, &t
	}
	return next, nil
}

func equalLockTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
