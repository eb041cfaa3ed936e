package registry

import "time"

// SetNowForTest overrides the registry clock.
func (r *Registry) SetNowForTest(now func() time.Time) {
	r.now = now
}
