package health

import "time"

func newStatus(component, state, message string, healthy bool) Status {
	return Status{
		Component: component,
		Healthy:   healthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy reports a component as fully operational.
func NewHealthy(component, message string) Status {
	return newStatus(component, "healthy", message, true)
}

// NewUnhealthy reports a component as down.
func NewUnhealthy(component, message string) Status {
	return newStatus(component, "unhealthy", message, false)
}

// NewDegraded reports a component that is impaired but not down, such as a
// cache falling back to direct lookups.
func NewDegraded(component, message string) Status {
	return newStatus(component, "degraded", message, false)
}

// Aggregate folds component statuses into one system status. Any unhealthy
// component makes the system unhealthy; otherwise any degraded component
// makes it degraded.
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "no components registered")
	}

	unhealthy, degraded := 0, 0
	for _, sub := range subStatuses {
		switch {
		case sub.IsUnhealthy():
			unhealthy++
		case sub.IsDegraded():
			degraded++
		}
	}

	var status Status
	switch {
	case unhealthy > 0:
		status = NewUnhealthy(component, "one or more components are unhealthy")
	case degraded > 0:
		status = NewDegraded(component, "one or more components are degraded")
	default:
		status = NewHealthy(component, "all components are healthy")
	}

	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)
	return status
}
