package incident

// GuardResult is the outcome of a guard evaluation. A denied transition may
// carry a redirect; callers must honor it rather than synthesizing their own.
type GuardResult struct {
	Allowed    bool
	RedirectTo State
	Reason     string
}

// evaluateGuard checks the transition table, then the state-specific guards.
func evaluateGuard(doc *Incident, from, to State, maxReflections int) GuardResult {
	if !CanTransition(from, to) {
		return GuardResult{Reason: "no such edge in the transition table"}
	}

	switch {
	case from == StateVerifying && to == StateResolved:
		// A failed latest verification forces a reflection pass, unless the
		// incident has already consumed every reflection it is allowed.
		if v := doc.LatestVerification(); v != nil && !v.Passed {
			if doc.ReflectionCount >= maxReflections {
				return GuardResult{
					RedirectTo: StateEscalated,
					Reason:     "reflection_limit_reached",
				}
			}
			return GuardResult{
				RedirectTo: StateReflecting,
				Reason:     "latest verification failed",
			}
		}

	case from == StateVerifying && to == StateReflecting:
		// Execution-failure reflections obey the same cap. The count
		// increments on entry, so an incident at the cap never re-enters.
		if doc.ReflectionCount >= maxReflections {
			return GuardResult{
				RedirectTo: StateEscalated,
				Reason:     "reflection_limit_reached",
			}
		}
	}

	return GuardResult{Allowed: true}
}
