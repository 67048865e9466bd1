package engine

// CycleDetector tracks the default-selection targets reached within one
// transition run.
//
// A run starts when the DefaultManager receives a request while idle and
// ends when its queue drains. Publishing a newly bound default may cause a
// collaborator to re-enter the manager with another request, which may in
// turn publish again. Two defaults that each trigger selection of the other
// would loop forever:
//
//	bind g1 → publish g1 → request g2 → bind g2 → publish g2 → request g1
//	→ bind g1 ← CYCLE DETECTED
//
// Reaching the same target twice in one run is the cycle signal.
//
// CRITICAL DISTINCTION from the transition budget:
//   - Cycle Detection: Catches recursive patterns (A → B → A)
//   - Transition budget: Catches long chains of distinct targets (A → B → ... → Z)
//
// Not safe for concurrent use; the manager owns one detector per run.
type CycleDetector struct {
	seen map[DefaultState]bool
}

// NewCycleDetector creates an empty detector.
func NewCycleDetector() *CycleDetector {
	return &CycleDetector{seen: make(map[DefaultState]bool)}
}

// WouldCycle reports whether target has already been reached in this run.
func (c *CycleDetector) WouldCycle(target DefaultState) bool {
	return c.seen[target]
}

// Record marks target as reached. Call immediately after WouldCycle returns
// false, before applying the transition.
func (c *CycleDetector) Record(target DefaultState) {
	c.seen[target] = true
}

// Size returns the number of distinct targets reached.
func (c *CycleDetector) Size() int {
	return len(c.seen)
}
