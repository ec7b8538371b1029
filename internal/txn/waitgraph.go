package txn

// waitGraph records which transaction waits on which. It is guarded by
// the LockTable mutex and carries no lock of its own.
type waitGraph struct {
	edges map[uint64]map[uint64]struct{} // waiter -> set of holders
}

func newWaitGraph() *waitGraph {
	return &waitGraph{edges: make(map[uint64]map[uint64]struct{})}
}

func (g *waitGraph) addWait(waiter, holder uint64) {
	if waiter == holder {
		return
	}
	set, ok := g.edges[waiter]
	if !ok {
		set = make(map[uint64]struct{})
		g.edges[waiter] = set
	}
	set[holder] = struct{}{}
}

// removeWaiter drops every outgoing edge of waiter. A transaction can
// have at most one acquire in flight, so this is its full wait state.
func (g *waitGraph) removeWaiter(waiter uint64) {
	delete(g.edges, waiter)
}

// removeTxn drops the transaction both as waiter and as wait target.
func (g *waitGraph) removeTxn(id uint64) {
	delete(g.edges, id)
	for waiter, set := range g.edges {
		delete(set, id)
		if len(set) == 0 {
			delete(g.edges, waiter)
		}
	}
}

// cycleFrom returns the transactions forming a cycle through start, or
// nil. Cycles not involving start were already checked when their own
// members blocked, so checking from the newest waiter is sufficient.
func (g *waitGraph) cycleFrom(start uint64) []uint64 {
	var path []uint64
	visited := make(map[uint64]bool)

	var dfs func(cur uint64) []uint64
	dfs = func(cur uint64) []uint64 {
		if cur == start && len(path) > 0 {
			return append([]uint64(nil), path...)
		}
		if visited[cur] {
			return nil
		}
		visited[cur] = true
		path = append(path, cur)
		for next := range g.edges[cur] {
			if cycle := dfs(next); cycle != nil {
				return cycle
			}
		}
		path = path[:len(path)-1]
		return nil
	}
	return dfs(start)
}
