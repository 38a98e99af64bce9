// Package elem has small matchers over plain Go values, used for the
// qtype/qclass/rcode filters in query_matcher and response_matcher.
package elem

// IntMatcher is a set membership test over a small, fixed list of ints.
type IntMatcher struct {
	m map[int]struct{}
}

func NewIntMatcher(e []int) *IntMatcher {
	m := make(map[int]struct{}, len(e))
	for _, v := range e {
		m[v] = struct{}{}
	}
	return &IntMatcher{m: m}
}

func (m *IntMatcher) Match(i int) bool {
	_, ok := m.m[i]
	return ok
}
