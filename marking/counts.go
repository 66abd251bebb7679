package marking

import "fmt"

// Counts is the multiplicity-only marking: a token count per place with no
// token colors. It satisfies the same algebra as Colored and is what
// enablement checks compare against arc weights. Zero-count places are
// absent keys.
type Counts map[int]int

var _ Algebra[Counts] = Counts(nil)

// Multiplicity returns a copy of the counts.
func (c Counts) Multiplicity() Counts {
	result := make(Counts, len(c))
	for place, n := range c {
		if n > 0 {
			result[place] = n
		}
	}
	return result
}

// Consume subtracts sub from the receiver. Places that reach zero are
// dropped from the result.
func (c Counts) Consume(sub Counts) (Counts, error) {
	result := c.Multiplicity()
	for place, n := range sub {
		if result[place] < n {
			return nil, fmt.Errorf("consume: place %d has %d tokens, need %d", place, result[place], n)
		}
		result[place] -= n
		if result[place] == 0 {
			delete(result, place)
		}
	}
	return result, nil
}

// Produce adds the counts of add to the receiver.
func (c Counts) Produce(add Counts) Counts {
	result := c.Multiplicity()
	for place, n := range add {
		if n > 0 {
			result[place] += n
		}
	}
	return result
}

// Contains reports whether every place holds at least the count listed
// in sub.
func (c Counts) Contains(sub Counts) bool {
	for place, n := range sub {
		if c[place] < n {
			return false
		}
	}
	return true
}

// Total returns the token count across all places.
func (c Counts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// Equal reports whether two counts agree on every place.
func (c Counts) Equal(other Counts) bool {
	if len(c) != len(other) {
		return false
	}
	for place, n := range c {
		if other[place] != n {
			return false
		}
	}
	return true
}
