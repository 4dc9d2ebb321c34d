package storage

// Check asserts the current value of Key before an atomic commit. A nil Value
// asserts that the key is absent.
type Check struct {
	Key   []byte
	Value []byte
}

// Mutation is a single write staged on an Atomic.
type Mutation struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Atomic collects checks and mutations that a Database applies together:
// either every check holds and every mutation is written, or nothing is.
type Atomic struct {
	checks    []Check
	mutations []Mutation
}

// NewAtomic returns an empty atomic operation.
func NewAtomic() *Atomic {
	return &Atomic{}
}

// Check requires key to currently hold expected (nil: key must be absent).
func (a *Atomic) Check(key, expected []byte) *Atomic {
	a.checks = append(a.checks, Check{Key: cloneBytes(key), Value: cloneBytes(expected)})
	return a
}

// Set stages a write of value under key.
func (a *Atomic) Set(key, value []byte) *Atomic {
	if value == nil {
		value = []byte{}
	}
	a.mutations = append(a.mutations, Mutation{Key: cloneBytes(key), Value: cloneBytes(value)})
	return a
}

// Delete stages the removal of key.
func (a *Atomic) Delete(key []byte) *Atomic {
	a.mutations = append(a.mutations, Mutation{Key: cloneBytes(key), Delete: true})
	return a
}

// Checks returns the staged checks.
func (a *Atomic) Checks() []Check { return a.checks }

// Mutations returns the staged mutations in order.
func (a *Atomic) Mutations() []Mutation { return a.mutations }

// Empty reports whether nothing was staged.
func (a *Atomic) Empty() bool {
	return a == nil || (len(a.checks) == 0 && len(a.mutations) == 0)
}
