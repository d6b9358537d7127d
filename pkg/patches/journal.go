package patches

// Journal keeps the most recent patches for a session in a fixed-size
// ring. It is owned by a single session loop and is not safe for
// concurrent use.
type Journal struct {
	capacity int
	entries  []Patch
	start    int
}

func NewJournal(capacity int) *Journal {
	return &Journal{
		capacity: capacity,
		entries:  make([]Patch, 0, capacity),
	}
}

func (j *Journal) Append(patch Patch) {
	if len(j.entries) < j.capacity {
		j.entries = append(j.entries, patch)
		return
	}
	j.entries[j.start] = patch
	j.start = (j.start + 1) % j.capacity
}

// Recent returns the retained patches from oldest to newest.
func (j *Journal) Recent() []Patch {
	recent := make([]Patch, 0, len(j.entries))
	for i := 0; i < len(j.entries); i++ {
		recent = append(recent, j.entries[(j.start+i)%len(j.entries)])
	}
	return recent
}

func (j *Journal) Len() int {
	return len(j.entries)
}
