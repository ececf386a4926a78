package distributor

// Batch is a run of consecutive pending recipients paid by one transaction.
type Batch struct {
	Index      int // 1-based
	Recipients []RecipientRecord
}

// Planner splits the pending recipients into batches of at most size
// members, in input order. It never packs by transaction size; bounds are
// checked when the transaction is built.
type Planner struct {
	pending []RecipientRecord
	size    int
	offset  int
	index   int
}

func NewPlanner(pending []RecipientRecord, size int) *Planner {
	if size < 1 {
		size = 1
	}
	return &Planner{pending: pending, size: size}
}

// Next returns the next batch, or false when none remain.
func (p *Planner) Next() (Batch, bool) {
	if p.offset >= len(p.pending) {
		return Batch{}, false
	}
	end := min(p.offset+p.size, len(p.pending))
	p.index++
	b := Batch{Index: p.index, Recipients: p.pending[p.offset:end:end]}
	p.offset = end
	return b, true
}

// Total is the number of batches the planner yields overall.
func (p *Planner) Total() int {
	return (len(p.pending) + p.size - 1) / p.size
}
