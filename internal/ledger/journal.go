package ledger

// Mutation is one attributed pocket change. Every ledger effect of a block
// is captured as an ordered list of mutations, which makes the block
// log-reversible for chain reorgs.
type Mutation struct {
	Key   TallyKey
	Delta int64
}

// BlockJournal accumulates the mutations applied while replaying one block.
type BlockJournal struct {
	Height    int
	mutations []Mutation
}

func NewBlockJournal(height int) *BlockJournal {
	return &BlockJournal{Height: height}
}

func (j *BlockJournal) record(key TallyKey, delta int64) {
	j.mutations = append(j.mutations, Mutation{Key: key, Delta: delta})
}

// Mutations returns the applied mutations in order.
func (j *BlockJournal) Mutations() []Mutation { return j.mutations }

// Revert undoes the journal against t, newest mutation first. The tally
// must not have a journal attached while reverting.
func (j *BlockJournal) Revert(t *Tally) error {
	for i := len(j.mutations) - 1; i >= 0; i-- {
		m := j.mutations[i]
		if err := t.Update(m.Key.Address, m.Key.Property, m.Key.Pocket, -m.Delta); err != nil {
			return err
		}
	}
	return nil
}
