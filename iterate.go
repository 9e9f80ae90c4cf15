package recordkv

import "iter"

// All returns an iterator over the table's records in a single forward
// pass. The cursor behind it is closed when the loop ends or breaks. A
// failure is yielded once, with a nil record, and ends the iteration.
func (t *Table) All() iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		c, err := t.NewCursor()
		if err != nil {
			yield(nil, err)
			return
		}
		defer c.Close()

		for c.MoveNext() {
			if !yield(c.Current(), nil) {
				return
			}
		}
		if err := c.Err(); err != nil {
			yield(nil, err)
		}
	}
}
