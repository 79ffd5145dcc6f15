package index

// Stream yields successive pages of a search. It is a pull iterator holding
// the running offset; consume it once, from one goroutine.
type Stream struct {
	idx       *Index
	query     Query
	batchSize int
	fetched   int
	done      bool
}

// DefaultStreamBatch is the page size when the caller passes none.
const DefaultStreamBatch = 100

// SearchStream begins streaming the query in pages of batchSize. The
// concatenation of all pages equals a single Search with the same query.
func (idx *Index) SearchStream(q Query, batchSize int) (*Stream, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = DefaultStreamBatch
	}
	return &Stream{idx: idx, query: q, batchSize: batchSize}, nil
}

// Next returns the next page, or nil when the stream is exhausted.
// Termination: empty page, short page, or the original limit met.
func (s *Stream) Next() ([]Result, error) {
	if s.done {
		return nil, nil
	}

	remaining := s.query.Limit - s.fetched
	if remaining <= 0 {
		s.done = true
		return nil, nil
	}

	page := s.query
	page.Offset = s.query.Offset + s.fetched
	page.Limit = min(s.batchSize, remaining)

	results, err := s.idx.Search(page)
	if err != nil {
		return nil, err
	}

	s.fetched += len(results)
	if len(results) == 0 {
		s.done = true
		return nil, nil
	}
	if len(results) < page.Limit || s.fetched >= s.query.Limit {
		s.done = true
	}
	return results, nil
}

// Collect drains the stream, returning every remaining result.
func (s *Stream) Collect() ([]Result, error) {
	var all []Result
	for {
		page, err := s.Next()
		if err != nil {
			return nil, err
		}
		if page == nil {
			return all, nil
		}
		all = append(all, page...)
	}
}
