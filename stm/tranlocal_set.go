package stm

// inlineTranlocals — сколько tranlocal хранится без map. Большинство
// транзакций трогают 1-4 ссылки, им хватает линейного поиска.
const inlineTranlocals = 4

// tranlocalSet — упорядоченное множество tranlocal транзакции.
// Порядок добавления сохраняется: в нём же идут блокировка, публикация
// и регистрация слушателей.
type tranlocalSet struct {
	buf     [inlineTranlocals]*tranlocal
	entries []*tranlocal
	index   map[*refCore]*tranlocal

	// capHint — ожидаемый размер, им заранее размечается index.
	capHint int
}

func (s *tranlocalSet) reset(capHint int) {
	clear(s.buf[:])
	if cap(s.entries) > inlineTranlocals {
		clear(s.entries)
	}
	s.entries = s.buf[:0]
	s.index = nil
	s.capHint = capHint
}

func (s *tranlocalSet) len() int { return len(s.entries) }

func (s *tranlocalSet) get(r *refCore) *tranlocal {
	if s.index != nil {
		return s.index[r]
	}
	for _, tl := range s.entries {
		if tl.ref == r {
			return tl
		}
	}
	return nil
}

func (s *tranlocalSet) add(tl *tranlocal) {
	s.entries = append(s.entries, tl)
	switch {
	case s.index != nil:
		s.index[tl.ref] = tl
	case len(s.entries) > inlineTranlocals:
		s.index = make(map[*refCore]*tranlocal, max(s.capHint, 2*inlineTranlocals))
		for _, e := range s.entries {
			s.index[e.ref] = e
		}
	}
}

// truncate удаляет tranlocal, добавленные после позиции n.
func (s *tranlocalSet) truncate(n int) {
	if n >= len(s.entries) {
		return
	}
	if s.index != nil {
		for _, tl := range s.entries[n:] {
			delete(s.index, tl.ref)
		}
	}
	clear(s.entries[n:])
	s.entries = s.entries[:n]
}
