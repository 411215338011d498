package stm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCores(n int) []*refCore {
	cores := make([]*refCore, n)
	for i := range cores {
		cores[i] = &refCore{id: uint64(i + 1), equal: comparableEqual}
	}
	return cores
}

func TestTranlocalSet_InlineThenIndexed(t *testing.T) {
	var s tranlocalSet
	s.reset(0)

	cores := newTestCores(inlineTranlocals + 3)
	for i, c := range cores {
		s.add(&tranlocal{ref: c})
		if i < inlineTranlocals {
			assert.Nil(t, s.index, "entry %d must stay inline", i)
		}
	}
	require.NotNil(t, s.index)
	assert.Equal(t, len(cores), s.len())

	for i, c := range cores {
		tl := s.get(c)
		require.NotNil(t, tl)
		assert.Same(t, c, tl.ref)
		assert.Same(t, tl, s.entries[i], "insertion order is preserved")
	}
	assert.Nil(t, s.get(&refCore{}))
}

func TestTranlocalSet_Truncate(t *testing.T) {
	var s tranlocalSet
	s.reset(16)

	cores := newTestCores(8)
	for _, c := range cores {
		s.add(&tranlocal{ref: c})
	}

	s.truncate(3)
	assert.Equal(t, 3, s.len())
	assert.NotNil(t, s.get(cores[2]))
	assert.Nil(t, s.get(cores[3]))
	assert.Nil(t, s.get(cores[7]))

	s.reset(0)
	assert.Equal(t, 0, s.len())
	assert.Nil(t, s.get(cores[0]))
}

func TestTranlocal_DirtyCheck(t *testing.T) {
	core := newTestCores(1)[0]
	tl := &tranlocal{ref: core, value: 1, oldValue: 1}
	assert.False(t, tl.dirty())

	tl.value = 2
	assert.True(t, tl.dirty())

	// несравнимые значения всегда считаются изменёнными
	core.equal = nil
	tl.value = 1
	assert.True(t, tl.dirty())
}

func TestTranlocal_RestoreMaterializedCommute(t *testing.T) {
	core := newTestCores(1)[0]
	inc := func(v any) any { return as[int](v) + 1 }

	tl := &tranlocal{ref: core, isCommuting: true, commutes: []func(any) any{inc}}
	m := tl.mark()

	// ветка добавила ещё один commute и материализовала значение
	tl.commutes = append(tl.commutes, inc)
	tl.oldValue = 10
	tl.value = applyCommutes(10, tl.commutes)
	tl.isCommuting = false
	tl.isWrite = true
	require.Equal(t, 12, tl.value)

	tl.restore(m)
	assert.Equal(t, 11, tl.value)
	assert.True(t, tl.isWrite)
	assert.Len(t, tl.commutes, 1)
}

func TestComparableEqual_RecoversFromUncomparable(t *testing.T) {
	type holder struct{ v any }
	assert.True(t, comparableEqual(holder{1}, holder{1}))
	assert.False(t, comparableEqual(holder{[]int{1}}, holder{[]int{1}}))
}
