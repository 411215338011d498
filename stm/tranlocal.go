package stm

// tranlocal — снимок одной ссылки внутри транзакции плюс учёт
// блокировок и версии, нужный для валидации и коммита.
// Принадлежит ровно одной транзакции и между горутинами не передаётся.
type tranlocal struct {
	ref *refCore

	value    any
	oldValue any // закоммиченное значение на момент загрузки
	version  uint64

	lockMode            LockMode
	hasDepartObligation bool
	sawConflict         bool // Exclusive захвачен при других прибывших

	isWrite        bool
	isConstructing bool

	// isCommuting: значение ещё не загружено, commutes применятся при
	// коммите в порядке регистрации. После материализации список
	// остаётся для отката ветки OrElse, но повторно не применяется.
	isCommuting bool
	commutes    []func(any) any

	released bool
}

func applyCommutes(v any, fns []func(any) any) any {
	for _, fn := range fns {
		v = fn(v)
	}
	return v
}

// readable — участвует ли tranlocal в валидации и в ожидании retry.
func (tl *tranlocal) readable() bool {
	return !tl.isCommuting && !tl.isConstructing
}

// dirty сравнивает новое значение с загруженным.
func (tl *tranlocal) dirty() bool {
	return !tl.ref.equalValues(tl.value, tl.oldValue)
}

// releaseAfterFailure откатывает прибытие и блокировку без изменения
// версии. Ни разу не прибывший commuting tranlocal пропускается.
func (tl *tranlocal) releaseAfterFailure() {
	if tl.released {
		return
	}
	tl.released = true

	o := &tl.ref.orec
	switch {
	case tl.isCommuting && tl.lockMode == LockNone:
	case tl.hasDepartObligation && tl.lockMode != LockNone:
		o.departAfterFailureAndUnlock()
	case tl.hasDepartObligation:
		o.departAfterFailure()
	case tl.lockMode != LockNone:
		o.unlockByUnregistered()
	}
}

// releaseAfterReading завершает успешное чтение: это read-only цикл,
// который продвигает счётчик к read-biased режиму.
func (tl *tranlocal) releaseAfterReading() {
	if tl.released {
		return
	}
	tl.released = true

	o := &tl.ref.orec
	switch {
	case tl.hasDepartObligation && tl.lockMode != LockNone:
		o.departAfterReadingAndUnlock()
	case tl.hasDepartObligation:
		o.departAfterReading()
	case tl.lockMode != LockNone:
		o.unlockByUnregistered()
	}
}

// publish записывает значение и снимает блокировку с увеличением версии.
// Возвращает отсоединённую цепочку слушателей.
func (tl *tranlocal) publish() *listener {
	tl.released = true

	o := &tl.ref.orec
	tl.ref.store(tl.value)
	o.departAfterUpdateAndUnlock()
	return o.detachListeners()
}

// tranlocalMark — состояние tranlocal до начала ветки OrElse.
type tranlocalMark struct {
	value       any
	isWrite     bool
	isCommuting bool
	commutes    int
}

func (tl *tranlocal) mark() tranlocalMark {
	return tranlocalMark{
		value:       tl.value,
		isWrite:     tl.isWrite,
		isCommuting: tl.isCommuting,
		commutes:    len(tl.commutes),
	}
}

// restore откатывает записи ветки. Прибытия и блокировки, взятые веткой,
// остаются за транзакцией и снимаются при её завершении.
func (tl *tranlocal) restore(m tranlocalMark) {
	tl.commutes = tl.commutes[:m.commutes]
	if m.isCommuting && !tl.isCommuting {
		// ветка материализовала значение: оставляем загрузку и заново
		// применяем только функции, накопленные до ветки
		tl.value = applyCommutes(tl.oldValue, tl.commutes)
		tl.isWrite = len(tl.commutes) > 0
		return
	}
	tl.value = m.value
	tl.isWrite = m.isWrite
}
