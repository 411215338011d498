package stm

import (
	"errors"
	"fmt"

	"github.com/go-stack/stack"
)

// Sentinel errors для типизированной обработки на стороне вызывающего.
var (
	// ErrConflict — общий предок конфликтов чтения и записи.
	// errors.Is(err, ErrConflict) истинно для обоих.
	ErrConflict = errors.New("stm: conflict")

	ErrReadConflict  = fmt.Errorf("%w: read conflict", ErrConflict)
	ErrWriteConflict = fmt.Errorf("%w: write conflict", ErrConflict)

	// ErrLocked возвращают атомарные (нетранзакционные) операции,
	// если ссылка захвачена другой транзакцией.
	ErrLocked = errors.New("stm: reference is locked")

	// ErrRetry — сигнал исполнителю: заблокироваться до изменения
	// любой из прочитанных ссылок и перезапустить транзакцию.
	ErrRetry = errors.New("stm: retry")

	ErrRetryNotPossible = errors.New("stm: retry not possible, nothing was read")
	ErrRetryNotAllowed  = errors.New("stm: blocking retry is not allowed")
	ErrRetryTimeout     = errors.New("stm: retry timed out")
	ErrRetryInterrupted = errors.New("stm: retry interrupted")

	ErrDeadTransaction     = errors.New("stm: transaction already completed")
	ErrPreparedTransaction = errors.New("stm: transaction already prepared")
	ErrReadonlyTransaction = errors.New("stm: write in readonly transaction")

	ErrTooManyRetries = errors.New("stm: too many retries")
)

// IsConflict сообщает, можно ли вылечить ошибку повторным запуском
// транзакции целиком.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// PanicError — нарушение внутреннего инварианта движка (например, depart
// без парного arrive). Никогда не возвращается как error: движок паникует
// этим значением, и исполнитель его не перехватывает.
type PanicError struct {
	Msg    string
	Caller stack.Call
}

func newPanicError(format string, args ...any) *PanicError {
	return &PanicError{
		Msg:    fmt.Sprintf(format, args...),
		Caller: stack.Caller(2),
	}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("stm: internal invariant violated at %+v: %s", e.Caller, e.Msg)
}
