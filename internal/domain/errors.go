package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSession — нет живой аутентифицированной сессии; очередь останавливает
	// проход, не трогая голову списка. Это не ошибка доставки.
	ErrNoSession = errors.New("no live session")
	// ErrRemoteUnavailable — временная сетевая ошибка при вызове удалённой процедуры.
	ErrRemoteUnavailable = errors.New("remote endpoint unavailable")
	// ErrMutationRejected — удалённая процедура отклонила мутацию по бизнес-причине
	// (например, у стола уже есть активный заказ). Повторять бессмысленно.
	ErrMutationRejected = errors.New("mutation rejected by remote procedure")
	// ErrRetriesExhausted — мутация исчерпала лимит повторов и удалена из очереди.
	ErrRetriesExhausted = errors.New("retry limit exhausted")
	// ErrUnknownMutationKind — в очереди оказалась мутация неизвестного типа.
	ErrUnknownMutationKind = errors.New("unknown mutation kind")
	// ErrTransportClosed — транспорт потока изменений закрыт и не принимает подписки.
	ErrTransportClosed = errors.New("change transport is closed")
)

// RejectionError оборачивает структурную ошибку удалённой процедуры,
// сохраняя её код и сообщение для логов.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("rejected: %s (code=%s)", e.Message, e.Code)
}

// Is сопоставляет RejectionError с сигнальной ошибкой ErrMutationRejected.
func (e *RejectionError) Is(target error) bool {
	return target == ErrMutationRejected
}

// IsNotReady отличает состояние "не готов" от ошибки доставки: проход drain
// останавливается, счётчик повторов не увеличивается.
func IsNotReady(err error) bool {
	return errors.Is(err, ErrNoSession)
}

// IsTerminal определяет ошибки, при которых повторная доставка не может
// закончиться успехом: мутация удаляется сразу, без сжигания лимита повторов.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrMutationRejected) || errors.Is(err, ErrUnknownMutationKind)
}
