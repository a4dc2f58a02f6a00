package domain

import "time"

// MutationKind определяет, какую удалённую процедуру нужно вызвать для доставки мутации.
type MutationKind string

const (
	// KindCreateOrder — создание заказа для стола через удалённую процедуру create_order.
	KindCreateOrder MutationKind = "create_order"
)

// OrderLine — одна позиция заказа в формате удалённой процедуры.
type OrderLine struct {
	// ItemRef — идентификатор позиции каталога.
	ItemRef string `json:"item_ref"`
	// Quantity — количество, всегда положительное.
	Quantity int32 `json:"quantity"`
}

// CreateOrderPayload — аргументы процедуры create_order.
type CreateOrderPayload struct {
	// TableID — стол, к которому привязывается заказ.
	TableID string `json:"table_id"`
	// Items — позиции заказа в порядке добавления в корзину.
	Items []OrderLine `json:"items"`
}

// QueuedMutation представляет одно локально созданное намерение записи,
// ещё не подтверждённое сервером.
type QueuedMutation struct {
	// ID — локальный идентификатор для корреляции логов; сервер его не видит.
	ID string `json:"id"`
	// Kind определяет удалённую процедуру для доставки.
	Kind MutationKind `json:"kind"`
	// Payload — неизменяемый снимок данных, достаточный для повторного вызова.
	Payload CreateOrderPayload `json:"payload"`
	// EnqueuedAt фиксирует момент постановки в очередь (информационное поле).
	EnqueuedAt time.Time `json:"enqueued_at"`
	// RetryCount — количество неудачных попыток доставки.
	RetryCount int `json:"retry_count"`
}
