package domain

// EventType определяет тип изменения записи на сервере.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	// EventAny подписывает канал на все типы изменений.
	EventAny EventType = "*"
)

// Классы сущностей, публикуемые серверным потоком изменений.
const (
	EntityOrders   = "orders"
	EntityTables   = "tables"
	EntityStock    = "stock"
	EntityInvoices = "invoices"
	EntityProducts = "products"
)

// ChangeEvent — одно изменение серверной записи, доставленное потоком изменений.
type ChangeEvent struct {
	// Entity — класс сущности, к которой относится изменение.
	Entity string `json:"entity"`
	// Type — конкретный тип изменения (INSERT/UPDATE/DELETE).
	Type EventType `json:"type"`
	// New — новая версия записи; отсутствует для DELETE.
	New map[string]any `json:"new,omitempty"`
	// Old — прежняя версия записи; отсутствует для INSERT.
	Old map[string]any `json:"old,omitempty"`
}

// Record возвращает запись события: новую для INSERT/UPDATE, старую для DELETE.
func (e ChangeEvent) Record() map[string]any {
	if e.New != nil {
		return e.New
	}
	return e.Old
}

// Matches проверяет, подпадает ли событие под селектор типа.
func (t EventType) Matches(event EventType) bool {
	return t == EventAny || t == event
}

// ChannelDescriptor описывает одну подписку на транспортном уровне.
// Дескриптор достаточен для повторного открытия канала после reconnect.
type ChannelDescriptor struct {
	// ChannelID уникален для каждой регистрации, чтобы параллельные подписки
	// на один класс сущностей не пересекались.
	ChannelID string
	// Entity — класс сущностей для подписки.
	Entity string
	// Event — селектор типа изменений.
	Event EventType
	// RowFilter — необязательное выражение фильтра строк вида "col=eq.value".
	RowFilter string
}

// EventHandler вызывается на каждое событие, подходящее под дескриптор канала.
type EventHandler func(event ChangeEvent)
