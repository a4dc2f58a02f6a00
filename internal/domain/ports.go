package domain

import "context"

// QueueStore — слот персистентности очереди мутаций. Список хранится целиком
// под одним ключом: читается один раз при старте и перезаписывается полностью
// на каждое изменение очереди.
type QueueStore interface {
	// Load читает сохранённый список мутаций; пустой слот — не ошибка.
	Load(ctx context.Context) ([]QueuedMutation, error)
	// Save перезаписывает весь список атомарно.
	Save(ctx context.Context, mutations []QueuedMutation) error
}

// RemoteApplier вызывает удалённую процедуру, соответствующую типу мутации.
type RemoteApplier interface {
	// Apply доставляет мутацию и возвращает идентификатор созданной сущности.
	Apply(ctx context.Context, m QueuedMutation) (string, error)
}

// SessionSource проверяет наличие живой аутентифицированной сессии.
type SessionSource interface {
	// LiveSession возвращает nil, если сессия активна, иначе ErrNoSession
	// (возможно, обёрнутый).
	LiveSession(ctx context.Context) error
}

// ChannelCloser закрывает один транспортный канал подписки.
type ChannelCloser interface {
	Close() error
}

// ChangeTransport — серверный поток изменений. Каждая подписка получает
// собственный канал; каналы не разделяются между подписками.
type ChangeTransport interface {
	// OpenChannel открывает канал по дескриптору и начинает доставлять события
	// в handler. Доставка событий в рамках одного канала последовательна.
	OpenChannel(ctx context.Context, desc ChannelDescriptor, handler EventHandler) (ChannelCloser, error)
}

// ViewCache инвалидирует локально закэшированные read-представления по ключам.
type ViewCache interface {
	Invalidate(keys ...string)
}
