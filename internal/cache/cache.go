package cache

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// ViewCache хранит закэшированные read-представления по строковым ключам.
// Инвалидация сбрасывает значение и увеличивает поколение ключа, чтобы
// потребители могли дёшево проверять свежесть без сравнения данных.
type ViewCache struct {
	mu     sync.RWMutex
	values map[string]any
	gens   map[string]uint64
	logger *log.Entry
}

// New создаёт пустой кэш представлений.
func New() *ViewCache {
	return &ViewCache{
		values: make(map[string]any),
		gens:   make(map[string]uint64),
		logger: log.WithField("component", "view-cache"),
	}
}

// Put сохраняет значение представления под ключом.
func (c *ViewCache) Put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Get возвращает значение представления и признак его наличия.
func (c *ViewCache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.values[key]
	return value, ok
}

// Invalidate сбрасывает значения по ключам и поднимает их поколения.
// Отсутствующий ключ — не ошибка: поколение поднимается, чтобы будущее
// представление под этим ключом считалось новым.
func (c *ViewCache) Invalidate(keys ...string) {
	if len(keys) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.values, key)
		c.gens[key]++
	}
	c.logger.WithField("keys", keys).Debug("views invalidated")
}

// Generation возвращает текущее поколение ключа; растёт на каждую инвалидацию.
func (c *ViewCache) Generation(key string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[key]
}
