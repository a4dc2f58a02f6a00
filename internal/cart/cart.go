package cart

import (
	"sync"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// CatalogItem — денормализованный снимок позиции каталога на момент добавления
// в корзину. Нужен только для отображения цены; в payload мутации не попадает.
type CatalogItem struct {
	Ref            string
	Name           string
	UnitPriceMinor int64
	Category       string
}

// Line — одна позиция незавершённого заказа.
type Line struct {
	Item     CatalogItem
	Quantity int32
}

// Cart накапливает позиции одного незавершённого заказа и считает итог.
// Состояние эфемерно: корзина не переживает перезапуск процесса.
// Все операции тотальны — некорректные количества нормализуются, а не отклоняются.
type Cart struct {
	mu      sync.Mutex
	tableID string
	lines   map[string]*Line
	// refs хранит порядок добавления, чтобы WireItems был детерминированным.
	refs []string
}

// New создаёт пустую корзину.
func New() *Cart {
	return &Cart{lines: make(map[string]*Line)}
}

// SetTable привязывает корзину к столу.
func (c *Cart) SetTable(tableID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tableID = tableID
}

// Table возвращает текущий стол корзины.
func (c *Cart) Table() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tableID
}

// AddItem добавляет qty единиц позиции. Повторное добавление той же позиции
// суммируется с существующей строкой — это определённое поведение, не ошибка.
// Неположительное qty игнорируется: уменьшение идёт через UpdateQuantity.
func (c *Cart) AddItem(item CatalogItem, qty int32) {
	if qty <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if line, ok := c.lines[item.Ref]; ok {
		line.Quantity += qty
		return
	}
	c.lines[item.Ref] = &Line{Item: item, Quantity: qty}
	c.refs = append(c.refs, item.Ref)
}

// UpdateQuantity выставляет количество позиции абсолютно (не аддитивно).
// Количество <= 0 удаляет строку целиком.
func (c *Cart) UpdateQuantity(ref string, qty int32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.lines[ref]; !ok {
		return
	}
	if qty <= 0 {
		c.removeLocked(ref)
		return
	}
	c.lines[ref].Quantity = qty
}

// Remove удаляет позицию из корзины.
func (c *Cart) Remove(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(ref)
}

func (c *Cart) removeLocked(ref string) {
	if _, ok := c.lines[ref]; !ok {
		return
	}
	delete(c.lines, ref)
	for i, r := range c.refs {
		if r == ref {
			c.refs = append(c.refs[:i], c.refs[i+1:]...)
			break
		}
	}
}

// Clear сбрасывает корзину в пустое состояние вместе с привязкой к столу.
func (c *Cart) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tableID = ""
	c.lines = make(map[string]*Line)
	c.refs = nil
}

// Total возвращает сумму корзины в минимальных денежных единицах.
// Чистая функция текущего состояния, пересчитывается на каждое чтение.
func (c *Cart) Total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total int64
	for _, line := range c.lines {
		total += int64(line.Quantity) * line.Item.UnitPriceMinor
	}
	return total
}

// Len возвращает количество строк в корзине.
func (c *Cart) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

// Lines возвращает копии строк в порядке добавления (для отображения).
func (c *Cart) Lines() []Line {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]Line, 0, len(c.refs))
	for _, ref := range c.refs {
		result = append(result, *c.lines[ref])
	}
	return result
}

// WireItems собирает payload мутации: пары {позиция, количество} в порядке
// добавления, без денормализованных полей отображения.
func (c *Cart) WireItems() []domain.OrderLine {
	c.mu.Lock()
	defer c.mu.Unlock()

	items := make([]domain.OrderLine, 0, len(c.refs))
	for _, ref := range c.refs {
		items = append(items, domain.OrderLine{
			ItemRef:  ref,
			Quantity: c.lines[ref].Quantity,
		})
	}
	return items
}
