package bridge

import "github.com/vladislavdragonenkov/possync/internal/domain"

// Ключи закэшированных read-представлений, известные мосту.
const (
	ViewDashboard = "dashboard"
	ViewOrders    = "orders"
	ViewMyOrders  = "my-orders"
	ViewTables    = "tables"
	ViewStock     = "stock"
	ViewProducts  = "products"
	ViewInvoices  = "invoices"
	ViewHistory   = "history"
)

// DefaultInvalidationMap возвращает статическую карту "класс сущности →
// зависимые ключи кэша". Изменение заказа инвалидирует агрегаты дашборда,
// списки заказов и статусы столов одновременно: серверный поток — единственный
// источник истины о том, что поменялось.
func DefaultInvalidationMap() map[string][]string {
	return map[string][]string{
		domain.EntityOrders:   {ViewOrders, ViewMyOrders, ViewDashboard, ViewTables, ViewHistory},
		domain.EntityTables:   {ViewTables},
		domain.EntityStock:    {ViewStock, ViewProducts, ViewDashboard},
		domain.EntityProducts: {ViewProducts, ViewStock},
		domain.EntityInvoices: {ViewInvoices, ViewDashboard},
	}
}
