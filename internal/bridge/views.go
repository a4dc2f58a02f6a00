package bridge

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/possync/internal/domain"
)

// Готовые подписки под конкретные экраны; каждая возвращает disposer.

// SubscribeTableStatus следит за изменениями статусов столов.
func (b *Bridge) SubscribeTableStatus(ctx context.Context, handler domain.EventHandler) (func(), error) {
	return b.Subscribe(ctx, domain.EntityTables, domain.EventAny, "", handler)
}

// SubscribeStockLevels следит за изменениями складских остатков.
func (b *Bridge) SubscribeStockLevels(ctx context.Context, handler domain.EventHandler) (func(), error) {
	return b.Subscribe(ctx, domain.EntityStock, domain.EventAny, "", handler)
}

// SubscribeOrderValidation уведомляет официанта о подтверждении его заказа
// за стойкой: только UPDATE его собственных заказов, перешедших в "validated".
func (b *Bridge) SubscribeOrderValidation(ctx context.Context, waiterID string, handler domain.EventHandler) (func(), error) {
	filter := fmt.Sprintf("waiter_id=eq.%s", waiterID)
	return b.Subscribe(ctx, domain.EntityOrders, domain.EventUpdate, filter, func(event domain.ChangeEvent) {
		if status, _ := event.New["status"].(string); status != "validated" {
			return
		}
		handler(event)
	})
}
