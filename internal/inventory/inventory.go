// Package inventory описывает контракт склада выдаваемых единиц товара.
//
// Единицы товара меняют статус только через три атомарные операции Store:
// Reserve, Release и Consume. Реализации сериализуют изменения единиц одного
// товара эксклюзивной блокировкой, поэтому два конкурентных резервирования
// никогда не получат вместе больше единиц, чем есть на складе. Количество
// свободных единиц не кэшируется, а вычисляется при чтении.
package inventory

import "context"

// Store описывает операции склада, выполняемые в рамках транзакции хранилища.
type Store interface {
	// Reserve выбирает ровно quantity свободных единиц товара в порядке возрастания
	// идентификатора и закрепляет их за заказом. Если свободных единиц меньше,
	// возвращает model.ErrInsufficientStock и ничего не меняет.
	Reserve(ctx context.Context, productID, orderID int64, quantity int) ([]int64, error)
	// Release возвращает зарезервированные за заказом единицы в свободные.
	// Повторный вызов безопасен и ничего не меняет.
	Release(ctx context.Context, orderID int64) ([]int64, error)
	// Consume переводит единицы заказа из резерва в проданные. Если хотя бы одна
	// единица заказа не в резерве, возвращает model.ErrIntegrityViolation без изменений.
	Consume(ctx context.Context, orderID int64) ([]int64, error)
	// Available возвращает число свободных единиц товара.
	Available(ctx context.Context, productID int64) (int, error)
}
