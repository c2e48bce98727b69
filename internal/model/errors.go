package model

import "errors"

var (
	// ErrInsufficientStock возвращается, если свободных единиц меньше запрошенного количества.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderAlreadyFinal возвращается при попытке изменить завершённый или отменённый заказ.
	ErrOrderAlreadyFinal = errors.New("order already final")
	// ErrIntegrityViolation сигнализирует о расхождении состояния единиц с состоянием заказа.
	ErrIntegrityViolation = errors.New("inventory integrity violation")
	// ErrTransientStorage возвращается, когда повторы на уровне хранилища исчерпаны.
	ErrTransientStorage = errors.New("transient storage error")

	ErrProductNotFound     = errors.New("product not found")
	ErrBuyerNotFound       = errors.New("buyer not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrCouponInvalid       = errors.New("coupon invalid")
	ErrNotOrderOwner       = errors.New("order belongs to another buyer")
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrOrderNotCompleted   = errors.New("order is not completed")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrPaymentConflict     = errors.New("payment already attached to another order")
)
