package models

import "time"

const (
	CollectionAssignments = "assignments"
	CollectionReviews     = "reviews"
	CollectionStatistics  = "review_statistics"
)

const (
	SubmissionStart  = "start"
	SubmissionSubmit = "submit"
)

const (
	OriginAuthoritative = "authoritative"
	OriginOptimistic    = "optimistic"
)

const (
	// MaxDispatchAttempts ограничивает количество повторов одного запроса
	MaxDispatchAttempts = 10

	// MaxItemFailures после стольких неудач элемент очереди отбрасывается
	MaxItemFailures = 3

	// DefaultConcurrency количество одновременных исходящих запросов
	DefaultConcurrency = 6

	// DefaultRequestTimeout таймаут одного запроса
	DefaultRequestTimeout = 30 * time.Second

	// PageRequestTimeout таймаут для длинных страничных выборок
	PageRequestTimeout = 60 * time.Second

	// ClockSkewMargin запас на рассинхронизацию часов клиента и сервера
	ClockSkewMargin = 30 * time.Second

	// RateLimitSkew добавка к серверному reset-времени
	RateLimitSkew = time.Second

	// RateLimitFallback пауза, если сервер не прислал reset-время
	RateLimitFallback = 5 * time.Second

	// StaleSubmissionAge старше этого возраста отправляем createdAt как есть
	StaleSubmissionAge = 5 * time.Minute

	// ConnectivityBackoff пауза между попытками проверки соединения
	ConnectivityBackoff = 5 * time.Second

	// LevelUpStage SRS-стадия, после прохождения которой кандзи
	// засчитывается в прогресс уровня
	LevelUpStage = 4

	// DefaultRedisTTL время жизни состояния синхронизации в Redis
	DefaultRedisTTL = 24 * 60 * 60 // сутки в секундах
)
