package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tush00nka/portal_chat/internal/model"
	"tush00nka/portal_chat/internal/pkg/apperr"
	"tush00nka/portal_chat/internal/service"
)

const DefaultDeliveryGrace = time.Second

// Sender отправляет сообщение на сервер; service.MessageService подходит напрямую
type Sender interface {
	Send(ctx context.Context, actorID uint, in service.SendInput) (*model.Message, error)
}

// Entry локальное оптимистичное сообщение
type Entry struct {
	TempID      string               `json:"tempId"`
	ClientToken string               `json:"clientToken"`
	Input       service.SendInput    `json:"input"`
	Status      model.DeliveryStatus `json:"status"`
	// Pending сервер не ответил за время ожидания; это не ошибка
	Pending bool `json:"deliveryPending,omitempty"`
	// Rejected сервер отклонил сообщение; такое сообщение убирается из очереди
	Rejected  bool           `json:"rejected,omitempty"`
	Message   *model.Message `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

type entry struct {
	Entry
	err      error
	inFlight bool
	done     chan struct{}
}

// Outbox очередь исходящих сообщений одного пользователя
type Outbox struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   []string

	actorID uint
	sender  Sender
	grace   time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func New(actorID uint, sender Sender, grace time.Duration, logger *slog.Logger) *Outbox {
	if grace <= 0 {
		grace = DefaultDeliveryGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{
		entries: make(map[string]*entry),
		actorID: actorID,
		sender:  sender,
		grace:   grace,
		logger:  logger,
		now:     time.Now,
	}
}

// Compose ставит сообщение в очередь со статусом sending
func (o *Outbox) Compose(in service.SendInput) Entry {
	if in.ClientToken == "" {
		in.ClientToken = uuid.NewString()
	}

	e := &entry{
		Entry: Entry{
			TempID:      uuid.NewString(),
			ClientToken: in.ClientToken,
			Input:       in,
			Status:      model.StatusSending,
			CreatedAt:   o.now(),
		},
		done: make(chan struct{}),
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries[e.TempID] = e
	o.order = append(o.order, e.TempID)
	return e.Entry
}

// Send отправляет одно сообщение из очереди
func (o *Outbox) Send(ctx context.Context, tempID string) (Entry, error) {
	o.mu.Lock()
	e, ok := o.entries[tempID]
	if !ok {
		o.mu.Unlock()
		return Entry{}, apperr.NotFound(apperr.CodeMessageNotFound, "outbox entry %s not found", tempID)
	}
	if e.Status != model.StatusSending || e.inFlight {
		snapshot := e.Entry
		o.mu.Unlock()
		return snapshot, nil
	}
	e.inFlight = true
	in := e.Input
	o.mu.Unlock()

	msg, err := o.sender.Send(ctx, o.actorID, in)

	o.mu.Lock()
	defer o.mu.Unlock()
	e.inFlight = false
	if e.Status != model.StatusSending {
		// сообщение уже пришло по сокету и сопоставлено через Reconcile
		return e.Entry, nil
	}
	if err != nil {
		if retryable(err) {
			o.fail(e, err)
		} else {
			o.reject(e, err)
		}
		return e.Entry, err
	}
	o.settle(e, msg)
	return e.Entry, nil
}

// Flush отправляет все сообщения в статусе sending в порядке создания
func (o *Outbox) Flush(ctx context.Context) error {
	o.mu.Lock()
	ids := make([]string, 0, len(o.order))
	for _, id := range o.order {
		if e := o.entries[id]; e.Status == model.StatusSending && !e.inFlight {
			ids = append(ids, id)
		}
	}
	o.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := o.Send(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("outbox entry %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Reconcile сопоставляет пришедшее от сервера сообщение с локальным по ClientToken
func (o *Outbox) Reconcile(msg *model.Message) bool {
	if msg == nil || msg.ClientToken == nil || msg.SenderID != o.actorID {
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, id := range o.order {
		e := o.entries[id]
		if e.ClientToken == *msg.ClientToken && e.Input.ChatID == msg.ChatID {
			if e.Status == model.StatusSending {
				o.settle(e, msg)
			}
			return true
		}
	}
	return false
}

// Retry возвращает неотправленное сообщение в очередь с тем же токеном
func (o *Outbox) Retry(tempID string) (Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.entries[tempID]
	if !ok {
		return Entry{}, apperr.NotFound(apperr.CodeMessageNotFound, "outbox entry %s not found", tempID)
	}
	if !e.Status.CanTransition(model.StatusSending) {
		return e.Entry, apperr.Consistency(apperr.CodeInvalidTransition, "cannot retry message in status %s", e.Status)
	}

	e.Status = model.StatusSending
	e.Pending = false
	e.Error = ""
	e.err = nil
	e.done = make(chan struct{})
	return e.Entry, nil
}

// Cancel убирает сообщение, пока оно не ушло на сервер
func (o *Outbox) Cancel(tempID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.entries[tempID]
	if !ok {
		return apperr.NotFound(apperr.CodeMessageNotFound, "outbox entry %s not found", tempID)
	}
	if e.Status != model.StatusSending || e.inFlight {
		return apperr.Consistency(apperr.CodeCancelNotAllowed, "message in status %s cannot be cancelled", e.Status)
	}

	o.remove(tempID)
	close(e.done)
	return nil
}

// AwaitDelivery ждет ответа сервера не дольше grace. По истечении срока
// сообщение помечается Pending, а не failed
func (o *Outbox) AwaitDelivery(ctx context.Context, tempID string) (Entry, error) {
	o.mu.Lock()
	e, ok := o.entries[tempID]
	if !ok {
		o.mu.Unlock()
		return Entry{}, apperr.NotFound(apperr.CodeMessageNotFound, "outbox entry %s not found", tempID)
	}
	done := e.done
	o.mu.Unlock()

	timer := time.NewTimer(o.grace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
		return o.get(tempID), ctx.Err()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if e.Status == model.StatusSending {
		e.Pending = true
	}
	return e.Entry, e.err
}

// Entries снимок очереди в порядке создания
func (o *Outbox) Entries() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Entry, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.entries[id].Entry)
	}
	return out
}

// Prune удаляет подтвержденные сервером сообщения
func (o *Outbox) Prune() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	kept := o.order[:0]
	removed := 0
	for _, id := range o.order {
		if o.entries[id].Status == model.StatusSent {
			delete(o.entries, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	o.order = kept
	return removed
}

func (o *Outbox) get(tempID string) Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[tempID]; ok {
		return e.Entry
	}
	return Entry{}
}

func (o *Outbox) settle(e *entry, msg *model.Message) {
	e.Status = model.StatusSent
	e.Pending = false
	e.Message = msg
	e.Error = ""
	e.err = nil
	close(e.done)
}

// retryable повтор с тем же токеном может пройти только после сбоя доставки или хранения
func retryable(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindDelivery, apperr.KindInternal:
		return true
	}
	return false
}

// reject убирает отклоненное сервером сообщение; вызывать под o.mu
func (o *Outbox) reject(e *entry, err error) {
	e.Rejected = true
	e.Pending = false
	e.Error = err.Error()
	e.err = err
	o.remove(e.TempID)
	close(e.done)
	o.logger.Info("outbox message rejected",
		"temp_id", e.TempID, "chat_id", e.Input.ChatID, "code", apperr.CodeOf(err))
}

func (o *Outbox) remove(tempID string) {
	delete(o.entries, tempID)
	for i, id := range o.order {
		if id == tempID {
			o.order = append(o.order[:i], o.order[i+1:]...)
			return
		}
	}
}

func (o *Outbox) fail(e *entry, err error) {
	e.Status = model.StatusFailed
	e.Pending = false
	e.Error = err.Error()
	e.err = err
	close(e.done)
	o.logger.Warn("outbox message failed",
		"temp_id", e.TempID, "chat_id", e.Input.ChatID, "kind", apperr.KindOf(err), "error", err)
}
