package locks

import "sync"

// Keyed выдает по мьютексу на ключ. Используется как единственный
// источник номеров последовательности внутри чата
type Keyed struct {
	mu    sync.Mutex
	locks map[uint]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[uint]*entry)}
}

// Lock захватывает мьютекс ключа и возвращает функцию освобождения
func (k *Keyed) Lock(key uint) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Len количество ключей, по которым сейчас есть ожидающие или владельцы
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
