package reactor

// registry maps the small integer ids the kernel hands back (io_uring userdata,
// epoll data) to the handler that owns them. Ids are reused after removal and
// never 0. Reactor goroutine only.
type registry[H any] struct {
	handlers []H
	used     []bool
	free     []uint64
}

func newRegistry[H any](capacity int) *registry[H] {
	return &registry[H]{
		handlers: make([]H, 1, capacity+1),
		used:     make([]bool, 1, capacity+1),
	}
}

func (r *registry[H]) add(h H) uint64 {
	if n := len(r.free); n > 0 {
		id := r.free[n-1]
		r.free = r.free[:n-1]
		r.handlers[id] = h
		r.used[id] = true
		return id
	}

	r.handlers = append(r.handlers, h)
	r.used = append(r.used, true)
	return uint64(len(r.handlers) - 1)
}

func (r *registry[H]) get(id uint64) (H, bool) {
	if id == 0 || id >= uint64(len(r.handlers)) || !r.used[id] {
		var zero H
		return zero, false
	}
	return r.handlers[id], true
}

func (r *registry[H]) remove(id uint64) {
	if _, ok := r.get(id); !ok {
		return
	}
	var zero H
	r.handlers[id] = zero
	r.used[id] = false
	r.free = append(r.free, id)
}

func (r *registry[H]) len() int {
	return len(r.handlers) - 1 - len(r.free)
}
