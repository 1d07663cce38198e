package strategy

import "context"

type outcome[T any] struct {
	val T
	err error
}

// Await runs call on its own goroutine and returns its result, or ctx.Err()
// if ctx ends first. An abandoned call keeps running in the background; if it
// later succeeds, its value is passed to discard (when non-nil) so resources
// such as started handles can be released.
func Await[T any](ctx context.Context, call func(context.Context) (T, error), discard func(T)) (T, error) {
	ch := make(chan outcome[T], 1)
	go func() {
		v, err := call(ctx)
		ch <- outcome[T]{val: v, err: err}
	}()

	select {
	case o := <-ch:
		return o.val, o.err
	case <-ctx.Done():
		if discard != nil {
			go func() {
				if o := <-ch; o.err == nil {
					discard(o.val)
				}
			}()
		}
		var zero T
		return zero, ctx.Err()
	}
}
