package usecases

import "context"

type commitHooksKey struct{}

type commitHooks struct {
	fns []func()
}

// hookedTransactor runs the callbacks registered with afterCommit once the
// outermost transaction commits. Callbacks registered inside a nested
// transaction that fails are dropped with it.
type hookedTransactor struct {
	Transactor
}

func withCommitHooks(t Transactor) Transactor {
	if _, ok := t.(hookedTransactor); ok {
		return t
	}
	return hookedTransactor{Transactor: t}
}

func (t hookedTransactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if hooks, ok := ctx.Value(commitHooksKey{}).(*commitHooks); ok {
		mark := len(hooks.fns)
		err := t.Transactor.WithinTransaction(ctx, fn)
		if err != nil {
			hooks.fns = hooks.fns[:mark]
		}
		return err
	}

	hooks := &commitHooks{}
	if err := t.Transactor.WithinTransaction(context.WithValue(ctx, commitHooksKey{}, hooks), fn); err != nil {
		return err
	}
	for _, f := range hooks.fns {
		f()
	}
	return nil
}

// afterCommit runs fn after the transaction in ctx commits, or immediately
// when ctx carries none.
func afterCommit(ctx context.Context, fn func()) {
	if hooks, ok := ctx.Value(commitHooksKey{}).(*commitHooks); ok {
		hooks.fns = append(hooks.fns, fn)
		return
	}
	fn()
}
