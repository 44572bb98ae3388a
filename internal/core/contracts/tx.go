package contracts

import "context"

// TxManager runs fn inside one store transaction. The transaction
// handle travels in the context so repositories pick it up through
// their executor lookup.
type TxManager interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}
