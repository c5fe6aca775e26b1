package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/devghori1264/aerophoenix/cmdb-reconciler/internal/storage"
)

// Replay dispatches a stored dead letter again. It is deleted on success;
// on failure its error and attempt count are updated and the error returned.
func Replay(ctx context.Context, h Handler, store storage.Store, id string) (Outcome, error) {
	dl, err := store.GetDeadLetter(ctx, id)
	if err != nil {
		return Outcome{}, fmt.Errorf("get dead letter %s: %w", id, err)
	}

	out, derr := h.Dispatch(ctx, dl.Body)
	if derr == nil {
		if err := store.DeleteDeadLetter(ctx, id); err != nil {
			return out, fmt.Errorf("delete dead letter %s: %w", id, err)
		}
		return out, nil
	}

	dl.Attempts++
	dl.Error = derr.Error()
	dl.UpdatedAt = time.Now().UTC()
	if err := store.SaveDeadLetter(ctx, dl); err != nil {
		return out, fmt.Errorf("update dead letter %s: %w", id, err)
	}
	return out, derr
}
