package google

import "context"

// PageFunc fetches one page at the given token and returns the items plus the
// token of the next page, empty when the cursor is drained.
type PageFunc[T any] func(ctx context.Context, pageToken string) (items []T, next string, err error)

// ForEachPage follows the page cursor from startToken, yielding every item.
// A yield error stops the walk and propagates.
func ForEachPage[T any](ctx context.Context, startToken string, fetch PageFunc[T], yield func(item T) error) error {
	token := startToken
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		items, next, err := fetch(ctx, token)
		if err != nil {
			return err
		}
		for _, item := range items {
			if err := yield(item); err != nil {
				return err
			}
		}
		if next == "" {
			return nil
		}
		token = next
	}
}
