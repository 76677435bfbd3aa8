package store

import "context"

// GetInto reads key and decodes it into doc.
func GetInto(ctx context.Context, r Reader, key Key, doc Document) error {
	it, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	return Unmarshal(it, doc)
}
