package upload

import "context"

// Multi fans reports out to every sink in order.
type Multi []Uploader

func (m Multi) Upload(ctx context.Context, reports []Report) {
	for _, u := range m {
		u.Upload(ctx, reports)
	}
}
