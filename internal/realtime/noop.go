package realtime

import "context"

// NoopProvider accepts every channel and never delivers anything. It backs
// one-shot commands that need a session but no live changes.
type NoopProvider struct{}

func (NoopProvider) Open(ctx context.Context, spec ChannelSpec, _ Handler) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := spec.Filter.Validate(); err != nil {
		return nil, err
	}
	return noopChannel{}, nil
}

type noopChannel struct{}

func (noopChannel) Close() error { return nil }
